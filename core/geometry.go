package core

import (
	"math"

	"github.com/signalsfoundry/orbital-training-coordinator/model"
)

const (
	// EarthRadiusKm is the mean Earth radius used for all simple
	// geometry calculations in the mesh (kilometres).
	EarthRadiusKm = 6371.0
	// EarthMuKm3S2 is the standard gravitational parameter of Earth.
	EarthMuKm3S2 = 398600.4418
	// SpeedOfLightKmS is the vacuum speed of light; ISLs are optical.
	SpeedOfLightKmS = 299792.458
)

// Vec3 is an inertial-frame vector in kilometres.
type Vec3 struct {
	X, Y, Z float64
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// OrbitalPosition places a node on its circular orbit. The mean anomaly is
// used as the argument of latitude, measured from the ascending node.
func OrbitalPosition(n model.OrbitalNode) Vec3 {
	r := EarthRadiusKm + n.AltitudeKm
	theta := deg2rad(n.MeanAnomalyDeg)
	inc := deg2rad(n.InclinationDeg)
	raan := deg2rad(n.RAANDeg)

	sinT, cosT := math.Sincos(theta)
	sinR, cosR := math.Sincos(raan)
	sinI, cosI := math.Sincos(inc)

	return Vec3{
		X: r * (cosR*cosT - sinR*sinT*cosI),
		Y: r * (sinR*cosT + cosR*sinT*cosI),
		Z: r * sinT * sinI,
	}
}

// SeparationKm is the straight-line distance between two orbital nodes.
func SeparationKm(a, b model.OrbitalNode) float64 {
	return OrbitalPosition(a).DistanceTo(OrbitalPosition(b))
}

// MaxLineOfSightKm is the longest chord between two points at altitudeKm
// that stays clear of the Earth: twice the horizon distance.
func MaxLineOfSightKm(altitudeKm float64) float64 {
	r := EarthRadiusKm + altitudeKm
	return 2 * math.Sqrt(r*r-EarthRadiusKm*EarthRadiusKm)
}

// hasLineOfSight applies the horizon test from the lower of the two
// altitudes. It is approximate: a chord between nodes at different
// altitudes may graze slightly lower than the test assumes.
func hasLineOfSight(a, b model.OrbitalNode, distanceKm float64) bool {
	return distanceKm <= MaxLineOfSightKm(math.Min(a.AltitudeKm, b.AltitudeKm))
}

// PropagationDelayMs is the one-way light time over distanceKm.
func PropagationDelayMs(distanceKm float64) float64 {
	return distanceKm / SpeedOfLightKmS * 1000
}

// OrbitalPeriod returns the circular-orbit period at altitudeKm, in seconds.
func OrbitalPeriod(altitudeKm float64) float64 {
	a := EarthRadiusKm + altitudeKm
	return 2 * math.Pi * math.Sqrt(a*a*a/EarthMuKm3S2)
}

// ElevationDegrees returns the elevation angle of the target as seen from
// the observer, in degrees. 0° = geometric horizon, 90° = overhead.
func ElevationDegrees(observer, target Vec3) float64 {
	v := target.Sub(observer)
	vNorm := v.Norm()
	if vNorm == 0 {
		return 90
	}

	// Local zenith at observer is its normalised position vector.
	r := observer.Norm()
	if r == 0 {
		return 90
	}
	zenith := Vec3{X: observer.X / r, Y: observer.Y / r, Z: observer.Z / r}

	cosGamma := v.Dot(zenith) / vNorm
	if cosGamma > 1 {
		cosGamma = 1
	} else if cosGamma < -1 {
		cosGamma = -1
	}
	return 90.0 - rad2deg(math.Acos(cosGamma))
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }

func rad2deg(r float64) float64 { return r * 180 / math.Pi }

func normalizeDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}
