package core

import (
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/orbital-training-coordinator/model"
)

// stationPosition returns the ECI position of a ground station at epoch.
// The mesh frame uses the same spherical Earth radius for orbits, so the
// ellipsoidal result is rescaled onto that sphere to keep elevation angles
// consistent with OrbitalPosition.
func stationPosition(gs model.GroundStation, epoch time.Time) Vec3 {
	jd := julianDay(epoch)
	lla := satellite.LatLong{
		Latitude:  deg2rad(gs.LatitudeDeg),
		Longitude: deg2rad(gs.LongitudeDeg),
	}
	altKm := gs.ElevationM / 1000
	eci := satellite.LLAToECI(lla, altKm, jd)

	pos := Vec3{X: eci.X, Y: eci.Y, Z: eci.Z}
	if r := pos.Norm(); r > 0 {
		scale := (EarthRadiusKm + altKm) / r
		pos = Vec3{X: pos.X * scale, Y: pos.Y * scale, Z: pos.Z * scale}
	}
	return pos
}

func julianDay(t time.Time) float64 {
	t = t.UTC()
	return satellite.JDay(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
}

// VisibleSatellites lists orbital nodes above the station's elevation mask
// in the current snapshot, ignoring link state.
func (m *SpaceMesh) VisibleSatellites(station string) ([]string, error) {
	cur := m.current.Load()
	idx, ok := cur.index[station]
	if !ok || idx < len(cur.nodes) {
		return nil, ErrUnknownNode
	}
	gs := cur.stations[idx-len(cur.nodes)]
	gsPos := stationPosition(gs, cur.epoch)

	var out []string
	for _, n := range cur.nodes {
		if ElevationDegrees(gsPos, OrbitalPosition(n)) >= gs.MinElevationDeg {
			out = append(out, n.ID)
		}
	}
	return out, nil
}
