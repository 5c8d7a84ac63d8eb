package model

import "fmt"

// NodeType distinguishes ground compute from orbital compute.
type NodeType int

const (
	NodeTypeGround NodeType = iota
	NodeTypeOrbital
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeGround:
		return "ground"
	case NodeTypeOrbital:
		return "orbital"
	default:
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
}

// GeoLocation is a geodetic position in degrees.
type GeoLocation struct {
	LatitudeDeg  float64 `json:"lat" yaml:"lat"`
	LongitudeDeg float64 `json:"lon" yaml:"lon"`
}

// NodeConfig describes a compute node taking part in training.
// AltitudeKm is set for orbital nodes, Location for ground nodes.
type NodeConfig struct {
	ID            string       `json:"id" yaml:"id"`
	Type          NodeType     `json:"kind" yaml:"kind"`
	ComputeTFLOPS float64      `json:"compute_tflops" yaml:"compute_tflops"`
	MemoryGB      float64      `json:"memory_gb" yaml:"memory_gb"`
	BandwidthMbps float64      `json:"bandwidth_mbps" yaml:"bandwidth_mbps"`
	AltitudeKm    *float64     `json:"altitude_km,omitempty" yaml:"altitude_km,omitempty"`
	Location      *GeoLocation `json:"location,omitempty" yaml:"location,omitempty"`
}

// Orbital returns an orbital node with flight-hardware defaults
// (32 GB memory, 100 Mbps link).
func Orbital(id string, altitudeKm, computeTFLOPS float64) NodeConfig {
	alt := altitudeKm
	return NodeConfig{
		ID:            id,
		Type:          NodeTypeOrbital,
		ComputeTFLOPS: computeTFLOPS,
		MemoryGB:      32,
		BandwidthMbps: 100,
		AltitudeKm:    &alt,
	}
}

// Ground returns a ground node with datacentre defaults
// (256 GB memory, 1000 Mbps link).
func Ground(id string, lat, lon, computeTFLOPS float64) NodeConfig {
	return NodeConfig{
		ID:            id,
		Type:          NodeTypeGround,
		ComputeTFLOPS: computeTFLOPS,
		MemoryGB:      256,
		BandwidthMbps: 1000,
		Location:      &GeoLocation{LatitudeDeg: lat, LongitudeDeg: lon},
	}
}

// OrbitalNode is a satellite participating in the ISL mesh. Orbits are
// treated as circular, so the elements below fully place the node.
type OrbitalNode struct {
	ID               string  `json:"id" yaml:"id"`
	AltitudeKm       float64 `json:"altitude_km" yaml:"altitude_km"`
	InclinationDeg   float64 `json:"inclination_deg" yaml:"inclination_deg"`
	RAANDeg          float64 `json:"raan_deg" yaml:"raan_deg"`
	MeanAnomalyDeg   float64 `json:"mean_anomaly_deg" yaml:"mean_anomaly_deg"`
	ISLRangeKm       float64 `json:"isl_range_km" yaml:"isl_range_km"`
	ISLBandwidthGbps float64 `json:"isl_bandwidth_gbps" yaml:"isl_bandwidth_gbps"`
	ComputeTFLOPS    float64 `json:"compute_tflops" yaml:"compute_tflops"`
}

// NewOrbitalNode returns a node at 550 km / 51.6° with a 5000 km, 10 Gbps
// optical terminal and 10 TFLOPS of compute.
func NewOrbitalNode(id string) OrbitalNode {
	return OrbitalNode{
		ID:               id,
		AltitudeKm:       550,
		InclinationDeg:   51.6,
		ISLRangeKm:       5000,
		ISLBandwidthGbps: 10,
		ComputeTFLOPS:    10,
	}
}

// WithOrbit returns a copy of n placed at the given RAAN and mean anomaly.
func (n OrbitalNode) WithOrbit(raanDeg, meanAnomalyDeg float64) OrbitalNode {
	n.RAANDeg = raanDeg
	n.MeanAnomalyDeg = meanAnomalyDeg
	return n
}

// GroundStation is a ground terminal able to uplink to satellites above its
// elevation mask.
type GroundStation struct {
	Name            string  `json:"name" yaml:"name"`
	LatitudeDeg     float64 `json:"lat" yaml:"lat"`
	LongitudeDeg    float64 `json:"lon" yaml:"lon"`
	ElevationM      float64 `json:"elevation_m" yaml:"elevation_m"`
	BandwidthMbps   float64 `json:"bandwidth_mbps" yaml:"bandwidth_mbps"`
	MinElevationDeg float64 `json:"min_elevation_deg" yaml:"min_elevation_deg"`
}

// NewGroundStation returns a station with a 100 Mbps feeder and a 5° mask.
func NewGroundStation(name string, lat, lon float64) GroundStation {
	return GroundStation{
		Name:            name,
		LatitudeDeg:     lat,
		LongitudeDeg:    lon,
		BandwidthMbps:   100,
		MinElevationDeg: 5,
	}
}

func Svalbard() GroundStation { return NewGroundStation("Svalbard", 78.2306, 15.3894) }

func Kourou() GroundStation { return NewGroundStation("Kourou", 5.2378, -52.7683) }

// DefaultGroundNetwork is the polar + equatorial pair used when no stations
// are configured.
func DefaultGroundNetwork() []GroundStation {
	return []GroundStation{Svalbard(), Kourou()}
}
