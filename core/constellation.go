package core

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/orbital-training-coordinator/internal/logging"
	"github.com/signalsfoundry/orbital-training-coordinator/model"
)

// WalkerConfig describes a Walker-Delta shell.
type WalkerConfig struct {
	Name             string
	Planes           int
	SatsPerPlane     int
	AltitudeKm       float64
	InclinationDeg   float64
	ISLRangeKm       float64
	ISLBandwidthGbps float64
	ComputeTFLOPS    float64
}

// WalkerNodes lays out planes×satsPerPlane nodes. Planes are spread evenly
// in RAAN and each plane's slots are phased by 360/(planes·spp)·p degrees.
// IDs follow "<name>_P<plane>_S<slot>".
func WalkerNodes(cfg WalkerConfig) []model.OrbitalNode {
	if cfg.Planes <= 0 || cfg.SatsPerPlane <= 0 {
		return nil
	}
	total := cfg.Planes * cfg.SatsPerPlane
	nodes := make([]model.OrbitalNode, 0, total)
	for p := 0; p < cfg.Planes; p++ {
		raan := 360.0 / float64(cfg.Planes) * float64(p)
		phase := 360.0 / float64(total) * float64(p)
		for s := 0; s < cfg.SatsPerPlane; s++ {
			n := model.NewOrbitalNode(fmt.Sprintf("%s_P%d_S%d", cfg.Name, p, s))
			n.AltitudeKm = cfg.AltitudeKm
			n.InclinationDeg = cfg.InclinationDeg
			n.RAANDeg = raan
			n.MeanAnomalyDeg = 360.0/float64(cfg.SatsPerPlane)*float64(s) + phase
			n.ISLRangeKm = cfg.ISLRangeKm
			if cfg.ISLBandwidthGbps > 0 {
				n.ISLBandwidthGbps = cfg.ISLBandwidthGbps
			}
			if cfg.ComputeTFLOPS > 0 {
				n.ComputeTFLOPS = cfg.ComputeTFLOPS
			}
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// CreateConstellation adds a Walker-Delta shell and rebuilds the topology.
func (m *SpaceMesh) CreateConstellation(name string, numPlanes, satsPerPlane int, altitudeKm, inclinationDeg, islRangeKm float64) {
	m.CreateWalker(context.Background(), WalkerConfig{
		Name:           name,
		Planes:         numPlanes,
		SatsPerPlane:   satsPerPlane,
		AltitudeKm:     altitudeKm,
		InclinationDeg: inclinationDeg,
		ISLRangeKm:     islRangeKm,
	})
}

// CreateWalker is CreateConstellation driven by a WalkerConfig.
func (m *SpaceMesh) CreateWalker(ctx context.Context, cfg WalkerConfig) {
	for _, n := range WalkerNodes(cfg) {
		if err := m.AddNode(n); err != nil {
			m.log.Warn(ctx, "walker node skipped", logging.String("node_id", n.ID), logging.Err(err))
		}
	}
	m.UpdateTopology(ctx)
}
