package partition

import (
	"fmt"

	"github.com/signalsfoundry/orbital-training-coordinator/model"
)

// Location is where a layer executes.
type Location int

const (
	Ground Location = iota
	Orbital
	Split
)

func (l Location) String() string {
	switch l {
	case Ground:
		return "ground"
	case Orbital:
		return "orbital"
	case Split:
		return "split"
	default:
		return fmt.Sprintf("Location(%d)", int(l))
	}
}

// Placement is one layer's assignment within a Plan.
type Placement struct {
	LayerName          string   `json:"layer_name"`
	Location           Location `json:"location"`
	NodeID             string   `json:"node_id,omitempty"`
	EstimatedLatencyMs float64  `json:"estimated_latency_ms"`
	DataTransferBytes  uint64   `json:"data_transfer_bytes"`
}

// Plan assigns layers [0, SplitIndex) to the ground and the rest to orbit.
type Plan struct {
	ModelName          string      `json:"model_name"`
	Objective          Objective   `json:"objective"`
	SplitIndex         int         `json:"split_index"`
	Placements         []Placement `json:"placements"`
	TotalLatencyMs     float64     `json:"total_latency_ms"`
	Transfers          int         `json:"ground_orbital_transfers"`
	TotalTransferBytes uint64      `json:"total_transfer_bytes"`
}

// GroundLayers returns the ground-side placements in order.
func (p Plan) GroundLayers() []Placement { return p.filter(Ground) }

// OrbitalLayers returns the orbital-side placements in order.
func (p Plan) OrbitalLayers() []Placement { return p.filter(Orbital) }

func (p Plan) filter(loc Location) []Placement {
	var out []Placement
	for _, pl := range p.Placements {
		if pl.Location == loc {
			out = append(out, pl)
		}
	}
	return out
}

// PlanAt builds the plan for a fixed cut. split is clamped to [0, n]. The
// transfer at the cut is charged to the first orbital layer.
func (o Optimizer) PlanAt(m *model.ModelProfile, split int, objective Objective) Plan {
	n := len(m.Layers)
	split = max(0, min(split, n))

	plan := Plan{
		ModelName:  m.Name,
		Objective:  objective,
		SplitIndex: split,
		Placements: make([]Placement, 0, n),
	}
	for i, l := range m.Layers {
		loc, tflops := Ground, o.GroundTFLOPS
		if i >= split {
			loc, tflops = Orbital, o.OrbitalTFLOPS
		}
		pl := Placement{
			LayerName:          l.Name,
			Location:           loc,
			EstimatedLatencyMs: o.computeMs(l.FLOPs, tflops),
		}
		if i == split && split > 0 && split < n {
			pl.DataTransferBytes = l.InputSizeBytes
			pl.EstimatedLatencyMs += o.transferMs(l.InputSizeBytes)
			plan.TotalTransferBytes += l.InputSizeBytes
			plan.Transfers++
		}
		plan.TotalLatencyMs += pl.EstimatedLatencyMs
		plan.Placements = append(plan.Placements, pl)
	}
	return plan
}

// AssignNodes stamps ground and orbital node IDs onto the placements.
func (p *Plan) AssignNodes(groundID, orbitalID string) {
	for i := range p.Placements {
		switch p.Placements[i].Location {
		case Ground:
			p.Placements[i].NodeID = groundID
		case Orbital:
			p.Placements[i].NodeID = orbitalID
		}
	}
}
