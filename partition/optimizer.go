// Package partition chooses where to split a layered model between ground
// and orbital execution.
package partition

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/orbital-training-coordinator/internal/logging"
	"github.com/signalsfoundry/orbital-training-coordinator/kb"
	"github.com/signalsfoundry/orbital-training-coordinator/model"
)

const (
	tracerName = "github.com/signalsfoundry/orbital-training-coordinator/partition"

	speedOfLightKmS = 299792.458
)

// Objective selects the split criterion.
type Objective int

const (
	MinimizeLatency Objective = iota
	MinimizeBandwidth
	Balance
	// MaximizeThroughput currently selects the Balance split.
	MaximizeThroughput
)

var objectiveNames = map[Objective]string{
	MinimizeLatency:    "minimize_latency",
	MinimizeBandwidth:  "minimize_bandwidth",
	Balance:            "balance",
	MaximizeThroughput: "maximize_throughput",
}

func (o Objective) String() string {
	if s, ok := objectiveNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Objective(%d)", int(o))
}

// ParseObjective accepts the names produced by String.
func ParseObjective(s string) (Objective, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for o, name := range objectiveNames {
		if name == s {
			return o, nil
		}
	}
	return Balance, fmt.Errorf("unknown partition objective %q", s)
}

// Optimizer scores candidate cut points for a model. The zero value is not
// useful; start from DefaultOptimizer or NewOptimizer.
type Optimizer struct {
	GroundTFLOPS  float64 `json:"ground_tflops" yaml:"ground_tflops"`
	OrbitalTFLOPS float64 `json:"orbital_tflops" yaml:"orbital_tflops"`
	AltitudeKm    float64 `json:"altitude_km" yaml:"altitude_km"`
	UplinkMbps    float64 `json:"uplink_mbps" yaml:"uplink_mbps"`
	DownlinkMbps  float64 `json:"downlink_mbps" yaml:"downlink_mbps"`

	Logger logging.Logger `json:"-" yaml:"-"`
}

// DefaultOptimizer models a 100 TFLOPS ground site and a 10 TFLOPS
// satellite at 550 km over a 100/200 Mbps link.
func DefaultOptimizer() Optimizer {
	return Optimizer{
		GroundTFLOPS:  100,
		OrbitalTFLOPS: 10,
		AltitudeKm:    550,
		UplinkMbps:    100,
		DownlinkMbps:  200,
	}
}

// NewOptimizer overrides the compute figures of DefaultOptimizer.
func NewOptimizer(groundTFLOPS, orbitalTFLOPS float64) Optimizer {
	o := DefaultOptimizer()
	o.GroundTFLOPS = groundTFLOPS
	o.OrbitalTFLOPS = orbitalTFLOPS
	return o
}

// FromTopology derives compute and link figures from a registry: summed
// ground and orbital TFLOPS, the narrowest orbital bandwidth as uplink and
// the highest orbital altitude for propagation. Missing figures keep the
// defaults.
func FromTopology(t *kb.Topology) Optimizer {
	o := DefaultOptimizer()
	if g := t.GroundComputeTFLOPS(); g > 0 {
		o.GroundTFLOPS = g
	}
	if s := t.OrbitalComputeTFLOPS(); s > 0 {
		o.OrbitalTFLOPS = s
	}
	uplink, alt := math.Inf(1), 0.0
	for _, n := range t.OrbitalNodes() {
		if n.BandwidthMbps > 0 {
			uplink = math.Min(uplink, n.BandwidthMbps)
		}
		if n.AltitudeKm != nil {
			alt = math.Max(alt, *n.AltitudeKm)
		}
	}
	if !math.IsInf(uplink, 1) {
		o.UplinkMbps = uplink
	}
	if alt > 0 {
		o.AltitudeKm = alt
	}
	return o
}

// Optimize returns the plan for objective. An empty model yields an empty
// plan.
func (o Optimizer) Optimize(m *model.ModelProfile, objective Objective) Plan {
	return o.OptimizeContext(context.Background(), m, objective)
}

// OptimizeContext is Optimize with tracing.
func (o Optimizer) OptimizeContext(ctx context.Context, m *model.ModelProfile, objective Objective) Plan {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Optimizer.Optimize")
	defer span.End()

	var split int
	switch objective {
	case MinimizeLatency:
		split = o.latencySplit(m)
	case MinimizeBandwidth:
		split = bandwidthSplit(m)
	default:
		split = o.balancedSplit(m)
	}
	plan := o.PlanAt(m, split, objective)

	span.SetAttributes(
		attribute.String("partition.objective", objective.String()),
		attribute.Int("partition.split", split),
		attribute.Float64("partition.latency_ms", plan.TotalLatencyMs),
	)
	if o.Logger != nil {
		o.Logger.Debug(ctx, "partition plan selected",
			logging.String("model", plan.ModelName),
			logging.String("objective", objective.String()),
			logging.Int("split", split),
			logging.Any("latency_ms", plan.TotalLatencyMs),
		)
	}
	return plan
}

func (o Optimizer) computeMs(flops uint64, tflops float64) float64 {
	return float64(flops) / (tflops * 1e12) * 1000
}

// transferMs is the cost of shipping bytes across the cut.
func (o Optimizer) transferMs(bytes uint64) float64 {
	transmit := float64(bytes) * 8 / (o.UplinkMbps * 1e6) * 1000
	propagation := o.AltitudeKm / speedOfLightKmS * 1000
	return transmit + propagation
}

// latencySplit evaluates every cut 0..n with prefix sums and keeps the
// first minimum.
func (o Optimizer) latencySplit(m *model.ModelProfile) int {
	n := len(m.Layers)
	ground := make([]float64, n+1)
	orbital := make([]float64, n+1)
	for i, l := range m.Layers {
		ground[i+1] = ground[i] + o.computeMs(l.FLOPs, o.GroundTFLOPS)
		orbital[i+1] = orbital[i] + o.computeMs(l.FLOPs, o.OrbitalTFLOPS)
	}

	best, bestCost := 0, math.Inf(1)
	for split := 0; split <= n; split++ {
		cost := ground[split] + orbital[n] - orbital[split]
		if split > 0 && split < n {
			cost += o.transferMs(m.Layers[split].InputSizeBytes)
		}
		if cost < bestCost {
			best, bestCost = split, cost
		}
	}
	return best
}

// bandwidthSplit cuts right after the layer with the smallest output. It
// never considers cutting before the first layer.
func bandwidthSplit(m *model.ModelProfile) int {
	split := 0
	minSize := uint64(math.MaxUint64)
	for i, l := range m.Layers {
		if l.OutputSizeBytes < minSize {
			minSize = l.OutputSizeBytes
			split = i + 1
		}
	}
	return split
}

// balancedSplit returns the shortest prefix whose FLOPs reach the ground
// share of the total.
func (o Optimizer) balancedSplit(m *model.ModelProfile) int {
	target := float64(m.TotalFLOPs()) * o.GroundTFLOPS / (o.GroundTFLOPS + o.OrbitalTFLOPS)
	cumulative := 0.0
	for i, l := range m.Layers {
		cumulative += float64(l.FLOPs)
		if cumulative >= target {
			return i + 1
		}
	}
	return len(m.Layers)
}
