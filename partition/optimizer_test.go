package partition

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/signalsfoundry/orbital-training-coordinator/kb"
	"github.com/signalsfoundry/orbital-training-coordinator/model"
)

func fourLayerModel() *model.ModelProfile {
	m := model.NewModelProfile("toy")
	for i, l := range []struct {
		flops, out uint64
	}{
		{10e12, 500}, {20e12, 100}, {30e12, 300}, {40e12, 100},
	} {
		m.AddLayer(model.LayerProfile{
			Name:            string(rune('a' + i)),
			Type:            model.LayerLinear,
			FLOPs:           l.flops,
			InputSizeBytes:  1_000_000,
			OutputSizeBytes: l.out,
		})
	}
	return m
}

func TestOptimize_Splits(t *testing.T) {
	m := fourLayerModel()
	tests := []struct {
		name      string
		opt       Optimizer
		objective Objective
		want      int
	}{
		{name: "bandwidth picks first smallest output", opt: DefaultOptimizer(), objective: MinimizeBandwidth, want: 2},
		{name: "balance equal compute", opt: NewOptimizer(10, 10), objective: Balance, want: 3},
		{name: "balance ground heavy", opt: NewOptimizer(100, 10), objective: Balance, want: 4},
		{name: "throughput follows balance", opt: NewOptimizer(10, 10), objective: MaximizeThroughput, want: 3},
		{name: "latency all ground", opt: DefaultOptimizer(), objective: MinimizeLatency, want: 4},
		{name: "latency all orbital", opt: NewOptimizer(1, 100), objective: MinimizeLatency, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := tt.opt.Optimize(m, tt.objective)
			if plan.SplitIndex != tt.want {
				t.Fatalf("split = %d, want %d", plan.SplitIndex, tt.want)
			}
			if plan.Objective != tt.objective {
				t.Fatalf("objective = %v", plan.Objective)
			}
		})
	}
}

func TestPlanAt_TransferOnlyAtCut(t *testing.T) {
	o := DefaultOptimizer()
	m := fourLayerModel()

	plan := o.PlanAt(m, 2, Balance)
	if plan.Transfers != 1 || plan.TotalTransferBytes != 1_000_000 {
		t.Fatalf("unexpected transfer accounting %+v", plan)
	}
	for i, pl := range plan.Placements {
		if (pl.DataTransferBytes != 0) != (i == 2) {
			t.Fatalf("layer %d transfer = %d", i, pl.DataTransferBytes)
		}
	}

	compute := 30e12 / (10 * 1e12) * 1000.0
	transfer := 1_000_000*8/(100*1e6)*1000 + 550/speedOfLightKmS*1000
	if got := plan.Placements[2].EstimatedLatencyMs; math.Abs(got-(compute+transfer)) > 1e-9 {
		t.Fatalf("cut layer latency = %v, want %v", got, compute+transfer)
	}

	for _, split := range []int{0, 4} {
		if p := o.PlanAt(m, split, Balance); p.Transfers != 0 {
			t.Fatalf("split %d should not transfer", split)
		}
	}
}

func TestPlan_GroundOrbitalPartition(t *testing.T) {
	plan := NewOptimizer(10, 10).Optimize(fourLayerModel(), Balance)
	plan.AssignNodes("gs-1", "sat-1")

	ground, orbital := plan.GroundLayers(), plan.OrbitalLayers()
	if len(ground) != 3 || len(orbital) != 1 {
		t.Fatalf("ground=%d orbital=%d", len(ground), len(orbital))
	}
	if ground[0].NodeID != "gs-1" || orbital[0].NodeID != "sat-1" || orbital[0].LayerName != "d" {
		t.Fatalf("unexpected placements %+v %+v", ground, orbital)
	}
}

func TestOptimize_EmptyModel(t *testing.T) {
	plan := DefaultOptimizer().Optimize(model.NewModelProfile("empty"), MinimizeLatency)
	if len(plan.Placements) != 0 || plan.SplitIndex != 0 || plan.TotalLatencyMs != 0 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestOptimize_Transformer(t *testing.T) {
	m := model.CreateTransformer(6, 768, 50000, 512)
	if m.NumLayers() != 14 || m.TotalParams() == 0 {
		t.Fatalf("unexpected transformer profile: %d layers", m.NumLayers())
	}
	plan := DefaultOptimizer().Optimize(m, Balance)
	if len(plan.Placements) != 14 || plan.TotalLatencyMs <= 0 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestFromTopology(t *testing.T) {
	topo := kb.NewTopology()
	for _, n := range []model.NodeConfig{
		model.Ground("gs-1", 78.2, 15.4, 40),
		model.Ground("gs-2", 5.2, -52.7, 60),
		model.Orbital("sat-1", 550, 5),
		model.Orbital("sat-2", 600, 5),
	} {
		if err := topo.AddNode(n); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}

	o := FromTopology(topo)
	if o.GroundTFLOPS != 100 || o.OrbitalTFLOPS != 10 || o.AltitudeKm != 600 || o.UplinkMbps != 100 {
		t.Fatalf("unexpected optimizer %+v", o)
	}
}

func TestParseObjective(t *testing.T) {
	for o, name := range objectiveNames {
		got, err := ParseObjective(name)
		if err != nil || got != o {
			t.Fatalf("ParseObjective(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseObjective("fastest"); err == nil {
		t.Fatalf("expected error")
	}
}

func randomModel(rt *rapid.T) *model.ModelProfile {
	n := rapid.IntRange(1, 24).Draw(rt, "layers")
	m := model.NewModelProfile("random")
	for i := 0; i < n; i++ {
		m.AddLayer(model.LayerProfile{
			Name:            "l",
			FLOPs:           rapid.Uint64Range(0, 1e12).Draw(rt, "flops"),
			InputSizeBytes:  rapid.Uint64Range(0, 1e8).Draw(rt, "in"),
			OutputSizeBytes: rapid.Uint64Range(0, 1e8).Draw(rt, "out"),
		})
	}
	return m
}

func TestProperty_PlanIsContiguousAndExhaustive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := randomModel(rt)
		obj := rapid.SampledFrom([]Objective{MinimizeLatency, MinimizeBandwidth, Balance}).Draw(rt, "objective")
		plan := DefaultOptimizer().Optimize(m, obj)

		require.Len(rt, plan.Placements, len(m.Layers))
		for i, pl := range plan.Placements {
			if i < plan.SplitIndex {
				require.Equal(rt, Ground, pl.Location)
			} else {
				require.Equal(rt, Orbital, pl.Location)
			}
		}
		require.LessOrEqual(rt, plan.Transfers, 1)
	})
}

func TestProperty_BalanceIsSmallestSufficientPrefix(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := randomModel(rt)
		o := NewOptimizer(rapid.Float64Range(1, 1000).Draw(rt, "ground"), rapid.Float64Range(1, 1000).Draw(rt, "orbital"))
		plan := o.Optimize(m, Balance)

		target := float64(m.TotalFLOPs()) * o.GroundTFLOPS / (o.GroundTFLOPS + o.OrbitalTFLOPS)
		prefix := 0.0
		for i := 0; i < plan.SplitIndex; i++ {
			if i > 0 && i == plan.SplitIndex-1 {
				require.Less(rt, prefix, target, "a shorter prefix already reached the target")
			}
			prefix += float64(m.Layers[i].FLOPs)
		}
		if plan.SplitIndex < len(m.Layers) {
			require.GreaterOrEqual(rt, prefix, target)
		}
	})
}

func TestProperty_LatencySplitIsOptimal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := randomModel(rt)
		o := NewOptimizer(rapid.Float64Range(1, 200).Draw(rt, "ground"), rapid.Float64Range(1, 200).Draw(rt, "orbital"))
		best := o.Optimize(m, MinimizeLatency)

		for split := 0; split <= len(m.Layers); split++ {
			alt := o.PlanAt(m, split, MinimizeLatency)
			require.LessOrEqual(rt, best.TotalLatencyMs, alt.TotalLatencyMs*(1+1e-9)+1e-9)
		}
	})
}
