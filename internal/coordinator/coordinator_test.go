package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/signalsfoundry/orbital-training-coordinator/core"
	"github.com/signalsfoundry/orbital-training-coordinator/federated"
	"github.com/signalsfoundry/orbital-training-coordinator/kb"
	"github.com/signalsfoundry/orbital-training-coordinator/model"
	"github.com/signalsfoundry/orbital-training-coordinator/partition"
	"github.com/signalsfoundry/orbital-training-coordinator/syncsched"
)

const testModelSize = 50

type fixture struct {
	mesh  *core.SpaceMesh
	sched *syncsched.Scheduler
	agg   *federated.Aggregator
	coord *Coordinator
}

// newFixture builds three satellites 20° apart and a sink whose elevation
// mask either sees all of them or none.
func newFixture(t *testing.T, sinkVisible bool, opts ...Option) fixture {
	t.Helper()

	mesh := core.NewSpaceMesh(3000)
	for i, id := range []string{"A", "B", "C"} {
		mesh.AddNode(model.NewOrbitalNode(id).WithOrbit(0, float64(i)*20))
	}
	sink := model.NewGroundStation("Sink", 0, 0)
	sink.MinElevationDeg = 90.5
	if sinkVisible {
		sink.MinElevationDeg = -90
	}
	mesh.AddGroundStation(sink)
	mesh.UpdateTopology(context.Background())

	sched := syncsched.NewScheduler()
	agg := federated.NewAggregator(federated.FedAvg, 3)
	opts = append([]Option{WithModelSize(testModelSize), WithLearningRate(0.5)}, opts...)
	coord := New(mesh, sched, agg, "Sink", opts...)

	cfg := federated.CompressionConfig{Method: federated.MethodTopK, KRatio: 0.1, ErrorFeedback: true}
	for _, id := range []string{"A", "B", "C"} {
		cl, err := federated.NewClient(id, model.NodeTypeOrbital, cfg)
		if err != nil {
			t.Fatalf("NewClient(%s): %v", id, err)
		}
		if err := coord.AddClient(cl); err != nil {
			t.Fatalf("AddClient(%s): %v", id, err)
		}
	}
	return fixture{mesh: mesh, sched: sched, agg: agg, coord: coord}
}

func hasNonZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return true
		}
	}
	return false
}

func TestRunRoundDeliversAndAggregates(t *testing.T) {
	f := newFixture(t, true)

	report, err := f.coord.RunRound(context.Background(), 0)
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if report.Uploaded != 3 || report.Delivery.Delivered != 3 {
		t.Fatalf("report = %+v, want 3 uploaded and delivered", report)
	}
	if report.Delivery.Bytes != 3*40 {
		t.Fatalf("delivered bytes = %d, want 120", report.Delivery.Bytes)
	}
	if !report.Aggregated || report.Result.Round != 1 {
		t.Fatalf("expected round 1 aggregated, got %+v", report)
	}
	if got := report.Result.Participants; len(got) != 3 || got[0] != "A" || got[2] != "C" {
		t.Fatalf("participants = %v", got)
	}
	if len(report.Result.Update) != testModelSize {
		t.Fatalf("update length = %d, want %d", len(report.Result.Update), testModelSize)
	}

	params, err := f.coord.Params("B")
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	if !hasNonZero(params) {
		t.Fatal("expected the global update to move B's parameters")
	}
	if !f.sched.Queue().IsEmpty() {
		t.Fatalf("queue should be empty, has %d", f.sched.Queue().Size())
	}

	stats := f.coord.Stats()
	if stats.Clients != 3 || stats.Aggregator.Round != 1 || stats.PlanSplit != -1 {
		t.Fatalf("Stats = %+v", stats)
	}
	if stats.Training.SyncCount != 3 {
		t.Fatalf("training sync count = %d, want 3", stats.Training.SyncCount)
	}
}

func TestDeliverRequeuesWithoutRoute(t *testing.T) {
	f := newFixture(t, false)

	if _, err := f.coord.TrainStep(context.Background()); err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	report, err := f.coord.Deliver(context.Background(), 0)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if report.Delivered != 0 || report.Requeued != 3 {
		t.Fatalf("report = %+v, want all requeued", report)
	}
	if got := f.sched.Queue().Size(); got != 3 {
		t.Fatalf("queue size = %d, want 3", got)
	}
	if _, ok, _ := f.coord.AggregateIfReady(context.Background()); ok {
		t.Fatal("aggregation should not run without deliveries")
	}

	task, _ := f.sched.Queue().PeekTask()
	if _, ok := task.Payload.(GradientPayload); !ok {
		t.Fatalf("requeued task lost its payload: %+v", task)
	}
}

func TestDeliverRespectsBudget(t *testing.T) {
	f := newFixture(t, true)

	if _, err := f.coord.TrainStep(context.Background()); err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	report, err := f.coord.Deliver(context.Background(), 40)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if report.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1 within a 40 byte budget", report.Delivered)
	}
	if f.agg.ReadyToAggregate() {
		t.Fatal("one of three participants should not be ready")
	}
	if got := f.sched.Queue().Size(); got != 2 {
		t.Fatalf("queue size = %d, want 2", got)
	}
}

func TestDeliverDropsForeignAndUnknown(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.sched.Enqueue(ctx, model.SyncTask{NodeID: "A", DataSizeBytes: 1, Description: "telemetry", Payload: "not a gradient"})
	f.sched.Enqueue(ctx, model.SyncTask{NodeID: "ghost", DataSizeBytes: 1, Payload: GradientPayload{
		Gradient: federated.CompressedGradient{OriginalSize: testModelSize},
	}})

	report, err := f.coord.Deliver(ctx, 0)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if report.Dropped != 2 || report.Delivered != 0 || report.Requeued != 0 {
		t.Fatalf("report = %+v, want 2 dropped", report)
	}
}

func TestDeliverFromSinkSkipsTheMesh(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	grad := federated.CompressedGradient{Indices: []int{0}, Values: []float64{1}, Shape: []int{testModelSize}, OriginalSize: testModelSize}
	f.sched.Enqueue(ctx, model.SyncTask{NodeID: "Sink", DataSizeBytes: 8, Payload: GradientPayload{Round: 1, Gradient: grad, Samples: 4}})

	report, err := f.coord.Deliver(ctx, 0)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if report.Delivered != 1 || report.Requeued != 0 || report.Dropped != 0 {
		t.Fatalf("report = %+v, want the sink's own gradient delivered", report)
	}
	if got := f.agg.NumParticipants(); got != 1 {
		t.Fatalf("pending participants = %d, want 1", got)
	}
	if got := f.sched.Queue().Size(); got != 0 {
		t.Fatalf("queue size = %d, want 0", got)
	}
}

func TestDeliverCancelledRequeuesRemainder(t *testing.T) {
	f := newFixture(t, true)
	if _, err := f.coord.TrainStep(context.Background()); err != nil {
		t.Fatalf("TrainStep: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.coord.Deliver(ctx, 0); err != nil {
		t.Fatalf("Deliver with nothing drained should not fail: %v", err)
	}
	if got := f.sched.Queue().Size(); got != 3 {
		t.Fatalf("queue size = %d, want 3 untouched", got)
	}
}

func TestAggregateSkipsClientsWithoutLayers(t *testing.T) {
	allGround := partition.Optimizer{GroundTFLOPS: 1e6, OrbitalTFLOPS: 1e-3, AltitudeKm: 550, UplinkMbps: 100, DownlinkMbps: 200}
	f := newFixture(t, true, WithOptimizer(allGround), WithObjective(partition.MinimizeLatency))

	m := model.CreateTransformer(2, 64, 1000, 16)
	plan := f.coord.PlanPartition(context.Background(), m)
	if len(plan.OrbitalLayers()) != 0 {
		t.Fatalf("expected an all-ground plan, split = %d", plan.SplitIndex)
	}
	if got, err := f.coord.Plan(); err != nil || got.SplitIndex != plan.SplitIndex {
		t.Fatalf("Plan() = %+v, %v", got, err)
	}

	report, err := f.coord.RunRound(context.Background(), 0)
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if !report.Aggregated {
		t.Fatalf("expected aggregation, got %+v", report)
	}
	params, _ := f.coord.Params("A")
	if hasNonZero(params) {
		t.Fatal("orbital client hosts no layers and should keep its parameters")
	}
}

func TestPlanPartitionFromRegistry(t *testing.T) {
	f := newFixture(t, true)
	ground, err := federated.NewClient("Sink", model.NodeTypeGround, federated.LowCompression())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := f.coord.AddClient(ground); err != nil {
		t.Fatalf("AddClient(ground): %v", err)
	}

	if _, err := f.coord.Plan(); !errors.Is(err, ErrNoPlan) {
		t.Fatalf("Plan() before planning = %v, want ErrNoPlan", err)
	}

	plan := f.coord.PlanPartition(context.Background(), model.CreateTransformer(2, 64, 1000, 16))
	if plan.SplitIndex < 0 || plan.SplitIndex > 6 {
		t.Fatalf("split = %d out of range", plan.SplitIndex)
	}
	for _, p := range plan.GroundLayers() {
		if p.NodeID != "Sink" {
			t.Fatalf("ground layer %s assigned to %q", p.LayerName, p.NodeID)
		}
	}
	for _, p := range plan.OrbitalLayers() {
		if p.NodeID != "A" {
			t.Fatalf("orbital layer %s assigned to %q", p.LayerName, p.NodeID)
		}
	}
	if got := f.coord.Registry().GroundComputeTFLOPS(); got != 100 {
		t.Fatalf("ground TFLOPS = %v, want 100", got)
	}
}

func TestAddClientErrors(t *testing.T) {
	f := newFixture(t, true)

	stray := federated.NewOrbitalClient("Z")
	if err := f.coord.AddClient(stray); !errors.Is(err, core.ErrUnknownNode) {
		t.Fatalf("AddClient(unknown orbital) = %v, want ErrUnknownNode", err)
	}
	nowhere := federated.NewGroundClient("Nowhere")
	if err := f.coord.AddClient(nowhere); !errors.Is(err, core.ErrUnknownNode) {
		t.Fatalf("AddClient(unknown ground) = %v, want ErrUnknownNode", err)
	}
	dup := federated.NewOrbitalClient("A")
	if err := f.coord.AddClient(dup); !errors.Is(err, kb.ErrNodeExists) {
		t.Fatalf("AddClient(duplicate) = %v, want ErrNodeExists", err)
	}
	if _, err := f.coord.Params("Z"); !errors.Is(err, kb.ErrNodeNotFound) {
		t.Fatalf("Params(unknown) = %v, want ErrNodeNotFound", err)
	}
}
