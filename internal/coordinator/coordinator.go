// Package coordinator wires the mesh, transfer queue, aggregator and
// partition optimizer into training rounds.
//
// A round runs in three phases that a daemon may schedule independently:
// TrainStep enqueues each client's compressed gradient, Deliver drains the
// queue and routes every transfer across the mesh to the aggregation sink,
// and AggregateIfReady combines what arrived and hands the update back to
// the clients hosting layers of the partitioned model.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"

	"github.com/signalsfoundry/orbital-training-coordinator/core"
	"github.com/signalsfoundry/orbital-training-coordinator/federated"
	"github.com/signalsfoundry/orbital-training-coordinator/internal/logging"
	"github.com/signalsfoundry/orbital-training-coordinator/kb"
	"github.com/signalsfoundry/orbital-training-coordinator/model"
	"github.com/signalsfoundry/orbital-training-coordinator/partition"
	"github.com/signalsfoundry/orbital-training-coordinator/syncsched"
)

const tracerName = "github.com/signalsfoundry/orbital-training-coordinator/coordinator"

// ErrNoPlan is returned by Plan before PlanPartition has run.
var ErrNoPlan = errors.New("no partition plan")

// GradientPayload rides on a SyncTask from a client to the sink.
type GradientPayload struct {
	Round    uint64
	Gradient federated.CompressedGradient
	Samples  uint64
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithOptimizer fixes the partition optimizer. Without it PlanPartition
// derives one from the registered clients.
func WithOptimizer(o partition.Optimizer) Option {
	return func(c *Coordinator) {
		c.optimizer = &o
	}
}

// WithObjective sets the partition objective. Defaults to Balance.
func WithObjective(obj partition.Objective) Option {
	return func(c *Coordinator) {
		c.objective = obj
	}
}

// WithModelSize sets the parameter count every client trains.
func WithModelSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.modelSize = n
		}
	}
}

// WithLearningRate sets the step applied to aggregated updates.
func WithLearningRate(lr float64) Option {
	return func(c *Coordinator) {
		c.learningRate = lr
	}
}

// WithSamplesPerStep sets the sample count reported per local step.
func WithSamplesPerStep(n uint64) Option {
	return func(c *Coordinator) {
		c.samplesPerStep = n
	}
}

// WithGroundTFLOPS sets the compute registered for ground clients.
func WithGroundTFLOPS(tflops float64) Option {
	return func(c *Coordinator) {
		c.groundTFLOPS = tflops
	}
}

type participant struct {
	client *federated.Client
	params []float64
}

// Coordinator owns one federated training session over a space mesh.
type Coordinator struct {
	mesh       *core.SpaceMesh
	scheduler  *syncsched.Scheduler
	aggregator *federated.Aggregator
	registry   *kb.Topology
	training   *federated.TrainingMetrics
	sink       string

	optimizer      *partition.Optimizer
	objective      partition.Objective
	modelSize      int
	learningRate   float64
	samplesPerStep uint64
	groundTFLOPS   float64

	log    logging.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	clients map[string]*participant
	order   []string
	plan    *partition.Plan
}

// New returns a coordinator delivering gradients to the ground station
// named sink.
func New(mesh *core.SpaceMesh, scheduler *syncsched.Scheduler, aggregator *federated.Aggregator, sink string, opts ...Option) *Coordinator {
	c := &Coordinator{
		mesh:           mesh,
		scheduler:      scheduler,
		aggregator:     aggregator,
		registry:       kb.NewTopology(),
		training:       federated.NewTrainingMetrics(),
		sink:           sink,
		objective:      partition.Balance,
		modelSize:      1000,
		learningRate:   0.01,
		samplesPerStep: 32,
		groundTFLOPS:   100,
		log:            logging.Noop(),
		tracer:         otel.Tracer(tracerName),
		clients:        make(map[string]*participant),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if err := aggregator.SetModelSize(c.modelSize); err != nil {
		c.log.Warn(context.Background(), "aggregator keeps its model size", logging.Err(err))
	}
	return c
}

// Registry exposes the node registry populated by AddClient.
func (c *Coordinator) Registry() *kb.Topology { return c.registry }

// Training exposes the session's training counters.
func (c *Coordinator) Training() *federated.TrainingMetrics { return c.training }

// AddClient registers a training participant. Orbital clients must be mesh
// nodes and ground clients must be mesh gateways.
func (c *Coordinator) AddClient(cl *federated.Client) error {
	var cfg model.NodeConfig
	switch cl.NodeType {
	case model.NodeTypeOrbital:
		n, ok := c.mesh.Node(cl.NodeID)
		if !ok {
			return fmt.Errorf("add client %s: %w", cl.NodeID, core.ErrUnknownNode)
		}
		cfg = model.Orbital(n.ID, n.AltitudeKm, n.ComputeTFLOPS)
		cfg.BandwidthMbps = n.ISLBandwidthGbps * 1000
	default:
		gs, ok := c.mesh.Station(cl.NodeID)
		if !ok {
			return fmt.Errorf("add client %s: %w", cl.NodeID, core.ErrUnknownNode)
		}
		cfg = model.Ground(gs.Name, gs.LatitudeDeg, gs.LongitudeDeg, c.groundTFLOPS)
	}
	if err := c.registry.AddNode(cfg); err != nil {
		return fmt.Errorf("add client %s: %w", cl.NodeID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[cl.NodeID] = &participant{client: cl, params: make([]float64, c.modelSize)}
	c.order = append(c.order, cl.NodeID)
	sort.Strings(c.order)
	return nil
}

// Params returns a copy of a client's current parameters.
func (c *Coordinator) Params(nodeID string) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.clients[nodeID]
	if !ok {
		return nil, fmt.Errorf("params %s: %w", nodeID, kb.ErrNodeNotFound)
	}
	return append([]float64(nil), p.params...), nil
}

// PlanPartition chooses the ground/orbital split for m and assigns the
// sink and the first orbital client as the executing nodes.
func (c *Coordinator) PlanPartition(ctx context.Context, m *model.ModelProfile) partition.Plan {
	ctx, span := c.tracer.Start(ctx, "Coordinator.PlanPartition")
	defer span.End()

	var opt partition.Optimizer
	if c.optimizer != nil {
		opt = *c.optimizer
	} else {
		opt = partition.FromTopology(c.registry)
	}
	if opt.Logger == nil {
		opt.Logger = c.log
	}
	plan := opt.OptimizeContext(ctx, m, c.objective)

	c.mu.Lock()
	orbitalID := ""
	for _, id := range c.order {
		if c.clients[id].client.NodeType == model.NodeTypeOrbital {
			orbitalID = id
			break
		}
	}
	plan.AssignNodes(c.sink, orbitalID)
	c.plan = &plan
	c.mu.Unlock()

	span.SetAttributes(
		attribute.String("plan.model", plan.ModelName),
		attribute.Int("plan.split", plan.SplitIndex),
	)
	c.log.Info(ctx, "partition plan selected",
		logging.String("model", plan.ModelName),
		logging.String("objective", plan.Objective.String()),
		logging.Int("split", plan.SplitIndex),
		logging.Int("ground_layers", len(plan.GroundLayers())),
		logging.Int("orbital_layers", len(plan.OrbitalLayers())),
		logging.Float64("latency_ms", plan.TotalLatencyMs),
	)
	return plan
}

// Plan returns the current partition plan.
func (c *Coordinator) Plan() (partition.Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan == nil {
		return partition.Plan{}, ErrNoPlan
	}
	return *c.plan, nil
}

// TrainStep runs one local step on every client and enqueues the
// compressed gradients. It returns the number of tasks enqueued.
func (c *Coordinator) TrainStep(ctx context.Context) (int, error) {
	ctx, _ = logging.EnsureRoundID(ctx)
	ctx, span := c.tracer.Start(ctx, "Coordinator.TrainStep")
	defer span.End()

	round := c.aggregator.Round() + 1

	c.mu.Lock()
	type upload struct {
		id  string
		cl  *federated.Client
		grd []float64
	}
	uploads := make([]upload, 0, len(c.order))
	for _, id := range c.order {
		p := c.clients[id]
		uploads = append(uploads, upload{id: id, cl: p.client, grd: p.client.ComputeGradients(p.params)})
	}
	c.mu.Unlock()

	for _, u := range uploads {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		start := time.Now()
		cg := u.cl.Compress(u.grd)
		c.training.EndStep(floats.Dot(u.grd, u.grd)/float64(max(len(u.grd), 1)), c.samplesPerStep, time.Since(start).Seconds())
		c.training.SetCompressionRatio(cg.CompressionRatio)

		c.scheduler.Enqueue(ctx, model.SyncTask{
			NodeID:        u.id,
			DataSizeBytes: uint64(cg.CompressedSize),
			Priority:      gradientPriority(u.cl.NodeType),
			Description:   fmt.Sprintf("gradient round %d", round),
			Payload:       GradientPayload{Round: round, Gradient: cg, Samples: c.samplesPerStep},
		})
	}
	span.SetAttributes(attribute.Int("train.uploads", len(uploads)))
	return len(uploads), nil
}

// Ground uplinks are plentiful; orbital uploads wait for contact windows
// and are sent ahead of bulk traffic.
func gradientPriority(t model.NodeType) model.Priority {
	if t == model.NodeTypeOrbital {
		return model.PriorityHigh
	}
	return model.PriorityNormal
}

// DeliveryReport summarises one Deliver call.
type DeliveryReport struct {
	Delivered int    `json:"delivered"`
	Requeued  int    `json:"requeued"`
	Dropped   int    `json:"dropped"`
	Bytes     uint64 `json:"bytes"`
}

// Deliver drains up to budgetBytes from the queue and routes each
// gradient to the sink. Transfers without a route are requeued for the
// next topology; transfers from unknown nodes or with foreign payloads are
// dropped.
func (c *Coordinator) Deliver(ctx context.Context, budgetBytes uint64) (DeliveryReport, error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Deliver")
	defer span.End()

	var report DeliveryReport
	var retry []model.SyncTask
	defer func() {
		for _, t := range retry {
			c.scheduler.Enqueue(context.WithoutCancel(ctx), t)
		}
		span.SetAttributes(
			attribute.Int("deliver.delivered", report.Delivered),
			attribute.Int("deliver.requeued", report.Requeued),
			attribute.Int("deliver.dropped", report.Dropped),
		)
	}()

	tasks := c.scheduler.Drain(ctx, budgetBytes)
	for i, t := range tasks {
		log := c.log.With(logging.String("task_id", t.TaskID), logging.String("node_id", t.NodeID))

		payload, ok := t.Payload.(GradientPayload)
		if !ok {
			report.Dropped++
			log.Warn(ctx, "dropping transfer without gradient payload")
			continue
		}

		var route core.Route
		var err error
		if t.NodeID != c.sink {
			route, err = c.mesh.FindRouteContext(ctx, t.NodeID, c.sink)
		}
		switch {
		case t.NodeID == c.sink:
			// produced at the sink; nothing crosses the mesh
		case errors.Is(err, core.ErrUnknownNode):
			report.Dropped++
			log.Warn(ctx, "dropping transfer from unroutable node", logging.Err(err))
			continue
		case err != nil:
			retry = append(retry, tasks[i:]...)
			report.Requeued += len(tasks) - i
			return report, err
		case !route.Valid():
			retry = append(retry, t)
			report.Requeued++
			log.Warn(ctx, "no route to sink; requeued", logging.String("sink", c.sink))
			continue
		}

		if err := c.aggregator.ReceiveGradients(t.NodeID, payload.Gradient, payload.Samples); err != nil {
			report.Dropped++
			log.Warn(ctx, "aggregator rejected gradient", logging.Err(err))
			continue
		}

		transferS := route.TotalLatencyMs / 1000
		if route.Valid() && route.MinBandwidthGbps > 0 {
			transferS += float64(t.DataSizeBytes*8) / (route.MinBandwidthGbps * 1e9)
		}
		c.training.RecordSync(t.DataSizeBytes, 0, transferS)
		report.Delivered++
		report.Bytes += t.DataSizeBytes
		log.Debug(ctx, "gradient delivered",
			logging.Int("hops", route.NumHops),
			logging.Float64("latency_ms", route.TotalLatencyMs),
			logging.Any("round", payload.Round),
		)
	}
	return report, nil
}

// AggregateIfReady runs an aggregation round once enough nodes have
// reported and applies the update to every client hosting layers of the
// current plan. It reports false when the round is not ready yet.
func (c *Coordinator) AggregateIfReady(ctx context.Context) (federated.RoundResult, bool, error) {
	if !c.aggregator.ReadyToAggregate() {
		return federated.RoundResult{}, false, nil
	}
	res, err := c.aggregator.AggregateRound(ctx)
	if errors.Is(err, federated.ErrNoPendingData) {
		return federated.RoundResult{}, false, nil
	}
	if err != nil {
		return federated.RoundResult{}, false, err
	}
	ctx = logging.ContextWithRoundID(ctx, res.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	applied := 0
	for _, id := range c.order {
		p := c.clients[id]
		if !c.hostsLayersLocked(p.client.NodeType) {
			continue
		}
		next, err := p.client.ApplyUpdate(p.params, res.Update, c.learningRate)
		if err != nil {
			return res, true, fmt.Errorf("apply update to %s: %w", id, err)
		}
		p.params = next
		applied++
	}
	c.log.Info(ctx, "global update applied",
		logging.Any("round", res.Round),
		logging.Int("participants", len(res.Participants)),
		logging.Int("updated_clients", applied),
	)
	return res, true, nil
}

func (c *Coordinator) hostsLayersLocked(t model.NodeType) bool {
	if c.plan == nil {
		return true
	}
	if t == model.NodeTypeOrbital {
		return len(c.plan.OrbitalLayers()) > 0
	}
	return len(c.plan.GroundLayers()) > 0
}

// RoundReport is the outcome of RunRound.
type RoundReport struct {
	Uploaded   int                       `json:"uploaded"`
	Delivery   DeliveryReport            `json:"delivery"`
	Aggregated bool                      `json:"aggregated"`
	Result     federated.RoundResult     `json:"result"`
	Stats      federated.AggregatorStats `json:"stats"`
}

// RunRound performs TrainStep, Deliver and AggregateIfReady back to back.
func (c *Coordinator) RunRound(ctx context.Context, budgetBytes uint64) (RoundReport, error) {
	ctx, roundID := logging.EnsureRoundID(ctx)
	ctx, span := c.tracer.Start(ctx, "Coordinator.RunRound", trace.WithAttributes(attribute.String("round.request_id", roundID)))
	defer span.End()

	var report RoundReport
	var err error
	if report.Uploaded, err = c.TrainStep(ctx); err != nil {
		return report, err
	}
	if report.Delivery, err = c.Deliver(ctx, budgetBytes); err != nil {
		return report, err
	}
	report.Result, report.Aggregated, err = c.AggregateIfReady(ctx)
	report.Stats = c.aggregator.Stats()
	return report, err
}

// Stats is a point-in-time view of the session.
type Stats struct {
	Clients    int                       `json:"clients"`
	Mesh       core.MeshStats            `json:"mesh"`
	Aggregator federated.AggregatorStats `json:"aggregator"`
	Sync       syncsched.Summary         `json:"sync"`
	Training   federated.TrainingSummary `json:"training"`
	PlanSplit  int                       `json:"plan_split"`
}

// Stats gathers the component summaries. PlanSplit is -1 before planning.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	clients := len(c.clients)
	split := -1
	if c.plan != nil {
		split = c.plan.SplitIndex
	}
	c.mu.Unlock()

	return Stats{
		Clients:    clients,
		Mesh:       c.mesh.Stats(),
		Aggregator: c.aggregator.Stats(),
		Sync:       c.scheduler.Summary(),
		Training:   c.training.Summary(),
		PlanSplit:  split,
	}
}
