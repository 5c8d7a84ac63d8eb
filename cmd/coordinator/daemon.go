package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/orbital-training-coordinator/core"
	"github.com/signalsfoundry/orbital-training-coordinator/federated"
	"github.com/signalsfoundry/orbital-training-coordinator/internal/config"
	"github.com/signalsfoundry/orbital-training-coordinator/internal/coordinator"
	"github.com/signalsfoundry/orbital-training-coordinator/internal/logging"
	"github.com/signalsfoundry/orbital-training-coordinator/internal/observability"
	"github.com/signalsfoundry/orbital-training-coordinator/model"
	"github.com/signalsfoundry/orbital-training-coordinator/syncsched"
	"github.com/signalsfoundry/orbital-training-coordinator/timectrl"
)

// healthService is the gRPC health service name reported alongside "".
const healthService = "otc.Coordinator"

type daemon struct {
	cfg *config.Config
	log logging.Logger

	rpc   *observability.RPCCollector
	mesh  *core.SpaceMesh
	sched *syncsched.Scheduler
	coord *coordinator.Coordinator

	clock  *timectrl.TimeController
	events *timectrl.EventScheduler
	cron   *cron.Cron
	health *health.Server

	// Bound listen addresses, set once run has opened its listeners.
	metricsAddr chan net.Addr
	grpcAddr    chan net.Addr
}

func newDaemon(ctx context.Context, cfg *config.Config, log logging.Logger, reg prometheus.Registerer) (*daemon, error) {
	rpc, err := observability.NewRPCCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("rpc metrics: %w", err)
	}
	meshMetrics, err := observability.NewMeshCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("mesh metrics: %w", err)
	}
	fedMetrics, err := observability.NewFederatedCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("federated metrics: %w", err)
	}
	syncMetrics, err := observability.NewSyncCollector(reg)
	if err != nil {
		return nil, fmt.Errorf("sync metrics: %w", err)
	}

	start := time.Now().UTC()
	mesh := core.NewSpaceMesh(cfg.Mesh.DefaultISLRangeKm,
		core.WithLogger(log),
		core.WithMetricsRecorder(meshMetrics),
		core.WithEpoch(start),
	)
	for _, gs := range cfg.Mesh.GroundStations {
		if err := mesh.AddGroundStation(gs); err != nil {
			return nil, err
		}
	}
	mesh.CreateWalker(ctx, cfg.Walker())
	if _, ok := mesh.Station(cfg.Federated.Sink); !ok {
		return nil, fmt.Errorf("sink %q is not a configured ground station: %w", cfg.Federated.Sink, core.ErrUnknownNode)
	}

	sched := syncsched.NewScheduler(
		syncsched.WithLogger(log),
		syncsched.WithMetricsRecorder(syncMetrics),
		syncsched.WithGroundStations(cfg.Mesh.GroundStations),
		syncsched.WithOrbit(cfg.Sync.AltitudeKm, cfg.Sync.InclinationDeg),
	)

	strategy, err := cfg.AggregationStrategy()
	if err != nil {
		return nil, err
	}
	agg := federated.NewAggregator(strategy, cfg.Federated.MinParticipants,
		federated.WithLogger(log),
		federated.WithMetrics(fedMetrics),
	)

	objective, err := cfg.Objective()
	if err != nil {
		return nil, err
	}
	coord := coordinator.New(mesh, sched, agg, cfg.Federated.Sink,
		coordinator.WithLogger(log),
		coordinator.WithOptimizer(cfg.Optimizer(log)),
		coordinator.WithObjective(objective),
		coordinator.WithModelSize(cfg.Federated.ModelSize),
		coordinator.WithLearningRate(cfg.Federated.LearningRate),
		coordinator.WithSamplesPerStep(cfg.Federated.SamplesPerStep),
		coordinator.WithGroundTFLOPS(cfg.Partition.GroundTFLOPS),
	)

	cc, err := cfg.CompressionConfig()
	if err != nil {
		return nil, err
	}
	seed := cfg.Federated.Seed
	for _, id := range mesh.NodeIDs() {
		if _, ok := mesh.Node(id); !ok {
			continue
		}
		cl, err := federated.NewClient(id, model.NodeTypeOrbital, cc,
			federated.WithRandomSource(federated.NewSeededSource(seed)),
			federated.WithCompressionRecorder(fedMetrics),
		)
		if err != nil {
			return nil, err
		}
		if err := coord.AddClient(cl); err != nil {
			return nil, err
		}
		seed++
	}
	coord.PlanPartition(ctx, cfg.ModelProfile())

	mode, err := cfg.ClockMode()
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:         cfg,
		log:         log,
		rpc:         rpc,
		mesh:        mesh,
		sched:       sched,
		coord:       coord,
		clock:       timectrl.NewTimeController(start, cfg.Mesh.TimeStep, mode),
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		health:      health.NewServer(),
		metricsAddr: make(chan net.Addr, 1),
		grpcAddr:    make(chan net.Addr, 1),
	}
	d.events = timectrl.NewEventScheduler(d.clock)
	d.clock.AddListener(func(_ time.Time, dt time.Duration) {
		mesh.Propagate(dt)
		d.events.RunDue()
	})
	d.events.Every(cfg.Mesh.RebuildInterval, func() { d.rebuild(context.Background()) })
	d.updateHealth()

	stats := mesh.Stats()
	log.Info(ctx, "constellation ready",
		logging.String("name", cfg.Mesh.Constellation),
		logging.Int("nodes", stats.TotalNodes),
		logging.Int("ground_stations", stats.GroundStations),
		logging.Int("active_links", stats.ActiveLinks),
		logging.Float64("orbital_period_min", sched.OrbitalPeriodMinutes()),
	)
	return d, nil
}

// rebuild refreshes the mesh after the clock has moved the satellites.
func (d *daemon) rebuild(ctx context.Context) {
	d.mesh.UpdateTopology(ctx)
	d.updateHealth()
}

func (d *daemon) updateHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if d.mesh.Stats().ActiveLinks > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	d.health.SetServingStatus("", status)
	d.health.SetServingStatus(healthService, status)
}

func (d *daemon) train(ctx context.Context) {
	n, err := d.coord.TrainStep(ctx)
	if err != nil {
		d.log.Warn(ctx, "train step failed", logging.Err(err))
		return
	}
	d.log.Debug(ctx, "gradients enqueued", logging.Int("tasks", n))
}

func (d *daemon) drain(ctx context.Context) {
	report, err := d.coord.Deliver(ctx, d.cfg.Sync.DrainBudgetBytes)
	if err != nil {
		d.log.Warn(ctx, "delivery interrupted", logging.Err(err))
	}
	d.log.Info(ctx, "contact window drained",
		logging.Int("delivered", report.Delivered),
		logging.Int("requeued", report.Requeued),
		logging.Int("dropped", report.Dropped),
		logging.Any("bytes", report.Bytes),
	)
}

func (d *daemon) aggregate(ctx context.Context) {
	res, ok, err := d.coord.AggregateIfReady(ctx)
	if err != nil {
		d.log.Error(ctx, "aggregation failed", logging.Err(err))
		return
	}
	if !ok {
		d.log.Debug(ctx, "aggregation not ready")
		return
	}
	d.log.Info(ctx, "aggregation round complete",
		logging.String("round_id", res.ID),
		logging.Any("round", res.Round),
		logging.Int("participants", len(res.Participants)),
	)
}

func (d *daemon) scheduleJobs(ctx context.Context) error {
	jobs := []struct {
		spec string
		fn   func(context.Context)
	}{
		{d.cfg.Sync.TrainSchedule, d.train},
		{d.cfg.Sync.DrainSchedule, d.drain},
		{d.cfg.Sync.AggregateSchedule, d.aggregate},
	}
	for _, job := range jobs {
		fn := job.fn
		if _, err := d.cron.AddFunc(job.spec, func() { fn(ctx) }); err != nil {
			return fmt.Errorf("schedule %q: %w", job.spec, err)
		}
	}
	return nil
}

func (d *daemon) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(d.coord.Stats()); err != nil {
			d.log.Warn(r.Context(), "encode status", logging.Err(err))
		}
	})
}

// run serves metrics, status and health, drives the simulation clock and
// the cron jobs, and returns once ctx is done and everything has stopped.
func (d *daemon) run(ctx context.Context) error {
	metricsLis, err := net.Listen("tcp", d.cfg.Telemetry.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", d.cfg.Telemetry.MetricsAddr, err)
	}
	grpcLis, err := net.Listen("tcp", d.cfg.Telemetry.GRPCAddr)
	if err != nil {
		_ = metricsLis.Close()
		return fmt.Errorf("listen grpc %s: %w", d.cfg.Telemetry.GRPCAddr, err)
	}
	d.metricsAddr <- metricsLis.Addr()
	d.grpcAddr <- grpcLis.Addr()

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.rpc.Handler())
	mux.Handle("/status", d.statusHandler())
	metricsSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			coordinator.RoundIDUnaryServerInterceptor(d.log),
			coordinator.TracingUnaryServerInterceptor(),
			d.rpc.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(server, d.health)

	g, gctx := errgroup.WithContext(ctx)
	if err := d.scheduleJobs(gctx); err != nil {
		_ = metricsLis.Close()
		_ = grpcLis.Close()
		return err
	}

	g.Go(func() error {
		d.log.Info(gctx, "serving metrics", logging.String("addr", metricsLis.Addr().String()))
		if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		d.log.Info(gctx, "serving gRPC health", logging.String("addr", grpcLis.Addr().String()))
		if err := server.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := d.clock.Run(gctx, 0)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		d.cron.Start()
		<-gctx.Done()

		d.log.Info(context.Background(), "shutting down coordinator")
		<-d.cron.Stop().Done()
		d.health.Shutdown()
		server.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
