package syncsched

import (
	"context"
	"math"
	"time"

	"github.com/signalsfoundry/orbital-training-coordinator/internal/logging"
	"github.com/signalsfoundry/orbital-training-coordinator/model"
)

const (
	earthRadiusKm = 6371.0
	earthMu       = 398600.4418
	bytesPerMB    = 1024 * 1024
)

// MetricsRecorder receives queue activity.
type MetricsRecorder interface {
	ObserveEnqueue(priority string, bytes uint64)
	ObserveDequeue(priority string)
	SetQueueDepth(tasks int, bytes uint64)
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsRecorder attaches a queue metrics recorder.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(s *Scheduler) {
		s.metrics = r
	}
}

// WithGroundStations replaces the default ground network.
func WithGroundStations(stations []model.GroundStation) Option {
	return func(s *Scheduler) {
		s.GroundStations = append([]model.GroundStation(nil), stations...)
	}
}

// WithOrbit sets the reference orbit.
func WithOrbit(altitudeKm, inclinationDeg float64) Option {
	return func(s *Scheduler) {
		s.AltitudeKm = altitudeKm
		s.InclinationDeg = inclinationDeg
	}
}

// Pass is a predicted contact window over a ground station.
type Pass struct {
	Station         string    `json:"station"`
	AOS             time.Time `json:"aos"`
	LOS             time.Time `json:"los"`
	MaxElevationDeg float64   `json:"max_elevation_deg"`
}

// Scheduler queues transfers for a node on a circular reference orbit. It
// never reasons about contact times itself; callers drain the queue when a
// window opens.
type Scheduler struct {
	GroundStations []model.GroundStation
	AltitudeKm     float64
	InclinationDeg float64

	queue   *PriorityQueue
	log     logging.Logger
	metrics MetricsRecorder
}

// NewScheduler returns a scheduler on a 550 km, 51.6° orbit with the
// default ground network.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		GroundStations: model.DefaultGroundNetwork(),
		AltitudeKm:     550,
		InclinationDeg: 51.6,
		queue:          NewPriorityQueue(),
		log:            logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Queue exposes the underlying queue.
func (s *Scheduler) Queue() *PriorityQueue { return s.queue }

// ScheduleSync enqueues a transfer and returns its task ID.
func (s *Scheduler) ScheduleSync(ctx context.Context, nodeID string, dataSizeBytes uint64, priority model.Priority, description string) string {
	id, _ := s.Enqueue(ctx, model.SyncTask{
		NodeID:        nodeID,
		DataSizeBytes: dataSizeBytes,
		Priority:      priority,
		Description:   description,
	})
	return id
}

// Enqueue is ScheduleSync for a prepared task, carrying its payload.
func (s *Scheduler) Enqueue(ctx context.Context, t model.SyncTask) (string, model.SyncTask) {
	id, stored := s.queue.Push(t)
	if s.metrics != nil {
		s.metrics.ObserveEnqueue(t.Priority.String(), t.DataSizeBytes)
		s.metrics.SetQueueDepth(s.queue.Size(), s.queue.TotalBytesPending())
	}
	s.log.Debug(ctx, "sync task queued",
		logging.String("task_id", id),
		logging.String("node_id", t.NodeID),
		logging.String("priority", t.Priority.String()),
		logging.Any("bytes", t.DataSizeBytes),
	)
	return id, stored
}

// Next pops the most urgent task.
func (s *Scheduler) Next(ctx context.Context) (model.SyncTask, bool) {
	t, ok := s.queue.PopTask()
	if ok {
		s.dequeued(ctx, t)
	}
	return t, ok
}

func (s *Scheduler) dequeued(ctx context.Context, t model.SyncTask) {
	if s.metrics != nil {
		s.metrics.ObserveDequeue(t.Priority.String())
		s.metrics.SetQueueDepth(s.queue.Size(), s.queue.TotalBytesPending())
	}
	s.log.Debug(ctx, "sync task dequeued",
		logging.String("task_id", t.TaskID),
		logging.String("priority", t.Priority.String()),
	)
}

// Drain pops up to budgetBytes worth of tasks in priority order. A task
// that does not fit ends the drain; lower tiers never overtake it. The
// first task is always taken. A zero budget drains everything.
func (s *Scheduler) Drain(ctx context.Context, budgetBytes uint64) []model.SyncTask {
	var out []model.SyncTask
	var used uint64
	fits := func(t model.SyncTask) bool {
		return budgetBytes == 0 || len(out) == 0 || used+t.DataSizeBytes <= budgetBytes
	}
	for ctx.Err() == nil {
		t, ok := s.queue.PopIf(fits)
		if !ok {
			break
		}
		s.dequeued(ctx, t)
		used += t.DataSizeBytes
		out = append(out, t)
	}
	return out
}

// OrbitalPeriod returns the circular-orbit period at the reference altitude.
func (s *Scheduler) OrbitalPeriod() time.Duration {
	a := earthRadiusKm + s.AltitudeKm
	seconds := 2 * math.Pi * math.Sqrt(a*a*a/earthMu)
	return time.Duration(seconds * float64(time.Second))
}

// OrbitalPeriodMinutes returns OrbitalPeriod in minutes.
func (s *Scheduler) OrbitalPeriodMinutes() float64 {
	return s.OrbitalPeriod().Minutes()
}

// OrbitsPerDay is the number of revolutions in 24 hours.
func (s *Scheduler) OrbitsPerDay() float64 {
	return 24 * 60 / s.OrbitalPeriodMinutes()
}

// PredictPasses always returns no passes. Contact windows come from an
// external planner.
func (s *Scheduler) PredictPasses(from time.Time, horizon time.Duration) []Pass {
	return []Pass{}
}

// Summary is a snapshot of scheduler state.
type Summary struct {
	PendingTasks     int     `json:"pending_tasks"`
	PendingDataMB    float64 `json:"pending_data_mb"`
	OrbitalPeriodMin float64 `json:"orbital_period_min"`
}

// Summary reports queue depth and the reference orbital period.
func (s *Scheduler) Summary() Summary {
	return Summary{
		PendingTasks:     s.queue.Size(),
		PendingDataMB:    float64(s.queue.TotalBytesPending()) / bytesPerMB,
		OrbitalPeriodMin: s.OrbitalPeriodMinutes(),
	}
}
