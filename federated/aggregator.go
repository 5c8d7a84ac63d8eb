package federated

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"

	"github.com/signalsfoundry/orbital-training-coordinator/internal/logging"
)

const tracerName = "github.com/signalsfoundry/orbital-training-coordinator/federated"

// ErrNoPendingData is returned by Aggregate when no node has reported.
var ErrNoPendingData = errors.New("no gradients to aggregate")

// AggregationStrategy selects how submissions are weighted.
type AggregationStrategy int

const (
	// FedAvg weights each node by its share of the round's samples.
	FedAvg AggregationStrategy = iota
	// AsyncFedAvg weights every participant equally.
	AsyncFedAvg
	// WeightedAvg is sample-weighted like FedAvg.
	WeightedAvg
)

var strategyNames = map[AggregationStrategy]string{
	FedAvg:      "fed_avg",
	AsyncFedAvg: "async_fed_avg",
	WeightedAvg: "weighted_avg",
}

func (s AggregationStrategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("AggregationStrategy(%d)", int(s))
}

// ParseAggregationStrategy accepts the names produced by String.
func ParseAggregationStrategy(s string) (AggregationStrategy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range strategyNames {
		if name == s {
			return k, nil
		}
	}
	return FedAvg, fmt.Errorf("unknown aggregation strategy %q", s)
}

// AggregatorMetricsRecorder receives aggregation telemetry.
type AggregatorMetricsRecorder interface {
	SetPendingParticipants(n int)
	ObserveRound(participants int, d time.Duration)
}

// AggregatorOption customises an Aggregator.
type AggregatorOption func(*Aggregator)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics attaches an aggregation metrics recorder.
func WithMetrics(r AggregatorMetricsRecorder) AggregatorOption {
	return func(a *Aggregator) {
		a.metrics = r
	}
}

type submission struct {
	gradient CompressedGradient
	samples  uint64
}

// RoundResult is the outcome of one aggregation round.
type RoundResult struct {
	ID           string    `json:"id"`
	Round        uint64    `json:"round"`
	Participants []string  `json:"participants"`
	TotalSamples uint64    `json:"total_samples"`
	Update       []float64 `json:"update"`
}

// Aggregator combines the latest compressed gradient from each node into a
// global update.
//
// Aggregate swaps the pending set out under the lock and advances the round
// in the same critical section, so a submission that races with Aggregate
// is kept for the next round instead of being dropped.
type Aggregator struct {
	strategy        AggregationStrategy
	minParticipants int

	mu        sync.Mutex
	modelSize int
	pending   map[string]submission
	round     uint64

	log     logging.Logger
	metrics AggregatorMetricsRecorder
	tracer  trace.Tracer
}

// NewAggregator returns an aggregator that is ready once minParticipants
// distinct nodes have reported.
func NewAggregator(strategy AggregationStrategy, minParticipants int, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		strategy:        strategy,
		minParticipants: minParticipants,
		pending:         make(map[string]submission),
		log:             logging.Noop(),
		tracer:          otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Strategy returns the configured weighting.
func (a *Aggregator) Strategy() AggregationStrategy { return a.strategy }

// SetModelSize fixes the dense update length. Submissions with a different
// original size are rejected afterwards. It fails with ErrSizeMismatch and
// leaves the size unchanged while a pending submission has another size.
func (a *Aggregator) SetModelSize(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > 0 {
		for id, s := range a.pending {
			if s.gradient.OriginalSize != n {
				return fmt.Errorf("%w: node %s pending with size %d, model has %d", ErrSizeMismatch, id, s.gradient.OriginalSize, n)
			}
		}
	}
	a.modelSize = n
	return nil
}

// ReceiveGradients records nodeID's latest submission, replacing any
// earlier one in the same round.
func (a *Aggregator) ReceiveGradients(nodeID string, g CompressedGradient, samples uint64) error {
	if nodeID == "" {
		return errors.New("node id is required")
	}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("node %s: %w", nodeID, err)
	}

	a.mu.Lock()
	if a.modelSize > 0 && g.OriginalSize != a.modelSize {
		a.mu.Unlock()
		return fmt.Errorf("node %s: %w: got %d, model has %d", nodeID, ErrSizeMismatch, g.OriginalSize, a.modelSize)
	}
	a.pending[nodeID] = submission{gradient: g, samples: samples}
	n := len(a.pending)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.SetPendingParticipants(n)
	}
	return nil
}

// NumParticipants returns the number of distinct nodes pending.
func (a *Aggregator) NumParticipants() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// ReadyToAggregate reports whether enough nodes have reported.
func (a *Aggregator) ReadyToAggregate() bool {
	return a.NumParticipants() >= a.minParticipants
}

// Round returns the number of completed rounds.
func (a *Aggregator) Round() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.round
}

// Aggregate combines the pending submissions and starts a new round.
func (a *Aggregator) Aggregate() ([]float64, error) {
	res, err := a.AggregateRound(context.Background())
	if err != nil {
		return nil, err
	}
	return res.Update, nil
}

// AggregateRound is Aggregate with tracing and round metadata.
func (a *Aggregator) AggregateRound(ctx context.Context) (RoundResult, error) {
	ctx, span := a.tracer.Start(ctx, "Aggregator.Aggregate")
	defer span.End()
	start := time.Now()

	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return RoundResult{}, ErrNoPendingData
	}
	batch := a.pending
	a.pending = make(map[string]submission)
	a.round++
	round := a.round
	size := a.modelSize
	a.mu.Unlock()

	if size == 0 {
		for _, s := range batch {
			size = max(size, s.gradient.OriginalSize)
		}
	}

	participants := make([]string, 0, len(batch))
	for id := range batch {
		participants = append(participants, id)
	}
	sort.Strings(participants)

	var total uint64
	for _, s := range batch {
		total += s.samples
	}

	update := make([]float64, size)
	dense := make([]float64, size)
	for _, id := range participants {
		s := batch[id]
		for i := range dense {
			dense[i] = 0
		}
		for i, idx := range s.gradient.Indices {
			dense[idx] = s.gradient.Values[i]
		}
		floats.AddScaled(update, a.weight(s.samples, total, len(batch)), dense)
	}

	res := RoundResult{
		ID:           uuid.NewString(),
		Round:        round,
		Participants: participants,
		TotalSamples: total,
		Update:       update,
	}
	span.SetAttributes(
		attribute.String("round.id", res.ID),
		attribute.Int64("round.number", int64(round)),
		attribute.Int("round.participants", len(participants)),
	)
	if a.metrics != nil {
		a.metrics.ObserveRound(len(participants), time.Since(start))
		a.metrics.SetPendingParticipants(a.NumParticipants())
	}
	a.log.Debug(ctx, "aggregation round complete",
		logging.String("round_id", res.ID),
		logging.Any("round", round),
		logging.Int("participants", len(participants)),
		logging.String("strategy", a.strategy.String()),
	)
	return res, nil
}

func (a *Aggregator) weight(samples, total uint64, participants int) float64 {
	switch a.strategy {
	case AsyncFedAvg:
		return 1 / float64(participants)
	default:
		if total == 0 {
			return 1 / float64(participants)
		}
		return float64(samples) / float64(total)
	}
}

// AggregatorStats is a point-in-time view of an Aggregator.
type AggregatorStats struct {
	Strategy            string `json:"strategy"`
	Round               uint64 `json:"round"`
	PendingParticipants int    `json:"pending_participants"`
	MinParticipants     int    `json:"min_participants"`
}

// Stats reports the strategy, round and pending counts.
func (a *Aggregator) Stats() AggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AggregatorStats{
		Strategy:            a.strategy.String(),
		Round:               a.round,
		PendingParticipants: len(a.pending),
		MinParticipants:     a.minParticipants,
	}
}
