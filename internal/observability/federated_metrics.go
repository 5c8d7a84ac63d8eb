package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FederatedCollector exposes compression and aggregation metrics. It
// satisfies federated.CompressionRecorder and
// federated.AggregatorMetricsRecorder.
type FederatedCollector struct {
	PendingParticipants prometheus.Gauge
	Rounds              prometheus.Counter
	RoundDuration       prometheus.Histogram
	RoundParticipants   prometheus.Histogram
	CompressionRatio    *prometheus.HistogramVec
}

// NewFederatedCollector registers federated-training metrics against reg.
func NewFederatedCollector(reg prometheus.Registerer) (*FederatedCollector, error) {
	reg, _ = resolve(reg)

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "otc_aggregator_pending_participants",
		Help: "Nodes with a submission waiting for the next aggregation round.",
	}), "otc_aggregator_pending_participants")
	if err != nil {
		return nil, err
	}
	rounds, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otc_aggregator_rounds_total",
		Help: "Completed aggregation rounds.",
	}), "otc_aggregator_rounds_total")
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "otc_aggregator_round_duration_seconds",
		Help:    "Time spent combining one round of submissions.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	}), "otc_aggregator_round_duration_seconds")
	if err != nil {
		return nil, err
	}
	participants, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "otc_aggregator_round_participants",
		Help:    "Participants per aggregation round.",
		Buckets: prometheus.LinearBuckets(1, 4, 10),
	}), "otc_aggregator_round_participants")
	if err != nil {
		return nil, err
	}
	ratio, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "otc_gradient_compression_ratio",
		Help:    "Compressed/original byte ratio per compressed gradient.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1},
	}, []string{"method"}), "otc_gradient_compression_ratio")
	if err != nil {
		return nil, err
	}

	return &FederatedCollector{
		PendingParticipants: pending,
		Rounds:              rounds,
		RoundDuration:       duration,
		RoundParticipants:   participants,
		CompressionRatio:    ratio,
	}, nil
}

// ObserveCompression records one compressed gradient.
func (c *FederatedCollector) ObserveCompression(method string, ratio float64) {
	if c == nil {
		return
	}
	c.CompressionRatio.WithLabelValues(method).Observe(ratio)
}

// SetPendingParticipants updates the pending gauge.
func (c *FederatedCollector) SetPendingParticipants(n int) {
	if c == nil {
		return
	}
	c.PendingParticipants.Set(float64(n))
}

// ObserveRound records a completed aggregation.
func (c *FederatedCollector) ObserveRound(participants int, d time.Duration) {
	if c == nil {
		return
	}
	c.Rounds.Inc()
	c.RoundDuration.Observe(d.Seconds())
	c.RoundParticipants.Observe(float64(participants))
}
