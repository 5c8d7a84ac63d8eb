package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SyncCollector exposes transfer-queue metrics. It satisfies
// syncsched.MetricsRecorder.
type SyncCollector struct {
	QueuedTasks  prometheus.Gauge
	PendingBytes prometheus.Gauge
	Enqueued     *prometheus.CounterVec
	Dequeued     *prometheus.CounterVec
}

// NewSyncCollector registers sync-queue metrics against reg.
func NewSyncCollector(reg prometheus.Registerer) (*SyncCollector, error) {
	reg, _ = resolve(reg)

	queued, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "otc_sync_queued_tasks",
		Help: "Transfers waiting for a transmission opportunity.",
	}), "otc_sync_queued_tasks")
	if err != nil {
		return nil, err
	}
	bytes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "otc_sync_pending_bytes",
		Help: "Bytes waiting for a transmission opportunity.",
	}), "otc_sync_pending_bytes")
	if err != nil {
		return nil, err
	}
	enq, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otc_sync_enqueued_total",
		Help: "Transfers enqueued, by priority.",
	}, []string{"priority"}), "otc_sync_enqueued_total")
	if err != nil {
		return nil, err
	}
	deq, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otc_sync_dequeued_total",
		Help: "Transfers dequeued for delivery, by priority.",
	}, []string{"priority"}), "otc_sync_dequeued_total")
	if err != nil {
		return nil, err
	}

	return &SyncCollector{QueuedTasks: queued, PendingBytes: bytes, Enqueued: enq, Dequeued: deq}, nil
}

// ObserveEnqueue counts one enqueued task.
func (c *SyncCollector) ObserveEnqueue(priority string, _ uint64) {
	if c == nil {
		return
	}
	c.Enqueued.WithLabelValues(priority).Inc()
}

// ObserveDequeue counts one dequeued task.
func (c *SyncCollector) ObserveDequeue(priority string) {
	if c == nil {
		return
	}
	c.Dequeued.WithLabelValues(priority).Inc()
}

// SetQueueDepth updates the queue gauges.
func (c *SyncCollector) SetQueueDepth(tasks int, bytes uint64) {
	if c == nil {
		return
	}
	c.QueuedTasks.Set(float64(tasks))
	c.PendingBytes.Set(float64(bytes))
}
