package federated

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// TrainingMetrics accumulates per-node step and sync accounting.
type TrainingMetrics struct {
	mu sync.Mutex

	totalSteps       uint64
	totalSamples     uint64
	bytesUploaded    uint64
	bytesDownloaded  uint64
	syncCount        uint64
	computeSeconds   float64
	commSeconds      float64
	idleSeconds      float64
	lossHistory      []float64
	compressionRatio float64
}

// NewTrainingMetrics starts with a compression ratio of 1.
func NewTrainingMetrics() *TrainingMetrics {
	return &TrainingMetrics{compressionRatio: 1}
}

// EndStep records one local step. A NaN loss is not recorded.
func (m *TrainingMetrics) EndStep(loss float64, samples uint64, durationS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.computeSeconds += durationS
	m.totalSteps++
	m.totalSamples += samples
	if !math.IsNaN(loss) {
		m.lossHistory = append(m.lossHistory, loss)
	}
}

// RecordSync records one exchange with the aggregator.
func (m *TrainingMetrics) RecordSync(bytesUp, bytesDown uint64, durationS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesUploaded += bytesUp
	m.bytesDownloaded += bytesDown
	m.commSeconds += durationS
	m.syncCount++
}

// RecordIdle adds time spent waiting for a contact window.
func (m *TrainingMetrics) RecordIdle(durationS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleSeconds += durationS
}

// SetCompressionRatio records the latest achieved ratio.
func (m *TrainingMetrics) SetCompressionRatio(r float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compressionRatio = r
}

// TotalBytesTransferred is bytes uploaded plus downloaded.
func (m *TrainingMetrics) TotalBytesTransferred() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesUploaded + m.bytesDownloaded
}

// ComputeEfficiency is compute time over all accounted time, or 0.
func (m *TrainingMetrics) ComputeEfficiency() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.efficiency()
}

func (m *TrainingMetrics) efficiency() float64 {
	total := m.computeSeconds + m.commSeconds + m.idleSeconds
	if total == 0 {
		return 0
	}
	return m.computeSeconds / total
}

// CommunicationOverhead is communication time per unit of compute time.
// It is +Inf before any compute has been recorded.
func (m *TrainingMetrics) CommunicationOverhead() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.computeSeconds == 0 {
		return math.Inf(1)
	}
	return m.commSeconds / m.computeSeconds
}

// AverageLoss returns the mean recorded loss.
func (m *TrainingMetrics) AverageLoss() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.lossHistory) == 0 {
		return 0, false
	}
	return floats.Sum(m.lossHistory) / float64(len(m.lossHistory)), true
}

// LatestLoss returns the most recent recorded loss.
func (m *TrainingMetrics) LatestLoss() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.lossHistory) == 0 {
		return 0, false
	}
	return m.lossHistory[len(m.lossHistory)-1], true
}

// TrainingSummary is a rounded snapshot of TrainingMetrics.
type TrainingSummary struct {
	TotalSteps            uint64   `json:"total_steps"`
	TotalSamples          uint64   `json:"total_samples"`
	ComputeTimeS          float64  `json:"compute_time_s"`
	CommunicationTimeS    float64  `json:"communication_time_s"`
	ComputeEfficiency     float64  `json:"compute_efficiency"`
	TotalBytesTransferred uint64   `json:"total_bytes_transferred"`
	SyncCount             uint64   `json:"sync_count"`
	CompressionRatio      float64  `json:"compression_ratio"`
	LatestLoss            *float64 `json:"latest_loss,omitempty"`
}

// Summary rounds times to 0.01 s and ratios to 4 decimals.
func (m *TrainingMetrics) Summary() TrainingSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := TrainingSummary{
		TotalSteps:            m.totalSteps,
		TotalSamples:          m.totalSamples,
		ComputeTimeS:          roundTo(m.computeSeconds, 2),
		CommunicationTimeS:    roundTo(m.commSeconds, 2),
		ComputeEfficiency:     roundTo(m.efficiency(), 4),
		TotalBytesTransferred: m.bytesUploaded + m.bytesDownloaded,
		SyncCount:             m.syncCount,
		CompressionRatio:      roundTo(m.compressionRatio, 4),
	}
	if n := len(m.lossHistory); n > 0 {
		l := m.lossHistory[n-1]
		s.LatestLoss = &l
	}
	return s
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
