package federated

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func sparse(size int, idx []int, vals []float64) CompressedGradient {
	return CompressedGradient{Indices: idx, Values: vals, Shape: []int{size}, OriginalSize: size}
}

func TestAggregate_FedAvgMean(t *testing.T) {
	a := NewAggregator(FedAvg, 2)
	if err := a.ReceiveGradients("node-1", sparse(10, []int{0, 1, 2}, []float64{0.1, 0.2, 0.3}), 100); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if a.ReadyToAggregate() {
		t.Fatalf("one participant should not be ready")
	}
	if err := a.ReceiveGradients("node-2", sparse(10, []int{1, 2, 3}, []float64{0.2, 0.4, 0.1}), 100); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !a.ReadyToAggregate() {
		t.Fatalf("expected ready with two participants")
	}

	got, err := a.Aggregate()
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	want := []float64{0.05, 0.2, 0.35, 0.05, 0, 0, 0, 0, 0, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d", len(got))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Fatalf("index %d: got %v want %v", i, got[i], want[i])
		}
	}
	if a.Round() != 1 || a.NumParticipants() != 0 {
		t.Fatalf("round=%d pending=%d after aggregate", a.Round(), a.NumParticipants())
	}
}

func TestAggregate_SampleWeighting(t *testing.T) {
	tests := []struct {
		strategy AggregationStrategy
		want     float64
	}{
		{strategy: FedAvg, want: 0.75*1 + 0.25*3},
		{strategy: WeightedAvg, want: 0.75*1 + 0.25*3},
		{strategy: AsyncFedAvg, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			a := NewAggregator(tt.strategy, 1)
			_ = a.ReceiveGradients("a", sparse(1, []int{0}, []float64{1}), 300)
			_ = a.ReceiveGradients("b", sparse(1, []int{0}, []float64{3}), 100)

			got, err := a.Aggregate()
			if err != nil {
				t.Fatalf("Aggregate: %v", err)
			}
			if math.Abs(got[0]-tt.want) > 1e-12 {
				t.Fatalf("got %v want %v", got[0], tt.want)
			}
		})
	}
}

func TestAggregate_NoPendingData(t *testing.T) {
	a := NewAggregator(FedAvg, 1)
	if _, err := a.Aggregate(); !errors.Is(err, ErrNoPendingData) {
		t.Fatalf("expected ErrNoPendingData, got %v", err)
	}
	if a.Round() != 0 {
		t.Fatalf("failed aggregate must not advance the round")
	}
}

func TestReceiveGradients_Upserts(t *testing.T) {
	a := NewAggregator(FedAvg, 1)
	_ = a.ReceiveGradients("n", sparse(2, []int{0}, []float64{1}), 10)
	_ = a.ReceiveGradients("n", sparse(2, []int{1}, []float64{5}), 10)

	if a.NumParticipants() != 1 {
		t.Fatalf("expected upsert, got %d participants", a.NumParticipants())
	}
	got, _ := a.Aggregate()
	if got[0] != 0 || got[1] != 5 {
		t.Fatalf("expected latest submission only, got %v", got)
	}
}

func TestReceiveGradients_ModelSize(t *testing.T) {
	a := NewAggregator(FedAvg, 1)
	if err := a.SetModelSize(4); err != nil {
		t.Fatalf("SetModelSize: %v", err)
	}

	err := a.ReceiveGradients("n", sparse(3, []int{0}, []float64{1}), 1)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	if err := a.ReceiveGradients("n", sparse(4, []int{4}, []float64{1}), 1); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("out-of-range index should be rejected, got %v", err)
	}
}

func TestSetModelSize_RejectsPendingMismatch(t *testing.T) {
	a := NewAggregator(FedAvg, 1)
	if err := a.ReceiveGradients("n", sparse(10, []int{9}, []float64{3}), 1); err != nil {
		t.Fatalf("ReceiveGradients: %v", err)
	}

	if err := a.SetModelSize(4); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("SetModelSize(4) with a size-10 submission pending = %v, want ErrSizeMismatch", err)
	}
	if a.NumParticipants() != 1 || a.Round() != 0 {
		t.Fatalf("pending state changed: participants=%d round=%d", a.NumParticipants(), a.Round())
	}

	got, err := a.Aggregate()
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(got) != 10 || got[9] != 3 {
		t.Fatalf("update = %v, want size 10 with 3 at index 9", got)
	}
	if err := a.SetModelSize(4); err != nil {
		t.Fatalf("SetModelSize with nothing pending: %v", err)
	}
}

func TestAggregate_InfersLargestSize(t *testing.T) {
	a := NewAggregator(AsyncFedAvg, 1)
	_ = a.ReceiveGradients("small", sparse(2, []int{1}, []float64{2}), 1)
	_ = a.ReceiveGradients("large", sparse(5, []int{4}, []float64{2}), 1)

	res, err := a.AggregateRound(t.Context())
	if err != nil {
		t.Fatalf("AggregateRound: %v", err)
	}
	if len(res.Update) != 5 || res.Update[1] != 1 || res.Update[4] != 1 {
		t.Fatalf("update = %v", res.Update)
	}
	if res.ID == "" || res.Round != 1 || len(res.Participants) != 2 || res.Participants[0] != "large" {
		t.Fatalf("unexpected round metadata %+v", res)
	}
}

func TestAggregate_ConcurrentSubmissionsNotLost(t *testing.T) {
	a := NewAggregator(AsyncFedAvg, 1)
	const nodes = 64

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := 0
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			res, err := a.AggregateRound(t.Context())
			if err == nil {
				mu.Lock()
				seen += len(res.Participants)
				mu.Unlock()
			}
			mu.Lock()
			finished := seen == nodes
			mu.Unlock()
			if finished {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < nodes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A'+i%26)) + string(rune('a'+i/26))
			_ = a.ReceiveGradients(id, sparse(1, []int{0}, []float64{1}), 1)
		}(i)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of %d submissions aggregated", seen, nodes)
	}
}

type recordingAggMetrics struct {
	mu      sync.Mutex
	pending int
	rounds  int
}

func (r *recordingAggMetrics) SetPendingParticipants(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = n
}

func (r *recordingAggMetrics) ObserveRound(int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds++
}

func TestAggregator_Metrics(t *testing.T) {
	rec := &recordingAggMetrics{}
	a := NewAggregator(FedAvg, 2, WithMetrics(rec))
	_ = a.ReceiveGradients("a", sparse(1, []int{0}, []float64{1}), 1)
	if rec.pending != 1 {
		t.Fatalf("pending gauge = %d", rec.pending)
	}
	_, _ = a.Aggregate()
	if rec.rounds != 1 || rec.pending != 0 {
		t.Fatalf("unexpected recorder %+v", rec)
	}

	s := a.Stats()
	if s.Strategy != "fed_avg" || s.Round != 1 || s.MinParticipants != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}
