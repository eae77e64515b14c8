package history

import (
	"context"
	"testing"
	"time"

	"sdn-rl-controller/internal/controller"
)

func TestHistoryMergesAndEvicts(t *testing.T) {
	h := New(3)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		h.RecordTick(ctx, controller.TickRecord{Tick: i, At: base.Add(time.Duration(i) * time.Second), Reward: float64(i)})
	}
	h.RecordTraining(ctx, controller.TrainingRecord{Tick: 5, At: base.Add(6 * time.Second), Trained: true})

	if h.Len() != 3 {
		t.Fatalf("Len = %d, want 3", h.Len())
	}
	if h.GetStep(2) != nil {
		t.Errorf("tick 2 should have been evicted")
	}
	latest := h.GetLatestStep()
	if latest == nil || latest.Tick == nil || latest.Tick.Tick != 5 || latest.Training == nil {
		t.Fatalf("latest = %+v", latest)
	}
	if !latest.Timestamp.Equal(base.Add(6 * time.Second)) {
		t.Errorf("timestamp not advanced: %v", latest.Timestamp)
	}

	last := h.Last(2)
	if len(last) != 2 || last[0].Tick.Tick != 4 || last[1].Tick.Tick != 5 {
		t.Errorf("Last(2) = %+v", last)
	}
	if len(h.Last(0)) != 3 {
		t.Errorf("Last(0) returned %d steps", len(h.Last(0)))
	}
}

func TestDefaultCapacity(t *testing.T) {
	if h := New(0); h.capacity != DefaultCapacity {
		t.Errorf("capacity = %d", h.capacity)
	}
}
