package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"sdn-rl-controller/internal/controller"
)

// DefaultCapacity bounds the history when no capacity is given.
const DefaultCapacity = 1000

// History keeps the most recent control steps in memory for the API.
type History struct {
	capacity int
	steps    map[int]*Step
	mutex    sync.RWMutex
}

// Step is everything recorded for one tick.
type Step struct {
	Timestamp time.Time                  `json:"timestamp"`
	Tick      *controller.TickRecord     `json:"tick,omitempty"`
	Training  *controller.TrainingRecord `json:"training,omitempty"`
}

var _ controller.Recorder = (*History)(nil)

func New(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{
		capacity: capacity,
		steps:    make(map[int]*Step),
	}
}

func (h *History) RecordTick(_ context.Context, r controller.TickRecord) error {
	h.AddOrMergeStep(r.Tick, &Step{Timestamp: r.At, Tick: &r})
	return nil
}

func (h *History) RecordTraining(_ context.Context, r controller.TrainingRecord) error {
	h.AddOrMergeStep(r.Tick, &Step{Timestamp: r.At, Training: &r})
	return nil
}

func (h *History) AddOrMergeStep(tick int, step *Step) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if existing, exists := h.steps[tick]; exists {
		if step.Tick != nil {
			existing.Tick = step.Tick
		}
		if step.Training != nil {
			existing.Training = step.Training
		}
		if step.Timestamp.After(existing.Timestamp) {
			existing.Timestamp = step.Timestamp
		}
	} else {
		h.steps[tick] = step
	}
	h.evict()
}

// evict drops the oldest ticks beyond capacity. Callers hold the lock.
func (h *History) evict() {
	if len(h.steps) <= h.capacity {
		return
	}
	ticks := h.sortedTicks()
	for _, t := range ticks[:len(ticks)-h.capacity] {
		delete(h.steps, t)
	}
}

func (h *History) sortedTicks() []int {
	ticks := make([]int, 0, len(h.steps))
	for t := range h.steps {
		ticks = append(ticks, t)
	}
	sort.Ints(ticks)
	return ticks
}

func (h *History) GetStep(tick int) *Step {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.steps[tick]
}

// Last returns up to n of the most recent steps, oldest first. n <= 0
// returns everything held.
func (h *History) Last(n int) []Step {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	ticks := h.sortedTicks()
	if n > 0 && n < len(ticks) {
		ticks = ticks[len(ticks)-n:]
	}
	out := make([]Step, 0, len(ticks))
	for _, t := range ticks {
		out = append(out, *h.steps[t])
	}
	return out
}

func (h *History) GetLatestStep() *Step {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	maxTick := -1
	var latest *Step
	for tick, data := range h.steps {
		if tick > maxTick {
			maxTick = tick
			latest = data
		}
	}
	return latest
}

func (h *History) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.steps)
}
