package agent

import (
	"fmt"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Transition is one (state, action, reward, next state, done) experience.
type Transition struct {
	State  []float64 `json:"state"`
	Action int       `json:"action"`
	Reward float64   `json:"reward"`
	Next   []float64 `json:"next"`
	Done   bool      `json:"done"`
}

func (t Transition) clone() Transition {
	out := t
	out.State = append([]float64(nil), t.State...)
	out.Next = append([]float64(nil), t.Next...)
	return out
}

// ReplayBuffer is a bounded FIFO of transitions. When full, adding evicts
// the oldest entry. Safe for concurrent use.
type ReplayBuffer struct {
	mu    sync.RWMutex
	items []Transition
	start int
	size  int
}

func NewReplayBuffer(capacity int) (*ReplayBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("replay buffer capacity must be positive, got %d", capacity)
	}
	return &ReplayBuffer{items: make([]Transition, capacity)}, nil
}

// Add stores a copy of t.
func (b *ReplayBuffer) Add(t Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t = t.clone()
	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.start+b.size)%capacity] = t
		b.size++
		return
	}
	b.items[b.start] = t
	b.start = (b.start + 1) % capacity
}

func (b *ReplayBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *ReplayBuffer) Cap() int {
	return len(b.items)
}

// Oldest returns the entry that the next Add would evict once full.
func (b *ReplayBuffer) Oldest() (Transition, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return Transition{}, false
	}
	return b.items[b.start].clone(), true
}

// All returns the stored transitions from oldest to newest.
func (b *ReplayBuffer) All() []Transition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Transition, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.start+i)%len(b.items)].clone()
	}
	return out
}

// Sample draws n distinct transitions uniformly at random.
func (b *ReplayBuffer) Sample(n int, src rand.Source) ([]Transition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.size {
		return nil, fmt.Errorf("cannot sample %d transitions from %d", n, b.size)
	}
	idx := make([]int, n)
	sampleuv.WithoutReplacement(idx, b.size, src)
	out := make([]Transition, n)
	for i, j := range idx {
		out[i] = b.items[(b.start+j)%len(b.items)].clone()
	}
	return out, nil
}
