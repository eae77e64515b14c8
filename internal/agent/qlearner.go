package agent

import (
	"fmt"
	"math"
	"sync"

	"sdn-rl-controller/internal/logging"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Agent is the decision maker driven by the controller loop.
type Agent interface {
	// Action picks an index in [0, R) for a state of length L+R.
	Action(state []float64) (int, error)
	// Remember appends a transition to the replay buffer.
	Remember(t Transition) error
	// Replay trains on a sampled batch. It reports false and changes nothing
	// when fewer than batchSize transitions are stored.
	Replay(batchSize int) (bool, error)
	Epsilon() float64
}

var _ Agent = (*QLearner)(nil)

type Config struct {
	StateSize      int
	ActionSize     int
	BufferCapacity int
	LearningRate   float64
	Discount       float64
	Epsilon        float64
	EpsilonMin     float64
	EpsilonDecay   float64
	// ClipTD bounds the magnitude of a single temporal-difference error.
	// Zero means 10.
	ClipTD float64
	Seed   uint64
}

// QLearner is an ε-greedy agent over a linear action-value function
// Q(s, a) = W[a]·s + b[a].
type QLearner struct {
	cfg Config

	mu      sync.RWMutex
	weights *mat.Dense
	bias    *mat.VecDense
	epsilon float64
	updates int

	rngMu sync.Mutex
	src   rand.Source

	buffer *ReplayBuffer
}

func NewQLearner(cfg Config) (*QLearner, error) {
	if cfg.StateSize <= 0 || cfg.ActionSize <= 0 {
		return nil, fmt.Errorf("agent dimensions must be positive, got state %d actions %d", cfg.StateSize, cfg.ActionSize)
	}
	if cfg.ClipTD == 0 {
		cfg.ClipTD = 10
	}
	buffer, err := NewReplayBuffer(cfg.BufferCapacity)
	if err != nil {
		return nil, err
	}
	return &QLearner{
		cfg:     cfg,
		weights: mat.NewDense(cfg.ActionSize, cfg.StateSize, nil),
		bias:    mat.NewVecDense(cfg.ActionSize, nil),
		epsilon: cfg.Epsilon,
		src:     rand.NewSource(cfg.Seed),
		buffer:  buffer,
	}, nil
}

func (q *QLearner) StateSize() int {
	return q.cfg.StateSize
}

func (q *QLearner) ActionSize() int {
	return q.cfg.ActionSize
}

func (q *QLearner) Buffer() *ReplayBuffer {
	return q.buffer
}

func (q *QLearner) Epsilon() float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.epsilon
}

// Updates counts completed Replay batches.
func (q *QLearner) Updates() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.updates
}

func (q *QLearner) checkState(op string, state []float64) error {
	if len(state) != q.cfg.StateSize {
		return &ShapeError{Op: op, Want: q.cfg.StateSize, Got: len(state)}
	}
	return nil
}

// QValues returns Q(state, a) for every action.
func (q *QLearner) QValues(state []float64) ([]float64, error) {
	if err := q.checkState("q values", state); err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.values(state), nil
}

func (q *QLearner) values(state []float64) []float64 {
	out := mat.NewVecDense(q.cfg.ActionSize, nil)
	out.MulVec(q.weights, mat.NewVecDense(len(state), append([]float64(nil), state...)))
	out.AddVec(out, q.bias)
	return out.RawVector().Data
}

// Action samples from the ε-greedy distribution. The greedy action is the
// lowest index among the maximal Q values.
func (q *QLearner) Action(state []float64) (int, error) {
	if err := q.checkState("action", state); err != nil {
		return 0, err
	}

	q.mu.RLock()
	values := q.values(state)
	epsilon := q.epsilon
	q.mu.RUnlock()

	greedy := floats.MaxIdx(values)
	actions := q.cfg.ActionSize
	probs := make([]float64, actions)
	for i := range probs {
		probs[i] = epsilon / float64(actions)
	}
	probs[greedy] += 1.0 - epsilon

	q.rngMu.Lock()
	dist := distuv.NewCategorical(probs, q.src)
	action := int(dist.Rand())
	q.rngMu.Unlock()

	return action, nil
}

func (q *QLearner) Remember(t Transition) error {
	if err := q.checkState("remember", t.State); err != nil {
		return err
	}
	if err := q.checkState("remember next", t.Next); err != nil {
		return err
	}
	if t.Action < 0 || t.Action >= q.cfg.ActionSize {
		return &ActionRangeError{Action: t.Action, Size: q.cfg.ActionSize}
	}
	q.buffer.Add(t)
	return nil
}

// Replay runs one pass of Q-learning updates over a uniformly sampled batch
// and then decays ε towards EpsilonMin.
func (q *QLearner) Replay(batchSize int) (bool, error) {
	if batchSize <= 0 {
		return false, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if q.buffer.Len() < batchSize {
		return false, nil
	}

	q.rngMu.Lock()
	batch, err := q.buffer.Sample(batchSize, q.src)
	q.rngMu.Unlock()
	if err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var loss float64
	for _, t := range batch {
		target := t.Reward
		if !t.Done {
			target += q.cfg.Discount * floats.Max(q.values(t.Next))
		}
		current := q.values(t.State)[t.Action]
		td := target - current
		if math.IsNaN(td) {
			continue
		}
		td = math.Max(-q.cfg.ClipTD, math.Min(q.cfg.ClipTD, td))
		loss += td * td

		step := q.cfg.LearningRate * td
		row := q.weights.RawRowView(t.Action)
		floats.AddScaled(row, step, t.State)
		q.bias.SetVec(t.Action, q.bias.AtVec(t.Action)+step)
	}

	q.epsilon = math.Max(q.cfg.EpsilonMin, q.epsilon*q.cfg.EpsilonDecay)
	q.updates++

	logging.GetLogger().WithFields(logrus.Fields{
		"batch":   batchSize,
		"loss":    loss / float64(len(batch)),
		"epsilon": q.epsilon,
	}).Debug("Replay batch applied")

	return true, nil
}

// Snapshot is a serialisable copy of the learned parameters.
type Snapshot struct {
	StateSize  int       `json:"state_size"`
	ActionSize int       `json:"action_size"`
	Weights    []float64 `json:"weights"`
	Bias       []float64 `json:"bias"`
	Epsilon    float64   `json:"epsilon"`
	Updates    int       `json:"updates"`
}

// ValidEpsilon reports whether e is a usable exploration rate.
func ValidEpsilon(e float64) bool {
	return !math.IsNaN(e) && e >= 0 && e <= 1
}

func (q *QLearner) Snapshot() Snapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()
	w := mat.DenseCopyOf(q.weights)
	return Snapshot{
		StateSize:  q.cfg.StateSize,
		ActionSize: q.cfg.ActionSize,
		Weights:    w.RawMatrix().Data,
		Bias:       append([]float64(nil), q.bias.RawVector().Data...),
		Epsilon:    q.epsilon,
		Updates:    q.updates,
	}
}

// Restore replaces the parameters with s. Dimensions must match exactly.
func (q *QLearner) Restore(s Snapshot) error {
	if s.StateSize != q.cfg.StateSize {
		return &ShapeError{Op: "restore", Want: q.cfg.StateSize, Got: s.StateSize}
	}
	if s.ActionSize != q.cfg.ActionSize || len(s.Bias) != q.cfg.ActionSize {
		return fmt.Errorf("snapshot has %d actions, want %d", s.ActionSize, q.cfg.ActionSize)
	}
	if len(s.Weights) != q.cfg.StateSize*q.cfg.ActionSize {
		return fmt.Errorf("snapshot has %d weights, want %d", len(s.Weights), q.cfg.StateSize*q.cfg.ActionSize)
	}
	if !ValidEpsilon(s.Epsilon) {
		return fmt.Errorf("snapshot epsilon %v is outside [0, 1]", s.Epsilon)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.weights = mat.NewDense(q.cfg.ActionSize, q.cfg.StateSize, append([]float64(nil), s.Weights...))
	q.bias = mat.NewVecDense(q.cfg.ActionSize, append([]float64(nil), s.Bias...))
	q.epsilon = s.Epsilon
	q.updates = s.Updates
	return nil
}
