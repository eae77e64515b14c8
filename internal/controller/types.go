package controller

import (
	"context"
	"errors"
	"time"

	"sdn-rl-controller/internal/environment"
	"sdn-rl-controller/internal/routing"
)

type State int

const (
	Init State = iota
	Running
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

var (
	ErrNotRunning   = errors.New("controller is not running")
	ErrInvalidState = errors.New("invalid controller state for this operation")
)

// Env is the part of the environment the control loop drives.
type Env interface {
	Reset(ctx context.Context) (routing.State, error)
	// Refresh replaces the link snapshot from the link source.
	Refresh(ctx context.Context) error
	State() routing.State
	Step(ctx context.Context, action int) (environment.StepResult, error)
	RoutingTable() []routing.FlowEntry
	Close(ctx context.Context) error
	StateSize() int
	ActionSize() int
}

// Clock abstracts time so the training cadence can be tested.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// RealClock reads the wall clock.
func RealClock() Clock {
	return realClock{}
}

type TickRecord struct {
	RunID   string    `json:"run_id"`
	Tick    int       `json:"tick"`
	At      time.Time `json:"at"`
	Action  int       `json:"action"`
	Reward  float64   `json:"reward"`
	Done    bool      `json:"done"`
	Epsilon float64   `json:"epsilon"`
	Flows   int       `json:"flows"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
}

type TrainingRecord struct {
	RunID     string        `json:"run_id"`
	Tick      int           `json:"tick"`
	At        time.Time     `json:"at"`
	Trained   bool          `json:"trained"`
	BufferLen int           `json:"buffer_len"`
	Epsilon   float64       `json:"epsilon"`
	Duration  time.Duration `json:"duration"`
}

// Recorder receives every tick and training outcome. Recorder errors are
// logged and never stop the loop.
type Recorder interface {
	RecordTick(ctx context.Context, r TickRecord) error
	RecordTraining(ctx context.Context, r TrainingRecord) error
}

// Status is a point-in-time view of the controller.
type Status struct {
	RunID      string    `json:"run_id"`
	State      string    `json:"state"`
	Tick       int       `json:"tick"`
	LastReward float64   `json:"last_reward"`
	Epsilon    float64   `json:"epsilon"`
	Trainings  int       `json:"trainings"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	LastTickAt time.Time `json:"last_tick_at"`
}
