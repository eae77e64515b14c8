package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sdn-rl-controller/internal/agent"
	"sdn-rl-controller/internal/config"
	"sdn-rl-controller/internal/flowsync"
	"sdn-rl-controller/internal/logging"

	"github.com/sirupsen/logrus"
)

type Config struct {
	RunID            string
	TrainingInterval time.Duration
	BatchSize        int
	// TickInterval paces Run; zero runs ticks back to back.
	TickInterval time.Duration
	// MaxTicks stops Run after that many ticks; zero means unbounded.
	MaxTicks      int
	AsyncTraining bool
	// ResetOnDone starts a new episode when the environment reports done.
	ResetOnDone bool
	// HoldOnFailure keeps Run waiting in FAILED for an explicit Reset or Stop
	// instead of returning the failure.
	HoldOnFailure bool
}

type Option func(*Controller)

func WithClock(clock Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

func WithRecorders(recorders ...Recorder) Option {
	return func(c *Controller) {
		c.recorders = append(c.recorders, recorders...)
	}
}

// Controller drives the agent and the environment one tick at a time.
// Start, Tick, Stop and Reset are serialised; Status may be called from any
// goroutine.
type Controller struct {
	cfg       Config
	env       Env
	agent     agent.Agent
	clock     Clock
	recorders []Recorder

	opMu sync.Mutex

	mu           sync.RWMutex
	state        State
	tick         int
	lastReward   float64
	trainings    int
	lastErr      error
	startedAt    time.Time
	lastTickAt   time.Time
	lastTraining time.Time
	closed       bool

	training atomic.Bool
	trainWG  sync.WaitGroup
	wake     chan struct{}
}

func New(env Env, ag agent.Agent, cfg Config, opts ...Option) (*Controller, error) {
	if env == nil || ag == nil {
		return nil, config.Errorf("controller", "environment and agent are required")
	}
	if cfg.BatchSize <= 0 {
		return nil, config.Errorf("controller", "batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.TrainingInterval < 0 || cfg.TickInterval < 0 || cfg.MaxTicks < 0 {
		return nil, config.Errorf("controller", "intervals and max ticks must not be negative")
	}
	c := &Controller{
		cfg:   cfg,
		env:   env,
		agent: ag,
		clock: RealClock(),
		state: Init,
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CheckSizes fails when the agent's declared shapes do not match the
// environment built from the topology.
func CheckSizes(stateSize, actionSize int, env Env) error {
	if stateSize != env.StateSize() {
		return config.Errorf("sizes", "agent state size %d does not match environment state size %d", stateSize, env.StateSize())
	}
	if actionSize != env.ActionSize() {
		return config.Errorf("sizes", "agent action size %d does not match environment action size %d", actionSize, env.ActionSize())
	}
	return nil
}

// Start resets the environment and moves INIT to RUNNING.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if s := c.State(); s != Init {
		return fmt.Errorf("start from %s: %w", s, ErrInvalidState)
	}
	if _, err := c.env.Reset(ctx); err != nil {
		c.fail(err)
		return err
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.state = Running
	c.startedAt = now
	c.lastTraining = now
	c.closed = false
	c.mu.Unlock()

	logging.GetLogger().WithFields(logrus.Fields{
		"run_id":     c.cfg.RunID,
		"state_size": c.env.StateSize(),
		"actions":    c.env.ActionSize(),
		"training":   c.cfg.TrainingInterval,
	}).Info("Controller running")
	return nil
}

// Tick runs one control step. It refreshes the link snapshot, reads the
// state and chooses an action, then steps the environment, which scores the
// transition before pushing the routing table. Finally it stores the
// transition and trains when the interval has elapsed.
func (c *Controller) Tick(ctx context.Context) (TickRecord, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if s := c.State(); s != Running {
		return TickRecord{}, fmt.Errorf("tick in %s: %w", s, ErrNotRunning)
	}

	logger := logging.GetControllerLogger()
	if err := c.env.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return TickRecord{}, err
		}
		return c.tickFailed(ctx, -1, err)
	}
	current := c.env.State()
	vec := current.Vector()

	action, err := c.agent.Action(vec)
	if err != nil {
		return c.tickFailed(ctx, -1, err)
	}

	res, err := c.env.Step(ctx, action)
	if err != nil {
		if ctx.Err() != nil {
			logger.WithError(err).Warn("Tick interrupted, routing table unchanged")
			return TickRecord{}, err
		}
		return c.tickFailed(ctx, action, err)
	}

	err = c.agent.Remember(agent.Transition{
		State:  vec,
		Action: action,
		Reward: res.Reward,
		Next:   res.Next.Vector(),
		Done:   res.Done,
	})
	if err != nil {
		return c.tickFailed(ctx, action, err)
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.tick++
	c.lastReward = res.Reward
	c.lastTickAt = now
	tick := c.tick
	due := now.Sub(c.lastTraining) >= c.cfg.TrainingInterval
	if due {
		c.lastTraining = now
	}
	c.mu.Unlock()

	if due {
		if c.cfg.AsyncTraining {
			c.trainAsync(tick)
		} else if err := c.train(ctx, tick); err != nil {
			return c.tickFailed(ctx, action, err)
		}
	}

	record := TickRecord{
		RunID:   c.cfg.RunID,
		Tick:    tick,
		At:      now,
		Action:  action,
		Reward:  res.Reward,
		Done:    res.Done,
		Epsilon: c.agent.Epsilon(),
		Flows:   len(c.env.RoutingTable()),
		Status:  Running.String(),
	}
	c.recordTick(ctx, record)

	logger.WithFields(logrus.Fields{
		"tick":    tick,
		"action":  action,
		"reward":  res.Reward,
		"epsilon": record.Epsilon,
		"flows":   record.Flows,
	}).Debug("Tick")

	if res.Done && c.cfg.ResetOnDone {
		if _, err := c.env.Reset(ctx); err != nil {
			return c.tickFailed(ctx, action, err)
		}
		logger.WithField("tick", tick).Info("Episode finished, environment reset")
	}
	return record, nil
}

func (c *Controller) train(ctx context.Context, tick int) error {
	start := c.clock.Now()
	trained, err := c.agent.Replay(c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if trained {
		c.mu.Lock()
		c.trainings++
		c.mu.Unlock()
	}

	record := TrainingRecord{
		RunID:    c.cfg.RunID,
		Tick:     tick,
		At:       start,
		Trained:  trained,
		Epsilon:  c.agent.Epsilon(),
		Duration: c.clock.Now().Sub(start),
	}
	if l, ok := c.agent.(interface{ Buffer() *agent.ReplayBuffer }); ok {
		record.BufferLen = l.Buffer().Len()
	}
	c.recordTraining(ctx, record)

	logging.GetControllerLogger().WithFields(logrus.Fields{
		"tick":    tick,
		"trained": trained,
		"epsilon": record.Epsilon,
	}).Info("Training interval elapsed")
	return nil
}

// trainAsync replays on a worker goroutine. A tick that falls due while a
// replay is still running is skipped.
func (c *Controller) trainAsync(tick int) {
	if !c.training.CompareAndSwap(false, true) {
		logging.GetControllerLogger().WithField("tick", tick).Debug("Replay still running, skipping")
		return
	}
	c.trainWG.Add(1)
	go func() {
		defer c.trainWG.Done()
		defer c.training.Store(false)
		if err := c.train(context.Background(), tick); err != nil {
			c.mu.Lock()
			if c.state == Running {
				c.state = Failed
				c.lastErr = err
			}
			c.mu.Unlock()
			c.notify()
			logging.GetLogger().WithError(err).Error("Asynchronous replay failed")
		}
	}()
}

func (c *Controller) tickFailed(ctx context.Context, action int, err error) (TickRecord, error) {
	c.fail(err)

	c.mu.RLock()
	tick := c.tick + 1
	c.mu.RUnlock()
	record := TickRecord{
		RunID:   c.cfg.RunID,
		Tick:    tick,
		At:      c.clock.Now(),
		Action:  action,
		Epsilon: c.agent.Epsilon(),
		Flows:   len(c.env.RoutingTable()),
		Status:  Failed.String(),
		Error:   err.Error(),
	}
	c.recordTick(ctx, record)
	return record, err
}

// fail moves the controller to FAILED. The environment is left as is so
// the last installed routing table stays in place.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.state = Failed
	c.lastErr = err
	c.mu.Unlock()

	fields := logrus.Fields{"run_id": c.cfg.RunID}
	var se *flowsync.SyncError
	if errors.As(err, &se) {
		fields["attempts"] = se.Attempts()
		fields["rolled_back"] = se.RolledBack
	}
	logging.GetLogger().WithFields(fields).WithError(err).Error("Controller failed")
}

// Stop releases the environment exactly once and moves to STOPPED.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	defer c.notify()

	c.trainWG.Wait()

	c.mu.Lock()
	if c.state == Stopped && c.closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Stopped
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if alreadyClosed {
		return nil
	}
	if err := c.env.Close(ctx); err != nil {
		return fmt.Errorf("close environment: %w", err)
	}
	logging.GetLogger().WithField("run_id", c.cfg.RunID).Info("Controller stopped")
	return nil
}

// Reset starts a fresh episode from RUNNING, FAILED or STOPPED.
func (c *Controller) Reset(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if s := c.State(); s == Init {
		return fmt.Errorf("reset from %s: %w", s, ErrInvalidState)
	}
	c.trainWG.Wait()

	if _, err := c.env.Reset(ctx); err != nil {
		c.fail(err)
		return err
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.state = Running
	c.lastErr = nil
	c.lastTraining = now
	c.closed = false
	c.mu.Unlock()
	c.notify()

	logging.GetLogger().WithField("run_id", c.cfg.RunID).Info("Controller reset")
	return nil
}

// Run starts the controller if needed and ticks until the context is
// cancelled, Stop is called, MaxTicks is reached or a tick fails.
func (c *Controller) Run(ctx context.Context) error {
	if c.State() == Init {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}

	var tickC <-chan time.Time
	if c.cfg.TickInterval > 0 {
		ticker := time.NewTicker(c.cfg.TickInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	ran := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		switch c.State() {
		case Stopped:
			return nil
		case Failed:
			if !c.cfg.HoldOnFailure {
				return c.LastError()
			}
			logging.GetLogger().Warn("Controller failed, waiting for reset or stop")
			select {
			case <-ctx.Done():
				return c.LastError()
			case <-c.wake:
			}
			continue
		}
		if c.cfg.MaxTicks > 0 && ran >= c.cfg.MaxTicks {
			logging.GetLogger().WithField("ticks", ran).Info("Maximum tick count reached")
			return nil
		}

		if tickC != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
				continue
			case <-tickC:
			}
		}

		if _, err := c.Tick(ctx); err != nil {
			if errors.Is(err, ErrNotRunning) || ctx.Err() != nil {
				continue
			}
			if !c.cfg.HoldOnFailure {
				return err
			}
			continue
		}
		ran++
	}
}

func (c *Controller) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) recordTick(ctx context.Context, r TickRecord) {
	for _, rec := range c.recorders {
		if err := rec.RecordTick(ctx, r); err != nil {
			logging.GetLogger().WithError(err).Warn("Failed to record tick")
		}
	}
}

func (c *Controller) recordTraining(ctx context.Context, r TrainingRecord) {
	for _, rec := range c.recorders {
		if err := rec.RecordTraining(ctx, r); err != nil {
			logging.GetLogger().WithError(err).Warn("Failed to record training")
		}
	}
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Status{
		RunID:      c.cfg.RunID,
		State:      c.state.String(),
		Tick:       c.tick,
		LastReward: c.lastReward,
		Epsilon:    c.agent.Epsilon(),
		Trainings:  c.trainings,
		StartedAt:  c.startedAt,
		LastTickAt: c.lastTickAt,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Controller) Env() Env {
	return c.env
}
