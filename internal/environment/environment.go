package environment

import (
	"context"
	"fmt"
	"math"
	"sync"

	"sdn-rl-controller/internal/agent"
	"sdn-rl-controller/internal/emulation"
	"sdn-rl-controller/internal/flowsync"
	"sdn-rl-controller/internal/logging"
	"sdn-rl-controller/internal/routing"
	"sdn-rl-controller/internal/topology"

	"github.com/sirupsen/logrus"
)

// Synchronizer pushes a routing table to the switches.
type Synchronizer interface {
	Sync(ctx context.Context, desired []routing.FlowEntry) (flowsync.Report, error)
}

type StepResult struct {
	Next   routing.State
	Reward float64
	Done   bool
}

type Option func(*Environment)

func WithReward(f RewardFunc) Option {
	return func(e *Environment) {
		e.reward = f
	}
}

func WithEnder(ender Ender) Option {
	return func(e *Environment) {
		e.ender = ender
	}
}

func WithEmulator(emu emulation.Emulator) Option {
	return func(e *Environment) {
		e.emu = emu
	}
}

// Environment owns the link metrics and the routing table. Step and Reset
// are serialised; State and RoutingTable may be called concurrently.
type Environment struct {
	topo    *topology.Topology
	catalog *routing.Catalog
	links   LinkSource
	sync    Synchronizer
	emu     emulation.Emulator
	reward  RewardFunc
	ender   Ender

	opMu sync.Mutex

	mu        sync.RWMutex
	linkState routing.LinkState
	table     routing.RoutingTable
	steps     int
	handle    emulation.Handle
}

func New(topo *topology.Topology, catalog *routing.Catalog, links LinkSource, syncer Synchronizer, opts ...Option) (*Environment, error) {
	if topo == nil || catalog == nil || links == nil || syncer == nil {
		return nil, fmt.Errorf("environment needs a topology, catalog, link source and synchronizer")
	}
	if err := catalog.Validate(topo); err != nil {
		return nil, err
	}
	e := &Environment{
		topo:      topo,
		catalog:   catalog,
		links:     links,
		sync:      syncer,
		emu:       emulation.None{},
		reward:    BalancedReward(catalog, 1, 0.5),
		ender:     Never,
		table:     routing.NewRoutingTable(catalog.Len()),
		linkState: routing.NewLinkState(make([]float64, topo.LinkCount())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// StateSize is L+R.
func (e *Environment) StateSize() int {
	return e.topo.LinkCount() + e.catalog.Len()
}

// ActionSize is R.
func (e *Environment) ActionSize() int {
	return e.catalog.Len()
}

func (e *Environment) Steps() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.steps
}

// Reset releases the previous emulated network, brings up a new one, reloads
// the link metrics and clears the routing table on the switches.
func (e *Environment) Reset(ctx context.Context) (routing.State, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	logger := logging.GetLogger()

	if err := e.release(ctx); err != nil {
		logger.WithError(err).Warn("Failed to release previous emulated network")
	}

	handle, err := e.emu.Start(ctx, e.topo)
	if err != nil {
		return routing.State{}, fmt.Errorf("start emulated network: %w", err)
	}
	e.mu.Lock()
	e.handle = handle
	e.mu.Unlock()

	ls, err := e.links.Links(ctx)
	if err != nil {
		return routing.State{}, fmt.Errorf("load link state: %w", err)
	}
	if err := checkLinks(ls, e.topo.LinkCount()); err != nil {
		return routing.State{}, err
	}

	if _, err := e.sync.Sync(ctx, nil); err != nil {
		return routing.State{}, err
	}

	e.mu.Lock()
	e.linkState = ls
	e.table = routing.NewRoutingTable(e.catalog.Len())
	e.steps = 0
	state := routing.NewState(e.linkState, e.table)
	e.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"network": handle.Name(),
		"links":   ls.Len(),
		"routes":  e.catalog.Len(),
	}).Info("Environment reset")
	return state, nil
}

// Close releases the emulated network. It is safe to call more than once.
func (e *Environment) Close(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.release(ctx)
}

func (e *Environment) release(ctx context.Context) error {
	e.mu.Lock()
	h := e.handle
	e.handle = nil
	e.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Stop(ctx)
}

func (e *Environment) State() routing.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return routing.NewState(e.linkState, e.table)
}

// Step toggles routing entry action, scores the result and pushes the new
// table to the switches. If the push fails the toggle is undone and the
// *flowsync.SyncError is returned.
func (e *Environment) Step(ctx context.Context, action int) (StepResult, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if action < 0 || action >= e.catalog.Len() {
		return StepResult{}, &agent.ActionRangeError{Action: action, Size: e.catalog.Len()}
	}

	e.mu.RLock()
	prevTable := e.table
	links := e.linkState
	steps := e.steps
	e.mu.RUnlock()

	nextTable, err := prevTable.Flip(action)
	if err != nil {
		return StepResult{}, err
	}
	flows, err := e.catalog.Derive(nextTable)
	if err != nil {
		return StepResult{}, err
	}

	prev := routing.NewState(links, prevTable)
	next := routing.NewState(links, nextTable)
	reward := e.reward(prev, action, next)
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		reward = 0
	}
	done := e.ender.End(steps+1, next)

	if _, err := e.sync.Sync(ctx, flows); err != nil {
		logging.GetControllerLogger().WithFields(logrus.Fields{
			"action": action,
			"step":   steps + 1,
		}).WithError(err).Warn("Routing change rejected, table left unchanged")
		return StepResult{}, err
	}

	e.mu.Lock()
	e.table = nextTable
	e.steps = steps + 1
	e.mu.Unlock()

	return StepResult{Next: next, Reward: reward, Done: done}, nil
}

// RoutingTable derives the switch-ready entries from the current flags.
func (e *Environment) RoutingTable() []routing.FlowEntry {
	e.mu.RLock()
	table := e.table
	e.mu.RUnlock()
	flows, _ := e.catalog.Derive(table)
	return flows
}

// Refresh pulls a fresh snapshot from the link source and installs it with
// RefreshLinks. The controller calls it at the start of every tick.
func (e *Environment) Refresh(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	ls, err := e.links.Links(ctx)
	if err != nil {
		return fmt.Errorf("refresh link state: %w", err)
	}
	return e.RefreshLinks(ls)
}

// RefreshLinks replaces the link snapshot wholesale.
func (e *Environment) RefreshLinks(ls routing.LinkState) error {
	if err := checkLinks(ls, e.topo.LinkCount()); err != nil {
		return err
	}
	e.mu.Lock()
	e.linkState = ls
	e.mu.Unlock()
	return nil
}

func (e *Environment) Catalog() *routing.Catalog {
	return e.catalog
}

func (e *Environment) Topology() *topology.Topology {
	return e.topo
}
