package environment

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"sdn-rl-controller/internal/agent"
	"sdn-rl-controller/internal/emulation"
	"sdn-rl-controller/internal/flowsync"
	"sdn-rl-controller/internal/routing"
	"sdn-rl-controller/internal/topology"
)

type countingEmulator struct {
	mu      sync.Mutex
	started int
	stopped int
}

type countingHandle struct {
	emu *countingEmulator
}

func (h countingHandle) Name() string { return "test" }

func (h countingHandle) Stop(context.Context) error {
	h.emu.mu.Lock()
	defer h.emu.mu.Unlock()
	h.emu.stopped++
	return nil
}

func (c *countingEmulator) Start(context.Context, *topology.Topology) (emulation.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
	return countingHandle{emu: c}, nil
}

type failingSync struct {
	err   error
	calls int
}

func (f *failingSync) Sync(context.Context, []routing.FlowEntry) (flowsync.Report, error) {
	f.calls++
	if f.calls == 1 {
		return flowsync.Report{}, nil
	}
	return flowsync.Report{}, f.err
}

// linkShiftingSync replaces the environment's link snapshot while a push is
// in flight, then delegates to the real synchronizer.
type linkShiftingSync struct {
	next  Synchronizer
	env   *Environment
	links routing.LinkState
	armed bool
}

func (s *linkShiftingSync) Sync(ctx context.Context, desired []routing.FlowEntry) (flowsync.Report, error) {
	if s.armed {
		if err := s.env.RefreshLinks(s.links); err != nil {
			return flowsync.Report{}, err
		}
	}
	return s.next.Sync(ctx, desired)
}

type fixture struct {
	topo    *topology.Topology
	catalog *routing.Catalog
	cp      *flowsync.MemoryControlPlane
	syncer  *flowsync.Synchronizer
}

// Four links and three catalog entries: L=4, R=3.
func newFixture(t *testing.T) fixture {
	t.Helper()
	topo, err := topology.Load([]topology.Edge{
		{A: "h1", B: "s1"},
		{A: "s1", B: "s2"},
		{A: "s2", B: "h2"},
		{A: "s1", B: "s3"},
	}, topology.WithFactors(map[topology.Edge]topology.Factors{
		{A: "h1", B: "s1"}: {Bandwidth: 0.2},
		{A: "s1", B: "s2"}: {Bandwidth: 0.9},
		{A: "s2", B: "h2"}: {Bandwidth: 0.6},
		{A: "s1", B: "s3"}: {Bandwidth: 0.4},
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	catalog, err := routing.NewCatalog(topo, []routing.RouteSpec{
		{Switch: "s1", InPort: 1, OutPort: 2, Host: "h2"},
		{Switch: "s2", InPort: 1, OutPort: 2, Host: "h2"},
		{Switch: "s1", InPort: 2, OutPort: 1, Host: "h1"},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	cp := flowsync.NewMemoryControlPlane()
	syncer, err := flowsync.NewSynchronizer(cp, catalog.Switches(), flowsync.Config{Priority: 1, Timeout: time.Second, Retries: 3})
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}
	return fixture{topo: topo, catalog: catalog, cp: cp, syncer: syncer}
}

func (f fixture) links(t *testing.T) LinkSource {
	t.Helper()
	links, err := NewStaticLinks(f.topo, topology.Bandwidth, topology.Range{Min: 10, Max: 100})
	if err != nil {
		t.Fatalf("NewStaticLinks: %v", err)
	}
	return links
}

func TestStepFlipsOneBit(t *testing.T) {
	f := newFixture(t)
	env, err := New(f.topo, f.catalog, f.links(t), f.syncer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	state, err := env.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if state.Len() != 7 || env.StateSize() != 7 || env.ActionSize() != 3 {
		t.Fatalf("sizes: state %d, env %d/%d", state.Len(), env.StateSize(), env.ActionSize())
	}
	if !reflect.DeepEqual(state.Routes(), []float64{0, 0, 0}) {
		t.Fatalf("initial routes = %v", state.Routes())
	}

	res, err := env.Step(ctx, 1)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !reflect.DeepEqual(res.Next.Routes(), []float64{0, 1, 0}) {
		t.Errorf("after action 1 routes = %v, want [0 1 0]", res.Next.Routes())
	}
	if !reflect.DeepEqual(env.State().Vector(), res.Next.Vector()) {
		t.Errorf("State() disagrees with the step result")
	}

	res, err = env.Step(ctx, 1)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !reflect.DeepEqual(res.Next.Routes(), []float64{0, 0, 0}) {
		t.Errorf("after second action 1 routes = %v, want [0 0 0]", res.Next.Routes())
	}

	for _, a := range []int{0, 2, 1, 2, 0} {
		before := env.State().Routes()
		res, err := env.Step(ctx, a)
		if err != nil {
			t.Fatalf("Step(%d): %v", a, err)
		}
		changed := 0
		for i, v := range res.Next.Routes() {
			if v != before[i] {
				changed++
				if i != a {
					t.Errorf("action %d flipped bit %d", a, i)
				}
			}
		}
		if changed != 1 {
			t.Errorf("action %d changed %d bits", a, changed)
		}
	}

	if _, err := env.Step(ctx, 3); !agent.IsActionRangeError(err) {
		t.Errorf("Step(3): expected ActionRangeError, got %v", err)
	}
}

func TestStepScoresBeforePush(t *testing.T) {
	f := newFixture(t)
	shift := &linkShiftingSync{next: f.syncer, links: routing.NewLinkState([]float64{0.1, 0.1, 0.1, 0.1})}
	env, err := New(f.topo, f.catalog, f.links(t), shift)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	shift.env = env
	ctx := context.Background()
	before, err := env.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	shift.armed = true

	// Entry 0 uses link 1, which is 0.9 before the push and 0.1 after it.
	res, err := env.Step(ctx, 0)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if math.Abs(res.Reward-0.9) > 1e-9 {
		t.Errorf("reward = %v, want 0.9 from the links seen before the push", res.Reward)
	}
	if !reflect.DeepEqual(res.Next.Links(), before.Links()) {
		t.Errorf("next links = %v, want %v", res.Next.Links(), before.Links())
	}
	if got := env.State().Links(); !reflect.DeepEqual(got, []float64{0.1, 0.1, 0.1, 0.1}) {
		t.Errorf("links were not replaced during the push: %v", got)
	}
}

func TestRefreshPullsFromLinkSource(t *testing.T) {
	f := newFixture(t)
	env, _ := New(f.topo, f.catalog, f.links(t), f.syncer)
	ctx := context.Background()
	env.Reset(ctx)
	env.RefreshLinks(routing.NewLinkState([]float64{0, 0, 0, 0}))

	if err := env.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	want := []float64{0.2, 0.9, 0.6, 0.4}
	got := env.State().Links()
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("links after refresh = %v, want %v", got, want)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := env.Refresh(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("Refresh with cancelled context = %v", err)
	}
}

func TestRoutingTableMatchesSwitches(t *testing.T) {
	f := newFixture(t)
	env, _ := New(f.topo, f.catalog, f.links(t), f.syncer)
	ctx := context.Background()
	env.Reset(ctx)
	env.Step(ctx, 0)
	env.Step(ctx, 2)

	first := env.RoutingTable()
	second := env.RoutingTable()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("RoutingTable is not idempotent: %v vs %v", first, second)
	}
	want := []routing.FlowEntry{f.catalog.Route(0).FlowEntry, f.catalog.Route(2).FlowEntry}
	if !reflect.DeepEqual(first, want) {
		t.Fatalf("routing table = %v, want %v", first, want)
	}

	installed, err := f.cp.ListFlows(ctx, 1, 1)
	if err != nil {
		t.Fatalf("ListFlows: %v", err)
	}
	if len(installed) != 2 {
		t.Errorf("s1 has %d flows installed, want 2", len(installed))
	}
}

func TestStepSyncFailureKeepsTable(t *testing.T) {
	f := newFixture(t)
	syncErr := &flowsync.SyncError{Failures: []flowsync.SwitchFailure{{Switch: "s1", DPID: 1, Op: "install", Attempts: 3, Err: errors.New("down")}}}
	env, _ := New(f.topo, f.catalog, f.links(t), &failingSync{err: syncErr})
	ctx := context.Background()
	if _, err := env.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	_, err := env.Step(ctx, 0)
	if !flowsync.IsSyncError(err) {
		t.Fatalf("expected SyncError, got %v", err)
	}
	if env.State().Routes()[0] != 0 || env.Steps() != 0 {
		t.Errorf("failed step must leave the table unchanged, routes = %v", env.State().Routes())
	}
	if len(env.RoutingTable()) != 0 {
		t.Errorf("routing table = %v, want empty", env.RoutingTable())
	}
}

func TestResetReleasesEmulatorOnce(t *testing.T) {
	f := newFixture(t)
	emu := &countingEmulator{}
	env, _ := New(f.topo, f.catalog, f.links(t), f.syncer, WithEmulator(emu))
	ctx := context.Background()

	env.Reset(ctx)
	env.Step(ctx, 0)
	state, err := env.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !reflect.DeepEqual(state.Routes(), []float64{0, 0, 0}) || env.Steps() != 0 {
		t.Errorf("second reset did not clear the table: %v", state.Routes())
	}
	if flows := f.cp.Flows(1); len(flows) != 0 {
		t.Errorf("reset left flows installed: %v", flows)
	}

	if err := env.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	env.Close(ctx)
	if emu.started != 2 || emu.stopped != 2 {
		t.Errorf("emulator started %d stopped %d, want 2 and 2", emu.started, emu.stopped)
	}
}

func TestEnders(t *testing.T) {
	f := newFixture(t)
	env, _ := New(f.topo, f.catalog, f.links(t), f.syncer, WithEnder(StepLimit(2)))
	ctx := context.Background()
	env.Reset(ctx)

	res, _ := env.Step(ctx, 0)
	if res.Done {
		t.Errorf("done after 1 step with limit 2")
	}
	res, _ = env.Step(ctx, 1)
	if !res.Done {
		t.Errorf("not done after 2 steps with limit 2")
	}

	if Never.End(1000, routing.State{}) {
		t.Errorf("Never ended")
	}
	ender := FuncEnder(func(step int, s routing.State) bool { return step == 3 })
	if !ender.End(3, routing.State{}) || ender.End(2, routing.State{}) {
		t.Errorf("FuncEnder did not delegate")
	}
}

func TestBalancedReward(t *testing.T) {
	f := newFixture(t)
	reward := BalancedReward(f.catalog, 1, 0.5)
	links := routing.NewLinkState([]float64{0.2, 0.9, 0.6, 0.4})

	empty := routing.NewState(links, routing.NewRoutingTable(3))
	if r := reward(empty, 0, empty); r != 0 {
		t.Errorf("empty table reward = %v, want 0", r)
	}

	// Entry 0 uses link 1 (0.9); entry 1 uses link 2 (0.6).
	one, _ := routing.NewRoutingTable(3).Flip(0)
	if r := reward(empty, 0, routing.NewState(links, one)); math.Abs(r-0.9) > 1e-9 {
		t.Errorf("single entry reward = %v, want 0.9", r)
	}
	two, _ := one.Flip(1)
	if r := reward(empty, 1, routing.NewState(links, two)); math.Abs(r-0.75) > 1e-9 {
		t.Errorf("balanced reward = %v, want 0.75", r)
	}

	nan := routing.NewLinkState([]float64{math.NaN(), math.NaN(), math.NaN(), math.NaN()})
	if r := reward(empty, 0, routing.NewState(nan, one)); r != 0 {
		t.Errorf("NaN links reward = %v, want 0", r)
	}
}

func TestBalancedRewardSkipsShadowedEntries(t *testing.T) {
	f := newFixture(t)
	// Same in_port and eth_dst on s1: the second entry is never installed.
	catalog, err := routing.NewCatalog(f.topo, []routing.RouteSpec{
		{Switch: "s1", InPort: 1, OutPort: 2, Host: "h2"},
		{Switch: "s1", InPort: 1, OutPort: 3, Host: "h2"},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	reward := BalancedReward(catalog, 1, 0.5)
	links := routing.NewLinkState([]float64{0.2, 0.9, 0.6, 0.4})
	empty := routing.NewState(links, routing.NewRoutingTable(2))

	both, _ := routing.NewRoutingTable(2).Flip(0)
	both, _ = both.Flip(1)
	if r := reward(empty, 1, routing.NewState(links, both)); math.Abs(r-0.9) > 1e-9 {
		t.Errorf("reward with shadowed entry = %v, want 0.9", r)
	}
	second, _ := routing.NewRoutingTable(2).Flip(1)
	if r := reward(empty, 1, routing.NewState(links, second)); math.Abs(r-0.4) > 1e-9 {
		t.Errorf("reward of unshadowed second entry = %v, want 0.4", r)
	}
}

func TestStaticLinksInvertsCostMetrics(t *testing.T) {
	f := newFixture(t)
	links, err := NewStaticLinks(f.topo, topology.Delay, topology.Range{Min: 10, Max: 50})
	if err != nil {
		t.Fatalf("NewStaticLinks: %v", err)
	}
	ls, _ := links.Links(context.Background())
	// No delay factors were set, so every link sits at the minimum delay.
	for i := 0; i < ls.Len(); i++ {
		if ls.At(i) != 1 {
			t.Errorf("link %d = %v, want 1", i, ls.At(i))
		}
	}

	env, _ := New(f.topo, f.catalog, links, f.syncer)
	if err := env.RefreshLinks(routing.NewLinkState([]float64{1})); err == nil {
		t.Errorf("expected length mismatch error")
	}
}
