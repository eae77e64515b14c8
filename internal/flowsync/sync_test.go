package flowsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"sdn-rl-controller/internal/routing"
)

// flakyControlPlane wraps a MemoryControlPlane and fails the installs that
// failInstall selects.
type flakyControlPlane struct {
	*MemoryControlPlane
	mu          sync.Mutex
	failInstall func(dpid uint64, flow routing.FlowEntry) error
	calls       map[uint64]int
	hang        bool
}

func newFlaky() *flakyControlPlane {
	return &flakyControlPlane{
		MemoryControlPlane: NewMemoryControlPlane(),
		calls:              make(map[uint64]int),
	}
}

func (f *flakyControlPlane) InstallFlow(ctx context.Context, dpid uint64, priority int, flow routing.FlowEntry) error {
	f.mu.Lock()
	f.calls[dpid]++
	fail := f.failInstall
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail != nil {
		if err := fail(dpid, flow); err != nil {
			return err
		}
	}
	return f.MemoryControlPlane.InstallFlow(ctx, dpid, priority, flow)
}

func (f *flakyControlPlane) installCalls(dpid uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[dpid]
}

var (
	s1 = routing.Switch{Name: "s1", DPID: 1}
	s2 = routing.Switch{Name: "s2", DPID: 2}
)

func flow(sw routing.Switch, in, out int, dst string) routing.FlowEntry {
	return routing.FlowEntry{Switch: sw.Name, DPID: sw.DPID, InPort: in, OutPort: out, EthDst: dst}
}

func newSync(t *testing.T, cp ControlPlane) *Synchronizer {
	t.Helper()
	s, err := NewSynchronizer(cp, []routing.Switch{s1, s2}, Config{Priority: 1, Timeout: time.Second, Retries: 3})
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}
	return s
}

func TestSyncInstallsAndRemoves(t *testing.T) {
	cp := NewMemoryControlPlane()
	s := newSync(t, cp)
	ctx := context.Background()

	a := flow(s1, 1, 2, "00:00:00:00:00:02")
	b := flow(s2, 1, 2, "00:00:00:00:00:02")
	report, err := s.Sync(ctx, []routing.FlowEntry{a, b})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Installed != 2 || report.Removed != 0 || report.Switches != 2 {
		t.Errorf("report = %+v", report)
	}
	if got := cp.Flows(1); !reflect.DeepEqual(got, []routing.FlowEntry{a}) {
		t.Errorf("s1 flows = %v", got)
	}

	// Re-pointing a changes its output; b is dropped entirely.
	a2 := flow(s1, 1, 3, "00:00:00:00:00:02")
	report, err = s.Sync(ctx, []routing.FlowEntry{a2})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Installed != 1 || report.Removed != 2 {
		t.Errorf("report = %+v, want 1 installed 2 removed", report)
	}
	if got := cp.Flows(1); !reflect.DeepEqual(got, []routing.FlowEntry{a2}) {
		t.Errorf("s1 flows = %v", got)
	}
	if got := cp.Flows(2); len(got) != 0 {
		t.Errorf("s2 flows = %v, want none", got)
	}

	// A repeated sync is a no-op.
	report, err = s.Sync(ctx, []routing.FlowEntry{a2})
	if err != nil || report.Installed != 0 || report.Removed != 0 {
		t.Errorf("idempotent sync: report %+v err %v", report, err)
	}
}

func TestSyncLeavesOtherPrioritiesAlone(t *testing.T) {
	cp := NewMemoryControlPlane()
	other := flow(s1, 9, 9, "ff:ff:ff:ff:ff:ff")
	cp.InstallFlow(context.Background(), 1, 100, other)

	s := newSync(t, cp)
	if _, err := s.Sync(context.Background(), nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := cp.Flows(1); len(got) != 1 || got[0].InPort != 9 {
		t.Errorf("flows at other priority were touched: %v", got)
	}
}

func TestSyncFailureRollsBack(t *testing.T) {
	cp := newFlaky()
	s := newSync(t, cp)
	ctx := context.Background()

	before := []routing.FlowEntry{flow(s1, 1, 2, "00:00:00:00:00:02"), flow(s2, 1, 2, "00:00:00:00:00:02")}
	if _, err := s.Sync(ctx, before); err != nil {
		t.Fatalf("initial Sync: %v", err)
	}

	cp.mu.Lock()
	cp.failInstall = func(dpid uint64, f routing.FlowEntry) error {
		if dpid == 2 && f.InPort == 2 {
			return errors.New("switch unreachable")
		}
		return nil
	}
	cp.mu.Unlock()

	next := []routing.FlowEntry{flow(s1, 2, 1, "00:00:00:00:00:01"), flow(s2, 2, 1, "00:00:00:00:00:01")}
	_, err := s.Sync(ctx, next)
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected *SyncError, got %v", err)
	}
	if len(syncErr.Failures) != 1 || syncErr.Failures[0].DPID != 2 {
		t.Fatalf("failures = %v", syncErr.Failures)
	}
	if syncErr.Attempts() != 3 {
		t.Errorf("attempts = %d, want 3", syncErr.Attempts())
	}
	if syncErr.RollbackErr != nil {
		t.Errorf("rollback error: %v", syncErr.RollbackErr)
	}

	if got := cp.Flows(1); !reflect.DeepEqual(got, before[:1]) {
		t.Errorf("s1 flows after rollback = %v, want %v", got, before[:1])
	}
	if got := cp.Flows(2); !reflect.DeepEqual(got, before[1:]) {
		t.Errorf("s2 flows after rollback = %v, want %v", got, before[1:])
	}
}

func TestSyncTimeoutAndCancel(t *testing.T) {
	cp := newFlaky()
	cp.hang = true
	s, err := NewSynchronizer(cp, []routing.Switch{s1}, Config{Priority: 1, Timeout: 10 * time.Millisecond, Retries: 2})
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}

	_, err = s.Sync(context.Background(), []routing.FlowEntry{flow(s1, 1, 2, "00:00:00:00:00:02")})
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected *SyncError, got %v", err)
	}
	if syncErr.Cancelled {
		t.Errorf("per-call timeouts must not be reported as cancellation")
	}
	if cp.installCalls(1) != 2 {
		t.Errorf("install calls = %d, want 2", cp.installCalls(1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Sync(ctx, []routing.FlowEntry{flow(s1, 1, 2, "00:00:00:00:00:02")})
	if !errors.As(err, &syncErr) || !syncErr.Cancelled {
		t.Fatalf("expected cancelled SyncError, got %v", err)
	}
}

func TestSyncSkipsShadowedEntries(t *testing.T) {
	cp := NewMemoryControlPlane()
	s := newSync(t, cp)
	first := flow(s1, 1, 2, "00:00:00:00:00:02")
	second := flow(s1, 1, 3, "00:00:00:00:00:02")
	if _, err := s.Sync(context.Background(), []routing.FlowEntry{first, second}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := cp.Flows(1); !reflect.DeepEqual(got, []routing.FlowEntry{first}) {
		t.Errorf("flows = %v, want only the first entry", got)
	}
}

func TestOfctlClient(t *testing.T) {
	var mu sync.Mutex
	var mods []ofctlFlowMod
	var paths []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/stats/flow/1":
			var filter map[string]int
			json.NewDecoder(r.Body).Decode(&filter)
			if filter["priority"] != 1 {
				http.Error(w, "bad filter", http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"1": [
				{"priority": 1, "match": {"in_port": 1, "dl_dst": "00:00:00:00:00:0A"}, "actions": ["OUTPUT:2"]},
				{"priority": 1, "match": {"in_port": 2, "eth_dst": "00:00:00:00:00:01"}, "actions": ["OUTPUT:1"]},
				{"priority": 1, "match": {}, "actions": ["OUTPUT:CONTROLLER"]},
				{"priority": 0, "match": {"in_port": 3, "dl_dst": "00:00:00:00:00:03"}, "actions": ["OUTPUT:1"]}
			]}`))
		case "/stats/flowentry/add", "/stats/flowentry/delete_strict":
			var mod ofctlFlowMod
			if err := json.NewDecoder(r.Body).Decode(&mod); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			mods = append(mods, mod)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOfctlClient(srv.URL+"/", srv.Client())
	ctx := context.Background()

	flows, err := c.ListFlows(ctx, 1, 1)
	if err != nil {
		t.Fatalf("ListFlows: %v", err)
	}
	want := []routing.FlowEntry{
		{DPID: 1, InPort: 1, OutPort: 2, EthDst: "00:00:00:00:00:0a"},
		{DPID: 1, InPort: 2, OutPort: 1, EthDst: "00:00:00:00:00:01"},
	}
	if !reflect.DeepEqual(flows, want) {
		t.Fatalf("flows = %v, want %v", flows, want)
	}

	f := flow(s1, 1, 2, "00:00:00:00:00:02")
	if err := c.InstallFlow(ctx, 1, 1, f); err != nil {
		t.Fatalf("InstallFlow: %v", err)
	}
	if err := c.RemoveFlow(ctx, 1, 1, f); err != nil {
		t.Fatalf("RemoveFlow: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(mods) != 2 {
		t.Fatalf("flow mods = %d, want 2", len(mods))
	}
	m := mods[0]
	if m.DPID != 1 || m.Priority != 1 || m.Match.InPort != 1 || m.Match.DlDst != f.EthDst ||
		len(m.Actions) != 1 || m.Actions[0].Type != "OUTPUT" || m.Actions[0].Port != 2 {
		t.Errorf("flow mod = %+v", m)
	}
	if paths[len(paths)-1] != "/stats/flowentry/delete_strict" {
		t.Errorf("remove used %s", paths[len(paths)-1])
	}

	if err := c.InstallFlow(ctx, 1, 1, f); err != nil {
		t.Fatalf("InstallFlow: %v", err)
	}
	bad := NewOfctlClient(srv.URL+"/missing", srv.Client())
	if err := bad.InstallFlow(ctx, 1, 1, f); err == nil {
		t.Errorf("expected error for 404")
	}
}
