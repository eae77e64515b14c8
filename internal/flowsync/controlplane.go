// Package flowsync pushes the routing table derived by the environment to
// the switches. It handles:
// - Per-switch read back and diff against the desired entries
// - Parallel application across switches with bounded timeouts and retries
// - Rollback of already changed switches when any switch fails
package flowsync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sdn-rl-controller/internal/routing"
)

// ControlPlane is the switch-facing backend. Every call addresses one
// datapath and only the flows installed at the given priority.
type ControlPlane interface {
	ListFlows(ctx context.Context, dpid uint64, priority int) ([]routing.FlowEntry, error)
	InstallFlow(ctx context.Context, dpid uint64, priority int, flow routing.FlowEntry) error
	RemoveFlow(ctx context.Context, dpid uint64, priority int, flow routing.FlowEntry) error
}

type memoryKey struct {
	priority int
	match    routing.MatchKey
}

// MemoryControlPlane keeps flow tables in process. It backs dry runs and
// tests.
type MemoryControlPlane struct {
	mu     sync.RWMutex
	tables map[uint64]map[memoryKey]routing.FlowEntry
}

func NewMemoryControlPlane() *MemoryControlPlane {
	return &MemoryControlPlane{tables: make(map[uint64]map[memoryKey]routing.FlowEntry)}
}

func (m *MemoryControlPlane) ListFlows(ctx context.Context, dpid uint64, priority int) ([]routing.FlowEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []routing.FlowEntry
	for k, f := range m.tables[dpid] {
		if k.priority == priority {
			out = append(out, f)
		}
	}
	sortFlows(out)
	return out, nil
}

// InstallFlow replaces any entry with the same match, as an OpenFlow add
// does.
func (m *MemoryControlPlane) InstallFlow(ctx context.Context, dpid uint64, priority int, flow routing.FlowEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[dpid]
	if !ok {
		table = make(map[memoryKey]routing.FlowEntry)
		m.tables[dpid] = table
	}
	flow.DPID = dpid
	table[memoryKey{priority: priority, match: flow.Match()}] = flow
	return nil
}

// RemoveFlow deletes the entry only when its match and output both agree.
func (m *MemoryControlPlane) RemoveFlow(ctx context.Context, dpid uint64, priority int, flow routing.FlowEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	flow.DPID = dpid
	key := memoryKey{priority: priority, match: flow.Match()}
	if cur, ok := m.tables[dpid][key]; ok && cur.OutPort == flow.OutPort {
		delete(m.tables[dpid], key)
	}
	return nil
}

// Flows returns every installed entry on dpid regardless of priority.
func (m *MemoryControlPlane) Flows(dpid uint64) []routing.FlowEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]routing.FlowEntry, 0, len(m.tables[dpid]))
	for _, f := range m.tables[dpid] {
		out = append(out, f)
	}
	sortFlows(out)
	return out
}

func (m *MemoryControlPlane) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.tables {
		n += len(t)
	}
	return fmt.Sprintf("memory control plane (%d switches, %d flows)", len(m.tables), n)
}

func sortFlows(flows []routing.FlowEntry) {
	sort.Slice(flows, func(i, j int) bool {
		a, b := flows[i], flows[j]
		if a.DPID != b.DPID {
			return a.DPID < b.DPID
		}
		if a.InPort != b.InPort {
			return a.InPort < b.InPort
		}
		if a.EthDst != b.EthDst {
			return a.EthDst < b.EthDst
		}
		return a.OutPort < b.OutPort
	})
}
