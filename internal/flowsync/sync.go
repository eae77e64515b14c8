package flowsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sdn-rl-controller/internal/logging"
	"sdn-rl-controller/internal/routing"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Priority int
	// Timeout bounds every single control plane call.
	Timeout time.Duration
	// Retries is the number of attempts per call, at least 1.
	Retries int
	Backoff time.Duration
}

// Report summarises a successful Sync.
type Report struct {
	Switches  int
	Installed int
	Removed   int
	Attempts  int
	Duration  time.Duration
}

// Synchronizer makes the switches' flow tables equal to a desired set of
// entries.
type Synchronizer struct {
	cp       ControlPlane
	cfg      Config
	switches []routing.Switch
}

func NewSynchronizer(cp ControlPlane, switches []routing.Switch, cfg Config) (*Synchronizer, error) {
	if cp == nil {
		return nil, fmt.Errorf("control plane is required")
	}
	if cfg.Retries < 1 {
		return nil, fmt.Errorf("retries must be at least 1, got %d", cfg.Retries)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", cfg.Timeout)
	}
	sw := make([]routing.Switch, len(switches))
	copy(sw, switches)
	return &Synchronizer{cp: cp, cfg: cfg, switches: sw}, nil
}

type opKind int

const (
	opInstall opKind = iota
	opRemove
)

func (k opKind) String() string {
	if k == opInstall {
		return "install"
	}
	return "remove"
}

type flowOp struct {
	kind opKind
	flow routing.FlowEntry
}

type switchResult struct {
	sw       routing.Switch
	applied  []flowOp
	attempts int
	failure  *SwitchFailure
}

type flowKey struct {
	match   routing.MatchKey
	outPort int
}

func keyOf(f routing.FlowEntry) flowKey {
	return flowKey{match: f.Match(), outPort: f.OutPort}
}

// Sync pushes desired to every known switch in parallel. A switch with no
// desired entries has all of its entries at the configured priority
// removed. If any switch fails, every change made during this call is
// reverted and a *SyncError is returned.
func (s *Synchronizer) Sync(ctx context.Context, desired []routing.FlowEntry) (Report, error) {
	logger := logging.GetLogger()
	start := time.Now()

	switches, groups := s.group(desired)

	results := make(chan switchResult, len(switches))
	var wg sync.WaitGroup
	for _, sw := range switches {
		wg.Add(1)
		go func(sw routing.Switch) {
			defer wg.Done()
			results <- s.syncSwitch(ctx, sw, groups[sw.DPID])
		}(sw)
	}
	wg.Wait()
	close(results)

	report := Report{Switches: len(switches)}
	var done []switchResult
	var failures []SwitchFailure
	for r := range results {
		report.Attempts += r.attempts
		done = append(done, r)
		if r.failure != nil {
			failures = append(failures, *r.failure)
			continue
		}
		for _, op := range r.applied {
			if op.kind == opInstall {
				report.Installed++
			} else {
				report.Removed++
			}
		}
	}
	report.Duration = time.Since(start)

	if len(failures) == 0 {
		logger.WithFields(logrus.Fields{
			"switches":  report.Switches,
			"installed": report.Installed,
			"removed":   report.Removed,
			"attempts":  report.Attempts,
		}).Debug("Flow tables synchronized")
		return report, nil
	}

	syncErr := &SyncError{Failures: failures, Cancelled: ctx.Err() != nil}
	syncErr.RolledBack, syncErr.RollbackErr = s.rollback(ctx, done)

	logger.WithFields(logrus.Fields{
		"failed_switches": len(failures),
		"rolled_back":     syncErr.RolledBack,
		"cancelled":       syncErr.Cancelled,
	}).WithError(syncErr).Error("Flow synchronization failed")

	return report, syncErr
}

// group splits desired by datapath, keeping the first entry for each match.
func (s *Synchronizer) group(desired []routing.FlowEntry) ([]routing.Switch, map[uint64][]routing.FlowEntry) {
	switches := make([]routing.Switch, len(s.switches))
	copy(switches, s.switches)
	known := make(map[uint64]bool, len(switches))
	for _, sw := range switches {
		known[sw.DPID] = true
	}

	groups := make(map[uint64][]routing.FlowEntry)
	seen := make(map[routing.MatchKey]bool)
	for _, f := range desired {
		if seen[f.Match()] {
			logging.GetLogger().WithField("flow", f.String()).Debug("Skipping entry shadowed by an earlier one with the same match")
			continue
		}
		seen[f.Match()] = true
		if !known[f.DPID] {
			known[f.DPID] = true
			switches = append(switches, routing.Switch{Name: f.Switch, DPID: f.DPID})
		}
		groups[f.DPID] = append(groups[f.DPID], f)
	}
	return switches, groups
}

func (s *Synchronizer) syncSwitch(ctx context.Context, sw routing.Switch, desired []routing.FlowEntry) switchResult {
	res := switchResult{sw: sw}

	var current []routing.FlowEntry
	attempts, err := s.call(ctx, func(callCtx context.Context) error {
		var err error
		current, err = s.cp.ListFlows(callCtx, sw.DPID, s.cfg.Priority)
		return err
	})
	res.attempts += attempts
	if err != nil {
		res.failure = &SwitchFailure{Switch: sw.Name, DPID: sw.DPID, Op: "list", Attempts: attempts, Err: err}
		return res
	}

	for _, op := range diff(current, desired) {
		op.flow.DPID = sw.DPID
		if op.flow.Switch == "" {
			op.flow.Switch = sw.Name
		}
		attempts, err := s.call(ctx, func(callCtx context.Context) error {
			return s.apply(callCtx, op)
		})
		res.attempts += attempts
		if err != nil {
			res.failure = &SwitchFailure{Switch: sw.Name, DPID: sw.DPID, Op: op.kind.String(), Attempts: attempts, Err: err}
			return res
		}
		res.applied = append(res.applied, op)
	}
	return res
}

// diff yields removals of stale entries followed by installs of missing ones.
func diff(current, desired []routing.FlowEntry) []flowOp {
	want := make(map[flowKey]bool, len(desired))
	for _, f := range desired {
		want[keyOf(f)] = true
	}
	have := make(map[flowKey]bool, len(current))
	for _, f := range current {
		have[keyOf(f)] = true
	}

	var ops []flowOp
	for _, f := range current {
		if !want[keyOf(f)] {
			ops = append(ops, flowOp{kind: opRemove, flow: f})
		}
	}
	for _, f := range desired {
		if !have[keyOf(f)] {
			ops = append(ops, flowOp{kind: opInstall, flow: f})
		}
	}
	return ops
}

func (s *Synchronizer) apply(ctx context.Context, op flowOp) error {
	if op.kind == opInstall {
		return s.cp.InstallFlow(ctx, op.flow.DPID, s.cfg.Priority, op.flow)
	}
	return s.cp.RemoveFlow(ctx, op.flow.DPID, s.cfg.Priority, op.flow)
}

// call runs fn up to Retries times, each bounded by Timeout, and returns the
// number of attempts made.
func (s *Synchronizer) call(ctx context.Context, fn func(context.Context) error) (int, error) {
	var err error
	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, errors.Join(err, ctx.Err())
		}
		if attempt == s.cfg.Retries {
			break
		}
		if s.cfg.Backoff > 0 {
			select {
			case <-ctx.Done():
				return attempt, errors.Join(err, ctx.Err())
			case <-time.After(s.cfg.Backoff):
			}
		}
	}
	return s.cfg.Retries, err
}

// rollback reverses, in reverse order, every applied operation of every
// switch. It runs detached from ctx cancellation so a cancelled tick still
// restores the last installed table.
func (s *Synchronizer) rollback(ctx context.Context, results []switchResult) (int, error) {
	base := context.WithoutCancel(ctx)

	var mu sync.Mutex
	var errs []error
	reverted := 0

	var wg sync.WaitGroup
	for _, r := range results {
		if len(r.applied) == 0 {
			continue
		}
		wg.Add(1)
		go func(r switchResult) {
			defer wg.Done()
			for i := len(r.applied) - 1; i >= 0; i-- {
				op := r.applied[i]
				undo := flowOp{kind: opRemove, flow: op.flow}
				if op.kind == opRemove {
					undo.kind = opInstall
				}
				_, err := s.call(base, func(callCtx context.Context) error {
					return s.apply(callCtx, undo)
				})
				mu.Lock()
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %s %s: %w", r.sw.Name, undo.kind, undo.flow, err))
				} else {
					reverted++
				}
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()

	if len(errs) > 0 {
		logging.GetLogger().WithField("errors", len(errs)).Error("Flow rollback incomplete")
	}
	return reverted, errors.Join(errs...)
}
