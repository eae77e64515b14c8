package flowsync

import (
	"errors"
	"fmt"
	"strings"
)

// SwitchFailure describes the operation that exhausted its retries on one
// switch.
type SwitchFailure struct {
	Switch   string
	DPID     uint64
	Op       string
	Attempts int
	Err      error
}

func (f SwitchFailure) String() string {
	return fmt.Sprintf("%s(dpid=%d) %s after %d attempts: %v", f.Switch, f.DPID, f.Op, f.Attempts, f.Err)
}

// SyncError is returned when the desired routing table could not be pushed
// to every switch. Switches that had already been changed are rolled back;
// RollbackErr is set when that rollback itself failed.
type SyncError struct {
	Failures    []SwitchFailure
	Cancelled   bool
	RolledBack  int
	RollbackErr error
}

func (e *SyncError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	msg := "flow sync failed: " + strings.Join(parts, "; ")
	if e.Cancelled {
		msg += " (cancelled)"
	}
	if e.RollbackErr != nil {
		msg += fmt.Sprintf("; rollback failed: %v", e.RollbackErr)
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	errs := make([]error, 0, len(e.Failures)+1)
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	if e.RollbackErr != nil {
		errs = append(errs, e.RollbackErr)
	}
	return errors.Join(errs...)
}

// Attempts is the largest attempt count among the failed operations.
func (e *SyncError) Attempts() int {
	n := 0
	for _, f := range e.Failures {
		if f.Attempts > n {
			n = f.Attempts
		}
	}
	return n
}

func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}
