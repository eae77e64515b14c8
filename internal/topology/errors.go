package topology

import (
	"errors"
	"fmt"
)

// TopologyError is returned for malformed edge lists, unknown nodes or
// edges, and unusable metric ranges.
type TopologyError struct {
	Op   string
	Line int
	Err  error
}

func (e *TopologyError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("topology: %s: line %d: %v", e.Op, e.Line, e.Err)
	}
	return fmt.Sprintf("topology: %s: %v", e.Op, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

func errorf(op, format string, args ...interface{}) error {
	return &TopologyError{Op: op, Err: fmt.Errorf(format, args...)}
}

func IsTopologyError(err error) bool {
	var te *TopologyError
	return errors.As(err, &te)
}
