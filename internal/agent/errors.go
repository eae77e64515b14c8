package agent

import (
	"errors"
	"fmt"
)

// ShapeError is returned when a state vector does not have the length the
// agent was built for. States are never padded or truncated.
type ShapeError struct {
	Op   string
	Want int
	Got  int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("agent: %s: state length %d, want %d", e.Op, e.Got, e.Want)
}

// ActionRangeError is returned for an action outside [0, Size).
type ActionRangeError struct {
	Action int
	Size   int
}

func (e *ActionRangeError) Error() string {
	return fmt.Sprintf("action %d out of range [0,%d)", e.Action, e.Size)
}

func IsShapeError(err error) bool {
	var se *ShapeError
	return errors.As(err, &se)
}

func IsActionRangeError(err error) bool {
	var ae *ActionRangeError
	return errors.As(err, &ae)
}
