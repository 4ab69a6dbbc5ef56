package emulator

import (
	"errors"
	"fmt"
	"time"
)

// ErrRunInProgress is wrapped by the PreconditionError returned when an
// action is requested while another run holds the device.
var ErrRunInProgress = errors.New("a workflow run is already in progress")

// PreconditionError reports an action invoked without what it needs,
// such as an install with no package source. It is not retried.
type PreconditionError struct {
	Step   string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	if e.Step == "" {
		return "precondition failed: " + e.Reason
	}
	return fmt.Sprintf("precondition failed at %s: %s", e.Step, e.Reason)
}

// Unwrap returns the underlying error, if any.
func (e *PreconditionError) Unwrap() error { return e.Err }

// TimeoutError reports a run that exceeded its deadline. Any live
// recording has been killed by the time it is returned.
type TimeoutError struct {
	Action string
	After  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Action, e.After)
}
