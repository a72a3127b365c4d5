package convert

import (
	"errors"
	"fmt"
)

// Terminal outcomes with fixed user-facing text. These strings surface
// verbatim in results and in the stored failure reason of a job.
var (
	// ErrCancelled is the outcome of a conversion stopped by the caller.
	ErrCancelled = errors.New("Conversion cancelled")

	// ErrTimeout is the outcome of a conversion whose polling budget ran
	// out before the backend reached a terminal status.
	ErrTimeout = errors.New("Conversion timeout. Please try again.")
)

// CancelledReason is the result text stored on a job record that was
// cancelled before it could complete or fail.
const CancelledReason = "Cancelled by user"

// TransitionError reports a lifecycle operation invoked from a state that
// forbids it. The strict transitions (complete, failed) surface it loudly
// because a double completion indicates a driver bug.
type TransitionError struct {
	Op    string
	State Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s job in state %q", e.Op, e.State)
}
