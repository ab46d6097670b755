package status

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is matched by every InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError reports a retry or recovery of a task that is not
// in a recoverable state.
type InvalidTransitionError struct {
	TaskID int
	Action Action
	Status string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s task %d: status %q is %s", e.Action, e.TaskID, e.Status, Classify(e.Status))
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
