package dispatch

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/cbrainctl/internal/launch"
)

// ErrSubmission is matched by every SubmissionError.
var ErrSubmission = errors.New("submission failed")

// SubmissionError reports a request the platform did not accept. The request
// is kept so the caller can resubmit a clone of it.
type SubmissionError struct {
	Request *launch.Request
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s (tool_config_id %d) to group %d: %v",
		e.Request.Tool, e.Request.ToolConfigID, e.Request.GroupID, e.Err)
}

func (e *SubmissionError) Unwrap() []error {
	return []error{ErrSubmission, e.Err}
}
