package launch

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestBuild is matched by every builder failure.
	ErrRequestBuild = errors.New("request build error")
	// ErrGroupNotFound reports a group name the directory cannot resolve.
	ErrGroupNotFound = errors.New("group not found")
	// ErrArtifactNotFound reports an artifact name the directory cannot resolve.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrMissingRequiredParameter reports an absent mandatory key.
	ErrMissingRequiredParameter = errors.New("missing required parameter")
	// ErrMalformedParameter reports a parameter argument that cannot be parsed.
	ErrMalformedParameter = errors.New("malformed parameter")
	// ErrFrozen reports a mutation of a finalized request.
	ErrFrozen = errors.New("request is frozen")
)

// RequestBuildError carries the tool and the offending reference (group,
// parameter key, or artifact name).
type RequestBuildError struct {
	Tool string
	Ref  string
	Err  error
}

func (e *RequestBuildError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("build %s launch: %s: %v", e.Tool, e.Ref, e.Err)
	}
	return fmt.Sprintf("build %s launch: %v", e.Tool, e.Err)
}

func (e *RequestBuildError) Unwrap() []error {
	return []error{ErrRequestBuild, e.Err}
}
