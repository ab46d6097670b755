package profile

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is matched by every resolver failure.
	ErrConfiguration = errors.New("configuration error")
	// ErrUnknownTool reports a tool name with no profile.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrUnknownCluster reports a cluster override absent from the tool's profile.
	ErrUnknownCluster = errors.New("unknown cluster")
)

// ConfigurationError describes a failed tool/cluster lookup or an invalid profile.
type ConfigurationError struct {
	Tool    string
	Cluster string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Cluster != "" {
		return fmt.Sprintf("tool %q cluster %q: %v", e.Tool, e.Cluster, e.Err)
	}
	return fmt.Sprintf("tool %q: %v", e.Tool, e.Err)
}

func (e *ConfigurationError) Unwrap() []error {
	return []error{ErrConfiguration, e.Err}
}
