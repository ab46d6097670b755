// Package status reads task status from the remote platform and drives
// retry and error-recovery of failed tasks, one at a time or across a group.
//
// Status is always re-read before acting; a task value held by the caller
// is never trusted.
package status

import "strings"

// Canonical task statuses.
const (
	StatusNew        = "New"
	StatusQueued     = "Queued"
	StatusRunning    = "Running"
	StatusCompleted  = "Completed"
	StatusFailed     = "Failed"
	StatusTerminated = "Terminated"
	StatusRecovering = "Recovering"
	StatusRestarting = "Restarting"
)

// Bucket is the policy class of a status.
type Bucket int

const (
	// Unknown statuses are reported but never acted on.
	Unknown Bucket = iota
	InFlight
	Recoverable
	TerminalSuccess
)

func (b Bucket) String() string {
	switch b {
	case InFlight:
		return "in-flight"
	case Recoverable:
		return "recoverable"
	case TerminalSuccess:
		return "succeeded"
	default:
		return "unknown"
	}
}

// runningVariants are the platform's detailed names for an active task.
var runningVariants = []string{
	"setting up", "on cpu", "data ready", "post processing", "configured", "standby",
}

// Normalize folds the platform's detailed status names onto the canonical
// set: "Failed To Setup" becomes Failed, "Recover Setup" becomes
// Recovering, "Restart Cluster" becomes Restarting, "On CPU" becomes
// Running. Unrecognised text is returned trimmed and unchanged.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	switch {
	case lower == "new":
		return StatusNew
	case lower == "queued":
		return StatusQueued
	case lower == "running":
		return StatusRunning
	case lower == "completed":
		return StatusCompleted
	case lower == "terminated":
		return StatusTerminated
	case strings.HasPrefix(lower, "failed"):
		return StatusFailed
	case strings.HasPrefix(lower, "recover"):
		return StatusRecovering
	case strings.HasPrefix(lower, "restart"):
		return StatusRestarting
	}
	for _, v := range runningVariants {
		if lower == v {
			return StatusRunning
		}
	}
	return s
}

// Classify returns the bucket of a raw status.
func Classify(raw string) Bucket {
	switch Normalize(raw) {
	case StatusCompleted:
		return TerminalSuccess
	case StatusFailed, StatusTerminated:
		return Recoverable
	case StatusNew, StatusQueued, StatusRunning, StatusRecovering, StatusRestarting:
		return InFlight
	}
	return Unknown
}

// Terminal reports whether a status ends polling.
func Terminal(raw string) bool {
	b := Classify(raw)
	return b == TerminalSuccess || b == Recoverable
}
