package status

import (
	"context"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/launch"
)

//go:generate mockgen -destination=mocks/mock_platform.go -package=mocks github.com/mattjoyce/cbrainctl/internal/status Platform,Submitter

// Platform defines the remote task operations used by the engine.
type Platform interface {
	GetTask(ctx context.Context, id int) (*cbrain.Task, error)
	ListTasks(ctx context.Context, groupID int) ([]cbrain.Task, error)
	TaskOperation(ctx context.Context, operation string, ids ...int) error
	ResolveGroup(ctx context.Context, name string) (int, error)
}

// Submitter creates a task from a launch request.
type Submitter interface {
	Submit(ctx context.Context, req *launch.Request) (*cbrain.Task, error)
}
