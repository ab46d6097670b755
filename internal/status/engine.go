package status

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/launch"
	"github.com/mattjoyce/cbrainctl/internal/log"
	"github.com/mattjoyce/cbrainctl/internal/profile"
)

// Action names an operation on a failed task.
type Action string

const (
	ActionRetry   Action = "retry"
	ActionRecover Action = "error-recover"
)

// DefaultPollInterval is used by Wait when no interval is given.
const DefaultPollInterval = 30 * time.Second

// TaskStatus is one observation of a task.
type TaskStatus struct {
	TaskID int
	// Raw is the status text as the platform reported it.
	Raw    string
	Status string
	Bucket Bucket
	Task   cbrain.Task
}

func observe(t cbrain.Task) TaskStatus {
	return TaskStatus{
		TaskID: t.ID,
		Raw:    t.Status,
		Status: Normalize(t.Status),
		Bucket: Classify(t.Status),
		Task:   t,
	}
}

// Outcome is the result of acting on one task in a bulk operation.
type Outcome struct {
	TaskID int
	Type   string
	// Status is the status observed before acting.
	Status string
	// NewTaskID is the task created by a retry.
	NewTaskID int
	// After is the status observed after an error-recover.
	After string
	Err   error
}

// Report summarises a bulk operation.
type Report struct {
	Action  Action
	GroupID int
	Filter  string
	// Matched counts tasks the filter selected, whatever their status.
	Matched  int
	Outcomes []Outcome
}

// Succeeded counts outcomes without an error.
func (r *Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns outcomes carrying an error.
func (r *Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// OK reports whether every acted-on task succeeded.
func (r *Report) OK() bool { return len(r.Failed()) == 0 }

// Engine reads task status and drives retry and recovery.
type Engine struct {
	platform  Platform
	submitter Submitter
	registry  *profile.Registry
	workers   int
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry lets retries recover the tool name and file parameters of a
// task from its tool config id.
func WithRegistry(r *profile.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithWorkers bounds how many tasks a bulk operation acts on at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger replaces the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine returns an engine reading through p and relaunching through s.
func NewEngine(p Platform, s Submitter, opts ...Option) *Engine {
	e := &Engine{
		platform:  p,
		submitter: s,
		workers:   1,
		logger:    log.WithComponent("status"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status reads a task's current status with one platform call.
func (e *Engine) Status(ctx context.Context, id int) (TaskStatus, error) {
	t, err := e.platform.GetTask(ctx, id)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("read task %d: %w", id, err)
	}
	return observe(*t), nil
}

// Retry relaunches a failed or terminated task as a new task with the same
// inputs and parameters. It returns the new task.
func (e *Engine) Retry(ctx context.Context, id int) (*cbrain.Task, error) {
	ctx = cbrain.WithOperation(ctx)
	st, err := e.actionable(ctx, id, ActionRetry)
	if err != nil {
		return nil, err
	}

	tool, fileParams := e.describe(st.Task)
	req, err := launch.FromTask(st.Task, tool, fileParams)
	if err != nil {
		return nil, fmt.Errorf("rebuild task %d: %w", id, err)
	}
	task, err := e.submitter.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("retry task %d: %w", id, err)
	}
	log.WithTask(id).Info("task retried", "new_task_id", task.ID, "status", st.Raw)
	return task, nil
}

// ErrorRecover asks the platform to run its own recovery of a failed or
// terminated task. It returns the status read after the request.
func (e *Engine) ErrorRecover(ctx context.Context, id int) (TaskStatus, error) {
	ctx = cbrain.WithOperation(ctx)
	st, err := e.actionable(ctx, id, ActionRecover)
	if err != nil {
		return TaskStatus{}, err
	}
	op := recoveryOperation(st.Raw)
	if err := e.platform.TaskOperation(ctx, op, id); err != nil {
		return TaskStatus{}, fmt.Errorf("recover task %d: %w", id, err)
	}
	log.WithTask(id).Info("task recovery requested", "status", st.Raw, "operation", op)
	return e.Status(ctx, id)
}

// recoveryOperation picks the platform operation for a recoverable status.
// The platform's recover handles failed stages only; a terminated task is
// restarted from its setup stage.
func recoveryOperation(raw string) string {
	if Normalize(raw) == StatusTerminated {
		return cbrain.OperationRestartSetup
	}
	return cbrain.OperationRecover
}

// RetryFailed retries every recoverable task of a group that filter
// selects. Each task is handled independently.
func (e *Engine) RetryFailed(ctx context.Context, groupRef string, filter Filter) (*Report, error) {
	return e.bulk(ctx, ActionRetry, groupRef, filter, func(ctx context.Context, o *Outcome) {
		task, err := e.Retry(ctx, o.TaskID)
		if err != nil {
			o.Err = err
			return
		}
		o.NewTaskID = task.ID
	})
}

// ErrorRecoverFailed requests platform recovery of every recoverable task of
// a group that filter selects. Each task is handled independently.
func (e *Engine) ErrorRecoverFailed(ctx context.Context, groupRef string, filter Filter) (*Report, error) {
	return e.bulk(ctx, ActionRecover, groupRef, filter, func(ctx context.Context, o *Outcome) {
		st, err := e.ErrorRecover(ctx, o.TaskID)
		if err != nil {
			o.Err = err
			return
		}
		o.After = st.Raw
	})
}

// Wait polls a task until it reaches a terminal status or ctx ends. It
// never changes remote state.
func (e *Engine) Wait(ctx context.Context, id int, interval time.Duration) (TaskStatus, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := e.Status(ctx, id)
		if err != nil {
			return TaskStatus{}, err
		}
		if Terminal(st.Raw) {
			return st, nil
		}
		log.WithTask(id).Debug("waiting for task", "status", st.Raw)

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// actionable re-reads a task and checks that it may be retried or recovered.
func (e *Engine) actionable(ctx context.Context, id int, action Action) (TaskStatus, error) {
	st, err := e.Status(ctx, id)
	if err != nil {
		return TaskStatus{}, err
	}
	if st.Bucket != Recoverable {
		return st, &InvalidTransitionError{TaskID: id, Action: action, Status: st.Raw}
	}
	return st, nil
}

func (e *Engine) describe(t cbrain.Task) (string, []string) {
	if e.registry == nil {
		return "", nil
	}
	p, ok := e.registry.ByToolConfig(t.ToolConfigID)
	if !ok {
		return "", nil
	}
	return p.Name, p.FileParams
}

func (e *Engine) bulk(ctx context.Context, action Action, groupRef string, filter Filter, act func(context.Context, *Outcome)) (*Report, error) {
	ctx = cbrain.WithOperation(ctx)
	groupID, err := e.resolveGroup(ctx, groupRef)
	if err != nil {
		return nil, err
	}
	tasks, err := e.platform.ListTasks(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list tasks of group %d: %w", groupID, err)
	}

	report := &Report{Action: action, GroupID: groupID, Filter: filter.String()}
	for _, t := range tasks {
		if !filter.Match(t) {
			continue
		}
		report.Matched++
		if Classify(t.Status) != Recoverable {
			continue
		}
		report.Outcomes = append(report.Outcomes, Outcome{TaskID: t.ID, Type: t.Type, Status: t.Status})
	}

	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for i := range report.Outcomes {
		i := i
		g.Go(func() error {
			act(ctx, &report.Outcomes[i])
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("bulk operation finished",
		"action", string(action), "group_id", groupID, "filter", filter.String(),
		"matched", report.Matched, "acted", len(report.Outcomes), "failed", len(report.Failed()))
	return report, nil
}

func (e *Engine) resolveGroup(ctx context.Context, ref string) (int, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.Atoi(ref); err == nil {
		return id, nil
	}
	if ref == "" {
		return 0, fmt.Errorf("group is required")
	}
	id, err := e.platform.ResolveGroup(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("resolve group %q: %w", ref, err)
	}
	return id, nil
}
