package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/launch"
	"github.com/mattjoyce/cbrainctl/internal/log"
)

var errNoTask = errors.New("platform returned no task")

// Platform is the remote surface the client needs.
type Platform interface {
	CreateTask(ctx context.Context, nt cbrain.NewTask) ([]cbrain.Task, error)
	ListUserfiles(ctx context.Context, groupID int, fileType string) ([]cbrain.Userfile, error)
}

// Client submits launch requests.
type Client struct {
	platform Platform
	workers  int
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithWorkers bounds how many batch requests are in flight at once.
func WithWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithTimeout bounds each submission. Zero leaves only the platform
// client's own call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger replaces the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client submitting through p.
func New(p Platform, opts ...Option) *Client {
	c := &Client{
		platform: p,
		workers:  1,
		logger:   log.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Outcome is the result of one submission.
type Outcome struct {
	Request *launch.Request
	Task    *cbrain.Task
	Err     error
}

// BatchReport lists every submission of a batch in expansion order.
type BatchReport struct {
	BatchID  int
	Outcomes []Outcome
}

// Tasks returns the tasks that were created.
func (r *BatchReport) Tasks() []cbrain.Task {
	var out []cbrain.Task
	for _, o := range r.Outcomes {
		if o.Task != nil {
			out = append(out, *o.Task)
		}
	}
	return out
}

// Failed returns the outcomes that carry an error.
func (r *BatchReport) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// OK reports whether every submission succeeded.
func (r *BatchReport) OK() bool { return len(r.Failed()) == 0 }

// Submit finalizes req and creates its task with one platform call.
func (c *Client) Submit(ctx context.Context, req *launch.Request) (*cbrain.Task, error) {
	if err := req.Finalize(); err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	tasks, err := c.platform.CreateTask(ctx, req.NewTask())
	if err != nil {
		return nil, &SubmissionError{Request: req, Err: err}
	}
	if len(tasks) == 0 {
		return nil, &SubmissionError{Request: req, Err: errNoTask}
	}
	task := tasks[0]
	log.WithTask(task.ID).Info("task submitted",
		"tool", req.Tool, "tool_config_id", req.ToolConfigID, "group_id", req.GroupID, "status", task.Status)
	if len(tasks) > 1 {
		c.logger.Debug("platform split submission", "tool", req.Tool, "tasks", len(tasks))
	}
	return &task, nil
}

// SubmitBatch lists the artifacts of the spec's group, expands the template
// over them and submits each request independently. The first accepted
// submission fixes the batch id for the rest. The returned error is non-nil
// only when nothing could be attempted.
func (c *Client) SubmitBatch(ctx context.Context, spec *launch.BatchSpec) (*BatchReport, error) {
	ctx = cbrain.WithOperation(ctx)
	files, err := c.platform.ListUserfiles(ctx, spec.GroupID, spec.FileType)
	if err != nil {
		return nil, fmt.Errorf("list %s artifacts in group %d: %w", spec.FileType, spec.GroupID, err)
	}
	reqs, err := spec.Expand(files)
	if err != nil {
		return nil, fmt.Errorf("expand batch: %w", err)
	}

	report := &BatchReport{Outcomes: make([]Outcome, len(reqs))}
	c.logger.Info("submitting batch", "tool", spec.Template.Tool, "group_id", spec.GroupID, "requests", len(reqs))

	// Sequential until one submission is accepted and names the batch.
	next := 0
	for ; next < len(reqs) && report.BatchID == 0; next++ {
		task, err := c.Submit(ctx, reqs[next])
		report.Outcomes[next] = Outcome{Request: reqs[next], Task: task, Err: err}
		if err == nil {
			report.BatchID = task.BatchID
			if report.BatchID == 0 {
				report.BatchID = task.ID
			}
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(c.workers)
	for i := next; i < len(reqs); i++ {
		i := i
		reqs[i].BatchID = report.BatchID
		g.Go(func() error {
			task, err := c.Submit(ctx, reqs[i])
			report.Outcomes[i] = Outcome{Request: reqs[i], Task: task, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if failed := len(report.Failed()); failed > 0 {
		c.logger.Warn("batch submitted with failures", "batch_id", report.BatchID, "failed", failed, "total", len(reqs))
	}
	return report, nil
}
