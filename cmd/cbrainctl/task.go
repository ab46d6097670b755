package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/cbrainctl/internal/journal"
	"github.com/mattjoyce/cbrainctl/internal/launch"
	"github.com/mattjoyce/cbrainctl/internal/status"
	"github.com/mattjoyce/cbrainctl/internal/tui/watch"
)

type taskResult struct {
	TaskID    int    `json:"task_id,omitempty"`
	NewTaskID int    `json:"new_task_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Error     string `json:"error,omitempty"`
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func runTaskLaunch(args []string) int {
	var (
		g  globalFlags
		in launch.Input
	)
	fs := flag.NewFlagSet("launch", flag.ContinueOnError)
	g.register(fs)
	fs.StringVar(&in.Group, "group", "", "Group id or name")
	fs.StringVar(&in.Cluster, "cluster", "", "Cluster override")
	fs.IntVar(&in.ToolConfigID, "tool-config-id", 0, "Tool config id, bypassing cluster resolution")
	fs.IntVar(&in.BourreauID, "bourreau-id", 0, "Bourreau id for --tool-config-id")
	fs.StringVar(&in.Template, "template", "", "Output name template")
	fs.IntVar(&in.ResultsDataProviderID, "results-dp", 0, "Results data provider id")
	fs.StringVar(&in.Description, "description", "", "Task description")
	batch := fs.Bool("batch", false, "Launch one task per artifact of the group")
	fs.StringVar(&in.FileType, "file-type", "", "Artifact type a batch expands over")
	fs.StringVar(&in.BatchGroup, "batch-group", "", "Group listed for batch artifacts")
	dryRun := fs.Bool("dry-run", false, "Print the request without submitting")

	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return failf("Flag error: %v", err)
	}
	if len(positional) < 1 || in.Group == "" {
		fmt.Fprintln(os.Stderr, "Usage: cbrainctl task launch <tool> --group G [flags] key=value...")
		return 1
	}
	in.Tool = positional[0]
	in.Params = positional[1:]
	if *batch {
		in.Mode = launch.ModeBatch
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := loadApp(ctx, g)
	if err != nil {
		return failf("Load error: %v", err)
	}
	defer a.close()

	builder := launch.NewBuilder(a.registry, a.client, a.cfg.Platform.ResultsDataProviderID)
	plan, err := builder.Plan(ctx, in)
	if err != nil {
		return failf("Error: %v", err)
	}

	if *dryRun {
		if plan.Batch != nil {
			return printJSON(map[string]any{
				"group_id":   plan.Batch.GroupID,
				"file_type":  plan.Batch.FileType,
				"anchor_key": plan.Batch.AnchorKey,
				"template":   plan.Batch.Template.NewTask(),
			})
		}
		return printJSON(plan.Single.NewTask())
	}

	d := a.dispatcher()
	if plan.Single != nil {
		task, err := d.Submit(ctx, plan.Single)
		a.record(ctx, journal.Submission(in.Tool, task, err))
		if err != nil {
			return failf("Error: %v", err)
		}
		if g.jsonOut {
			return printJSON(taskResult{TaskID: task.ID, Status: task.Status})
		}
		fmt.Printf("Launched task %d (%s)\n", task.ID, task.Status)
		return 0
	}

	report, err := d.SubmitBatch(ctx, plan.Batch)
	if err != nil {
		return failf("Error: %v", err)
	}
	a.record(ctx, journal.Batch(in.Tool, report))

	results := make([]taskResult, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		r := taskResult{Error: errText(o.Err)}
		if o.Task != nil {
			r.TaskID = o.Task.ID
			r.Status = o.Task.Status
		}
		results = append(results, r)
	}
	if g.jsonOut {
		printJSON(map[string]any{"batch_id": report.BatchID, "tasks": results})
		return exitCode(report.OK())
	}
	fmt.Printf("Batch %d: %d launched, %d failed\n", report.BatchID, len(report.Tasks()), len(report.Failed()))
	for _, r := range results {
		if r.Error != "" {
			fmt.Printf("  FAILED  %s\n", r.Error)
			continue
		}
		fmt.Printf("  task %d (%s)\n", r.TaskID, r.Status)
	}
	return exitCode(report.OK())
}

func parseTaskIDs(positional []string) ([]int, error) {
	if len(positional) == 0 {
		return nil, errors.New("at least one task id is required")
	}
	ids := make([]int, 0, len(positional))
	for _, p := range positional {
		id, err := strconv.Atoi(p)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid task id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runTaskStatus(args []string) int {
	var g globalFlags
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	g.register(fs)
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return failf("Flag error: %v", err)
	}
	ids, err := parseTaskIDs(positional)
	if err != nil {
		return failf("Usage: cbrainctl task status <id>... (%v)", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := loadApp(ctx, g)
	if err != nil {
		return failf("Load error: %v", err)
	}
	defer a.close()

	engine := a.engine()
	ok := true
	var out []taskResult
	for _, id := range ids {
		st, err := engine.Status(ctx, id)
		if err != nil {
			ok = false
			out = append(out, taskResult{TaskID: id, Error: err.Error()})
			continue
		}
		out = append(out, taskResult{TaskID: id, Status: st.Raw, Bucket: st.Bucket.String()})
	}

	if g.jsonOut {
		printJSON(out)
		return exitCode(ok)
	}
	for _, r := range out {
		if r.Error != "" {
			fmt.Printf("%-8d ERROR  %s\n", r.TaskID, r.Error)
			continue
		}
		fmt.Printf("%-8d %-24s %s\n", r.TaskID, r.Status, r.Bucket)
	}
	return exitCode(ok)
}

func runTaskWait(args []string) int {
	var g globalFlags
	fs := flag.NewFlagSet("wait", flag.ContinueOnError)
	g.register(fs)
	interval := fs.Duration("interval", status.DefaultPollInterval, "Polling interval")
	timeout := fs.Duration("timeout", 0, "Give up after this long (0 waits indefinitely)")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return failf("Flag error: %v", err)
	}
	ids, err := parseTaskIDs(positional)
	if err != nil || len(ids) != 1 {
		return failf("Usage: cbrainctl task wait <id> [--interval D] [--timeout D]")
	}

	ctx, cancel := signalContext()
	defer cancel()
	if *timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, *timeout)
		defer cancelTimeout()
	}
	a, err := loadApp(ctx, g)
	if err != nil {
		return failf("Load error: %v", err)
	}
	defer a.close()

	started := time.Now()
	st, err := a.engine().Wait(ctx, ids[0], *interval)
	if err != nil {
		return failf("Error: %v", err)
	}
	if g.jsonOut {
		printJSON(taskResult{TaskID: st.TaskID, Status: st.Raw, Bucket: st.Bucket.String()})
	} else {
		fmt.Printf("Task %d finished as %s after %s\n", st.TaskID, st.Raw, time.Since(started).Round(time.Second))
	}
	return exitCode(st.Bucket == status.TerminalSuccess)
}

func runTaskRetry(args []string) int {
	return runTaskSingle(args, status.ActionRetry)
}

func runTaskRecover(args []string) int {
	return runTaskSingle(args, status.ActionRecover)
}

func runTaskSingle(args []string, action status.Action) int {
	var g globalFlags
	fs := flag.NewFlagSet(string(action), flag.ContinueOnError)
	g.register(fs)
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return failf("Flag error: %v", err)
	}
	ids, err := parseTaskIDs(positional)
	if err != nil {
		return failf("Usage: cbrainctl task %s <id>... (%v)", action, err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := loadApp(ctx, g)
	if err != nil {
		return failf("Load error: %v", err)
	}
	defer a.close()

	engine := a.engine()
	ok := true
	var out []taskResult
	for _, id := range ids {
		r := taskResult{TaskID: id}
		switch action {
		case status.ActionRetry:
			task, err := engine.Retry(ctx, id)
			if err == nil {
				r.NewTaskID = task.ID
				r.Status = task.Status
			}
			r.Error = errText(err)
		default:
			st, err := engine.ErrorRecover(ctx, id)
			r.Status = st.Raw
			r.Error = errText(err)
		}
		var failure error
		if r.Error != "" {
			ok = false
			failure = errors.New(r.Error)
		}
		a.record(ctx, journal.Single(action, id, r.NewTaskID, r.Status, failure))
		out = append(out, r)
	}

	if g.jsonOut {
		printJSON(out)
		return exitCode(ok)
	}
	for _, r := range out {
		switch {
		case r.Error != "":
			fmt.Printf("%-8d FAILED  %s\n", r.TaskID, r.Error)
		case r.NewTaskID != 0:
			fmt.Printf("%-8d retried as %d (%s)\n", r.TaskID, r.NewTaskID, r.Status)
		default:
			fmt.Printf("%-8d recovery requested (%s)\n", r.TaskID, r.Status)
		}
	}
	return exitCode(ok)
}

type bulkAction int

const (
	bulkRetry bulkAction = iota
	bulkRecover
)

func runTaskBulk(args []string, which bulkAction) int {
	var g globalFlags
	fs := flag.NewFlagSet("bulk", flag.ContinueOnError)
	g.register(fs)
	group := fs.String("group", "", "Group id or name")
	filter := fs.String("filter", "", "Tool name, task type or tool config id")
	if err := fs.Parse(args); err != nil {
		return failf("Flag error: %v", err)
	}
	if *group == "" || fs.NArg() > 0 {
		return failf("Usage: cbrainctl task retry-failed|recover-failed --group G [--filter F]")
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := loadApp(ctx, g)
	if err != nil {
		return failf("Load error: %v", err)
	}
	defer a.close()

	engine := a.engine()
	var report *status.Report
	if which == bulkRetry {
		report, err = engine.RetryFailed(ctx, *group, status.ParseFilter(*filter))
	} else {
		report, err = engine.ErrorRecoverFailed(ctx, *group, status.ParseFilter(*filter))
	}
	if err != nil {
		return failf("Error: %v", err)
	}
	a.record(ctx, journal.Bulk(report))

	out := make([]taskResult, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		st := o.After
		if st == "" {
			st = o.Status
		}
		out = append(out, taskResult{TaskID: o.TaskID, NewTaskID: o.NewTaskID, Status: st, Error: errText(o.Err)})
	}
	if g.jsonOut {
		printJSON(map[string]any{
			"action":   report.Action,
			"group_id": report.GroupID,
			"matched":  report.Matched,
			"tasks":    out,
		})
		return exitCode(report.OK())
	}

	fmt.Printf("%s: group %d, %d matched, %d acted on, %d succeeded\n",
		report.Action, report.GroupID, report.Matched, len(report.Outcomes), report.Succeeded())
	for _, r := range out {
		switch {
		case r.Error != "":
			fmt.Printf("  %-8d FAILED  %s\n", r.TaskID, r.Error)
		case r.NewTaskID != 0:
			fmt.Printf("  %-8d retried as %d\n", r.TaskID, r.NewTaskID)
		default:
			fmt.Printf("  %-8d %s\n", r.TaskID, r.Status)
		}
	}
	return exitCode(report.OK())
}

func runTaskWatch(args []string) int {
	var g globalFlags
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	g.register(fs)
	group := fs.String("group", "", "Group id or name")
	batch := fs.Int("batch", 0, "Batch id (needs --group)")
	filter := fs.String("filter", "", "Tool name, task type or tool config id")
	interval := fs.Duration("interval", status.DefaultPollInterval, "Time between refreshes")
	exitWhenDone := fs.Bool("exit-when-done", false, "Quit once every task has finished")
	once := fs.Bool("once", false, "Print one snapshot and exit")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return failf("Flag error: %v", err)
	}

	sel := status.Selection{Group: *group, BatchID: *batch, Filter: status.ParseFilter(*filter)}
	if len(positional) > 0 {
		if sel.IDs, err = parseTaskIDs(positional); err != nil {
			return failf("Usage: cbrainctl task watch <id>... (%v)", err)
		}
	}
	if (len(sel.IDs) == 0) == (sel.Group == "") || (sel.BatchID != 0 && sel.Group == "") {
		return failf("Usage: cbrainctl task watch (<id>... | --group G [--batch N] [--filter F])")
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := loadApp(ctx, g)
	if err != nil {
		return failf("Load error: %v", err)
	}
	defer a.close()

	engine := a.engine()
	fetch := func(ctx context.Context) ([]status.TaskStatus, error) {
		return engine.Snapshot(ctx, sel)
	}

	if *once || g.jsonOut {
		sts, err := fetch(ctx)
		if err != nil {
			return failf("Error: %v", err)
		}
		out := make([]taskResult, 0, len(sts))
		for _, st := range sts {
			out = append(out, taskResult{TaskID: st.TaskID, Status: st.Raw, Bucket: st.Bucket.String()})
		}
		if g.jsonOut {
			printJSON(out)
			return 0
		}
		for _, r := range out {
			fmt.Printf("%-8d %-24s %s\n", r.TaskID, r.Status, r.Bucket)
		}
		return 0
	}

	opts := []watch.Option{watch.WithInterval(*interval)}
	if *exitWhenDone {
		opts = append(opts, watch.ExitWhenSettled())
	}
	m := watch.New(ctx, watchTitle(sel), fetch, opts...)
	final, err := tea.NewProgram(m, tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() == nil {
		return failf("TUI error: %v", err)
	}
	if fm, ok := final.(watch.Model); ok && *exitWhenDone && fm.Settled() {
		for _, st := range fm.Tasks() {
			if st.Bucket != status.TerminalSuccess {
				return 1
			}
		}
	}
	return 0
}

func watchTitle(sel status.Selection) string {
	switch {
	case len(sel.IDs) == 1:
		return fmt.Sprintf("task %d", sel.IDs[0])
	case len(sel.IDs) > 1:
		return fmt.Sprintf("%d tasks", len(sel.IDs))
	case sel.BatchID != 0:
		return fmt.Sprintf("group %s, batch %d", sel.Group, sel.BatchID)
	default:
		return "group " + sel.Group
	}
}
