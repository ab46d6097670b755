package journal

import (
	"encoding/json"
	"strconv"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/dispatch"
	"github.com/mattjoyce/cbrainctl/internal/results"
	"github.com/mattjoyce/cbrainctl/internal/status"
)

// Submission records a single launch.
func Submission(tool string, task *cbrain.Task, err error) Entry {
	e := Entry{Operation: OpSubmit, Subject: tool, Items: 1, OK: err == nil}
	rec := TaskRecord{}
	if task != nil {
		rec.TaskID = task.ID
		rec.Status = task.Status
	}
	if err != nil {
		e.Failed = 1
		rec.Error = err.Error()
	}
	e.Tasks = []TaskRecord{rec}
	return e
}

// Batch records a batch launch.
func Batch(tool string, r *dispatch.BatchReport) Entry {
	e := Entry{Operation: OpBatch, Subject: tool, Items: len(r.Outcomes), Failed: len(r.Failed()), OK: r.OK()}
	for _, o := range r.Outcomes {
		rec := TaskRecord{}
		if o.Task != nil {
			rec.TaskID = o.Task.ID
			rec.Status = o.Task.Status
		}
		if o.Err != nil {
			rec.Error = o.Err.Error()
		}
		e.Tasks = append(e.Tasks, rec)
	}
	e.Detail = encodeDetail(map[string]any{"batch_id": r.BatchID})
	return e
}

// Single records a retry or recovery of one task.
func Single(action status.Action, taskID, newTaskID int, after string, err error) Entry {
	op := OpRetry
	if action == status.ActionRecover {
		op = OpRecover
	}
	e := Entry{Operation: op, Subject: "task " + strconv.Itoa(taskID), Items: 1, OK: err == nil}
	rec := TaskRecord{TaskID: taskID, NewTaskID: newTaskID, Status: after}
	if err != nil {
		e.Failed = 1
		rec.Error = err.Error()
	}
	e.Tasks = []TaskRecord{rec}
	return e
}

// Bulk records a retry-failed or recover-failed pass over a group.
func Bulk(r *status.Report) Entry {
	op := OpRetryFailed
	if r.Action == status.ActionRecover {
		op = OpRecoverFailed
	}
	e := Entry{
		Operation: op,
		Subject:   "group " + strconv.Itoa(r.GroupID),
		Items:     len(r.Outcomes),
		Failed:    len(r.Failed()),
		OK:        r.OK(),
		Detail:    encodeDetail(map[string]any{"filter": r.Filter, "matched": r.Matched}),
	}
	for _, o := range r.Outcomes {
		rec := TaskRecord{TaskID: o.TaskID, NewTaskID: o.NewTaskID, Status: o.After}
		if rec.Status == "" {
			rec.Status = o.Status
		}
		if o.Err != nil {
			rec.Error = o.Err.Error()
		}
		e.Tasks = append(e.Tasks, rec)
	}
	return e
}

type artifactDetail struct {
	ID        int      `json:"id"`
	Name      string   `json:"name,omitempty"`
	Written   int      `json:"written"`
	Unchanged int      `json:"unchanged"`
	Filtered  int      `json:"filtered"`
	Errors    []string `json:"errors,omitempty"`
}

// Download records a results download.
func Download(sel results.Selector, r *results.DownloadReport) Entry {
	e := Entry{Operation: OpDownload, Subject: sel.String(), Items: len(r.Artifacts), OK: r.OK()}
	details := make([]artifactDetail, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		d := artifactDetail{ID: a.ID, Name: a.Name, Written: len(a.Written), Unchanged: len(a.Unchanged), Filtered: a.Filtered}
		for _, err := range a.Errors {
			d.Errors = append(d.Errors, err.Error())
		}
		if len(a.Errors) > 0 {
			e.Failed++
		}
		details = append(details, d)
	}
	e.Detail = encodeDetail(map[string]any{"root": r.Root, "artifacts": details})
	return e
}

// Alias records an alias pass.
func Alias(rules []results.AliasRule, r *results.AliasReport) Entry {
	names := make([]string, 0, len(rules))
	for _, rule := range rules {
		names = append(names, rule.String())
	}
	var errs []string
	for _, err := range r.Errors {
		errs = append(errs, err.Error())
	}
	return Entry{
		Operation: OpAlias,
		Subject:   r.Root,
		Items:     len(r.Linked) + len(r.Copied) + len(r.Rewritten) + len(r.Skipped) + len(r.Errors),
		Failed:    len(r.Errors),
		OK:        r.OK(),
		Detail: encodeDetail(map[string]any{
			"rules":     names,
			"linked":    len(r.Linked),
			"copied":    len(r.Copied),
			"rewritten": len(r.Rewritten),
			"skipped":   len(r.Skipped),
			"errors":    errs,
		}),
	}
}

func encodeDetail(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
