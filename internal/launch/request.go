package launch

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/params"
)

// DefaultOutputParam receives the expanded output template when the tool
// profile names no output parameter.
const DefaultOutputParam = "output_dir_name"

// Request is one task launch. It may be changed until Finalize; after that
// every mutator fails with ErrFrozen and Clone gives an unfrozen copy.
type Request struct {
	Tool                  string
	TaskType              string
	Cluster               string
	ToolConfigID          int
	BourreauID            int
	GroupID               int
	Params                *params.Map
	ResultsDataProviderID int
	OutputTemplate        string
	OutputParam           string
	Description           string
	// BatchID links the task to sibling tasks of one batch. 0 lets the
	// platform assign one.
	BatchID int

	fileParams []string
	names      map[int]string
	frozen     bool
}

// FileParams lists the parameter keys holding artifact ids.
func (r *Request) FileParams() []string {
	return slices.Clone(r.fileParams)
}

// Set stores a parameter, keeping interface_userfile_ids in step when key
// is a file parameter.
func (r *Request) Set(key string, v params.Value) error {
	if r.frozen {
		return fmt.Errorf("set %q: %w", key, ErrFrozen)
	}
	r.Params.Set(key, v)
	if slices.Contains(r.fileParams, key) {
		r.syncUserfileIDs()
	}
	return nil
}

// Validate checks that every artifact referenced by a file parameter is also
// listed in interface_userfile_ids, since the platform mounts only those.
func (r *Request) Validate() error {
	listed := make(map[int]bool)
	for _, id := range r.Params.IDs(params.UserfileIDsKey) {
		listed[id] = true
	}
	for _, key := range r.fileParams {
		for _, id := range r.Params.IDs(key) {
			if !listed[id] {
				return &RequestBuildError{Tool: r.Tool, Ref: key, Err: fmt.Errorf("artifact %d is not listed in %s", id, params.UserfileIDsKey)}
			}
		}
	}
	if r.ToolConfigID <= 0 {
		return &RequestBuildError{Tool: r.Tool, Err: fmt.Errorf("tool config id is not set")}
	}
	if r.GroupID <= 0 {
		return &RequestBuildError{Tool: r.Tool, Err: fmt.Errorf("group id is not set")}
	}
	return nil
}

// Finalize merges every file parameter id into interface_userfile_ids,
// renders the output template and freezes the request. Finalizing a frozen
// request only re-validates it.
func (r *Request) Finalize() error {
	if !r.frozen {
		r.syncUserfileIDs()
		r.renderOutput()
	}
	if err := r.Validate(); err != nil {
		return err
	}
	r.frozen = true
	return nil
}

// Frozen reports whether Finalize has run.
func (r *Request) Frozen() bool { return r.frozen }

// Clone returns an unsealed deep copy.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Params = r.Params.Clone()
	cp.fileParams = slices.Clone(r.fileParams)
	cp.names = maps.Clone(r.names)
	cp.frozen = false
	return &cp
}

// NewTask renders the platform payload.
func (r *Request) NewTask() cbrain.NewTask {
	return cbrain.NewTask{
		Type:                  r.TaskType,
		ToolConfigID:          r.ToolConfigID,
		BourreauID:            r.BourreauID,
		GroupID:               r.GroupID,
		ResultsDataProviderID: r.ResultsDataProviderID,
		BatchID:               r.BatchID,
		Description:           r.Description,
		Params:                r.Params.Clone(),
	}
}

func (r *Request) syncUserfileIDs() {
	var ids []int
	for _, key := range r.fileParams {
		ids = append(ids, r.Params.IDs(key)...)
	}
	if len(ids) > 0 || r.Params.Has(params.UserfileIDsKey) {
		r.Params.AddIDs(params.UserfileIDsKey, ids...)
	}
}

// renderOutput expands the output template into the output parameter.
func (r *Request) renderOutput() {
	if r.OutputTemplate == "" {
		return
	}
	key := r.OutputParam
	if key == "" {
		key = DefaultOutputParam
	}
	text := params.ExpandTemplate(r.OutputTemplate, params.MapLookup(r.Params, r.fileParams, r.names))
	r.Params.Set(key, params.String(text))
}

// internalParamPrefix marks parameters the platform adds to a task record.
const internalParamPrefix = "_cbrain"

// FromTask rebuilds a launch from a task record: same type, tool config,
// bourreau, group, parameters and results data provider. The batch id is
// not carried over, so the platform links the new task to a batch of its
// own. Parameters the platform added are dropped.
func FromTask(task cbrain.Task, tool string, fileParams []string) (*Request, error) {
	m := params.FromJSONObject(task.Params)
	for _, key := range m.Keys() {
		if strings.HasPrefix(key, internalParamPrefix) {
			m.Delete(key)
		}
	}
	if tool == "" {
		tool = task.Type
	}
	req := &Request{
		Tool:                  tool,
		TaskType:              task.Type,
		ToolConfigID:          task.ToolConfigID,
		BourreauID:            task.BourreauID,
		GroupID:               task.GroupID,
		Params:                m,
		ResultsDataProviderID: task.ResultsDataProviderID,
		Description:           fmt.Sprintf("retry of task %d", task.ID),
		fileParams:            slices.Clone(fileParams),
		names:                 make(map[int]string),
	}
	if err := req.Finalize(); err != nil {
		return nil, err
	}
	return req, nil
}
