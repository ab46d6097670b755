package status

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
)

// Selection names the tasks a watch follows: explicit ids, or the tasks of
// a group narrowed by batch and filter.
type Selection struct {
	IDs     []int
	Group   string
	BatchID int
	Filter  Filter
}

// Snapshot reads the current status of every selected task. Explicit ids
// are read one call each; a group is listed once. The result is ordered by
// task id. Nothing on the platform is changed.
func (e *Engine) Snapshot(ctx context.Context, sel Selection) ([]TaskStatus, error) {
	ctx = cbrain.WithOperation(ctx)
	if len(sel.IDs) > 0 {
		out := make([]TaskStatus, 0, len(sel.IDs))
		for _, id := range sel.IDs {
			st, err := e.Status(ctx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		}
		sortByID(out)
		return out, nil
	}
	if sel.Group == "" {
		return nil, errors.New("select task ids or a group")
	}

	groupID, err := e.resolveGroup(ctx, sel.Group)
	if err != nil {
		return nil, err
	}
	tasks, err := e.platform.ListTasks(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list tasks of group %d: %w", groupID, err)
	}
	var out []TaskStatus
	for _, t := range tasks {
		if sel.BatchID != 0 && t.BatchID != sel.BatchID {
			continue
		}
		if !sel.Filter.Match(t) {
			continue
		}
		out = append(out, observe(t))
	}
	sortByID(out)
	return out, nil
}

// Settled reports whether every status is terminal. An empty set is not
// settled.
func Settled(sts []TaskStatus) bool {
	if len(sts) == 0 {
		return false
	}
	for _, st := range sts {
		if !Terminal(st.Raw) {
			return false
		}
	}
	return true
}

func sortByID(sts []TaskStatus) {
	slices.SortFunc(sts, func(a, b TaskStatus) int { return cmp.Compare(a.TaskID, b.TaskID) })
}
