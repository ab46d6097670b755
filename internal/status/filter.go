package status

import (
	"strconv"
	"strings"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
)

// Filter selects tasks by type or tool config id.
//
// A numeric filter matches tool_config_id exactly. Any other filter is a
// case-insensitive prefix of the task type, or of the part after its last
// "::" so that "hipp" selects "BoutiquesTask::Hippunfold". The empty filter
// matches every task.
type Filter struct {
	raw          string
	prefix       string
	toolConfigID int
	byID         bool
}

// ParseFilter builds a filter from user text.
func ParseFilter(s string) Filter {
	s = strings.TrimSpace(s)
	f := Filter{raw: s, prefix: strings.ToLower(s)}
	if n, err := strconv.Atoi(s); err == nil {
		f.toolConfigID = n
		f.byID = true
	}
	return f
}

func (f Filter) String() string { return f.raw }

// Match reports whether t is selected.
func (f Filter) Match(t cbrain.Task) bool {
	if f.raw == "" {
		return true
	}
	if f.byID {
		return t.ToolConfigID == f.toolConfigID
	}
	typ := strings.ToLower(t.Type)
	if strings.HasPrefix(typ, f.prefix) {
		return true
	}
	if i := strings.LastIndex(typ, "::"); i >= 0 {
		return strings.HasPrefix(typ[i+2:], f.prefix)
	}
	return false
}
