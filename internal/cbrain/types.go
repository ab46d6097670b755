package cbrain

import (
	"time"

	"github.com/mattjoyce/cbrainctl/internal/params"
)

// Task is a remote compute task as reported by the platform. A held Task is a
// snapshot; re-read it before deciding anything on its status.
type Task struct {
	ID                    int            `json:"id"`
	Type                  string         `json:"type"`
	Status                string         `json:"status"`
	Description           string         `json:"description,omitempty"`
	GroupID               int            `json:"group_id"`
	BourreauID            int            `json:"bourreau_id"`
	ToolConfigID          int            `json:"tool_config_id"`
	BatchID               int            `json:"batch_id,omitempty"`
	ResultsDataProviderID int            `json:"results_data_provider_id,omitempty"`
	Params                map[string]any `json:"params,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// Userfile is a registered artifact: a single file or a collection.
type Userfile struct {
	ID             int       `json:"id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	GroupID        int       `json:"group_id"`
	DataProviderID int       `json:"data_provider_id"`
	Size           int64     `json:"size"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Group is a project-like access container.
type Group struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// FileEntry is one file inside a userfile collection. Path is relative to the
// collection root and uses forward slashes. A zero ModTime means the platform
// did not report one.
type FileEntry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	IsDir   bool      `json:"is_dir,omitempty"`
}

// NewTask is the body of a task creation request.
type NewTask struct {
	Type                  string      `json:"type"`
	ToolConfigID          int         `json:"tool_config_id"`
	BourreauID            int         `json:"bourreau_id"`
	GroupID               int         `json:"group_id"`
	ResultsDataProviderID int         `json:"results_data_provider_id,omitempty"`
	BatchID               int         `json:"batch_id,omitempty"`
	Description           string      `json:"description,omitempty"`
	Params                *params.Map `json:"params"`
}

// Task operations understood by POST /tasks/operation.
const (
	OperationRecover      = "recover"
	OperationRestartSetup = "restart_setup"
)
