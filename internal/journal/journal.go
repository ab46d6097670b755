// Package journal keeps a local record of every operation cbrainctl ran and
// how each item fared. The platform stays the source of truth for task
// state; the journal is never consulted when deciding what to do.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no entry has the requested id.
var ErrNotFound = errors.New("journal entry not found")

// Operation names a recorded command.
type Operation string

const (
	OpSubmit        Operation = "submit"
	OpBatch         Operation = "batch"
	OpRetry         Operation = "retry"
	OpRecover       Operation = "error-recover"
	OpRetryFailed   Operation = "retry-failed"
	OpRecoverFailed Operation = "error-recover-failed"
	OpDownload      Operation = "download"
	OpAlias         Operation = "alias"
)

// TaskRecord is one task touched by an operation. TaskID is 0 for a
// submission that never produced a task.
type TaskRecord struct {
	TaskID    int    `json:"task_id"`
	NewTaskID int    `json:"new_task_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Entry is one recorded operation.
type Entry struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	// Subject is what the operation ran against, such as a tool or a root.
	Subject        string          `json:"subject"`
	OK             bool            `json:"ok"`
	Items          int             `json:"items"`
	Failed         int             `json:"failed"`
	ConfigChecksum string          `json:"config_checksum,omitempty"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	Tasks          []TaskRecord    `json:"tasks,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Journal stores entries in SQLite.
type Journal struct {
	db       *sql.DB
	checksum string
	now      func() time.Time
}

// Option configures a Journal.
type Option func(*Journal)

// WithChecksum stamps every entry with the digest of the configuration in
// use.
func WithChecksum(sum string) Option {
	return func(j *Journal) { j.checksum = sum }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// New returns a journal over a database bootstrapped by storage.OpenSQLite.
func New(db *sql.DB, opts ...Option) *Journal {
	j := &Journal{db: db, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Record stores e and returns its id. Entries are stamped in unix
// nanoseconds so ordering does not depend on timestamp formatting.
func (j *Journal) Record(ctx context.Context, e Entry) (string, error) {
	if e.Operation == "" {
		return "", fmt.Errorf("operation is empty")
	}
	id := uuid.NewString()
	created := j.now().UnixNano()
	checksum := e.ConfigChecksum
	if checksum == "" {
		checksum = j.checksum
	}
	var detail any
	if len(e.Detail) > 0 {
		detail = string(e.Detail)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin journal entry: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO operation_log(id, operation, subject, ok, items, failed, config_checksum, detail, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, string(e.Operation), e.Subject, e.OK, e.Items, e.Failed, nullString(checksum), detail, created)
	if err != nil {
		return "", fmt.Errorf("record operation: %w", err)
	}

	for _, t := range e.Tasks {
		_, err := tx.ExecContext(ctx, `
INSERT INTO operation_task(operation_id, task_id, new_task_id, status, error)
VALUES(?, ?, ?, ?, ?);
`, id, t.TaskID, nullInt(t.NewTaskID), nullString(t.Status), nullString(t.Error))
		if err != nil {
			return "", fmt.Errorf("record task %d: %w", t.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit journal entry: %w", err)
	}
	return id, nil
}

// List returns up to limit entries, newest first. A limit of 0 or less
// returns every entry.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, operation, subject, ok, items, failed, config_checksum, detail, created_at
FROM operation_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}

	for i := range out {
		tasks, err := j.tasks(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Tasks = tasks
	}
	return out, nil
}

// Get returns one entry with its tasks.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, operation, subject, ok, items, failed, config_checksum, detail, created_at
FROM operation_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if e.Tasks, err = j.tasks(ctx, id); err != nil {
		return nil, err
	}
	return &e, nil
}

// ForTask returns the ids of entries that touched taskID, newest first,
// either as the task acted on or as the task an operation created.
func (j *Journal) ForTask(ctx context.Context, taskID int) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT DISTINCT l.id, l.created_at
FROM operation_log l
JOIN operation_task t ON t.operation_id = l.id
WHERE t.task_id = ? OR t.new_task_id = ?
ORDER BY l.created_at DESC;
`, taskID, taskID)
	if err != nil {
		return nil, fmt.Errorf("operations for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var (
			id      string
			created int64
		)
		if err := rows.Scan(&id, &created); err != nil {
			return nil, fmt.Errorf("scan operation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (j *Journal) tasks(ctx context.Context, id string) ([]TaskRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT task_id, new_task_id, status, error
FROM operation_task
WHERE operation_id = ?
ORDER BY rowid ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", id, err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			t         TaskRecord
			newTaskID sql.NullInt64
			status    sql.NullString
			errText   sql.NullString
		)
		if err := rows.Scan(&t.TaskID, &newTaskID, &status, &errText); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		t.NewTaskID = int(newTaskID.Int64)
		t.Status = status.String
		t.Error = errText.String
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e        Entry
		op       string
		checksum sql.NullString
		detail   sql.NullString
		created  int64
	)
	if err := s.Scan(&e.ID, &op, &e.Subject, &e.OK, &e.Items, &e.Failed, &checksum, &detail, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan operation: %w", err)
	}
	e.Operation = Operation(op)
	e.ConfigChecksum = checksum.String
	if detail.Valid {
		e.Detail = json.RawMessage(detail.String)
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
