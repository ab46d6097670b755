package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mattjoyce/cbrainctl/internal/lock"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := lock.RequireLocal(path); err != nil {
		return nil, fmt.Errorf("journal: %w; set state.path or --journal to a local file", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the journal tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operation_log (
  id              TEXT PRIMARY KEY,
  operation       TEXT NOT NULL,
  subject         TEXT NOT NULL,
  ok              INTEGER NOT NULL,
  items           INTEGER NOT NULL DEFAULT 0,
  failed          INTEGER NOT NULL DEFAULT 0,
  config_checksum TEXT,
  detail          JSON,
  created_at      INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS operation_task (
  operation_id TEXT NOT NULL REFERENCES operation_log(id) ON DELETE CASCADE,
  task_id      INTEGER NOT NULL,
  new_task_id  INTEGER,
  status       TEXT,
  error        TEXT
);`,
		`CREATE INDEX IF NOT EXISTS operation_log_created_at_idx ON operation_log(created_at);`,
		`CREATE INDEX IF NOT EXISTS operation_task_operation_id_idx ON operation_task(operation_id);`,
		`CREATE INDEX IF NOT EXISTS operation_task_task_id_idx ON operation_task(task_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
