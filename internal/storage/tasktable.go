package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shohag/statusmirror/internal/models"
)

// Handoff is a prepared media file offered to the downstream story publisher.
type Handoff struct {
	UpstreamTaskID string
	MediaKind      models.MediaKind
	Caption        string
	SourcePath     string
	PreparedPath   string
}

// TaskTable is a schema shared with an external publisher. We only ever add to it.
type TaskTable interface {
	UpsertPrepared(ctx context.Context, h Handoff) error
	Migrate(ctx context.Context) error
	Close() error
}

type SQLiteTaskTable struct {
	db     *sql.DB
	target string
}

func NewSQLiteTaskTable(path, target string) (*SQLiteTaskTable, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteTaskTable{db: db, target: target}, nil
}

// Migrate creates the shared tables when missing. The external publisher may
// have created them first, so goose versioning is not used here and nothing
// is ever altered or dropped.
func (t *SQLiteTaskTable) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER,
			tg_message_id INTEGER,
			media_type TEXT,
			file_id TEXT,
			caption TEXT,
			src_path TEXT,
			prepared_path TEXT,
			status TEXT,
			created_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER,
			target TEXT,
			status TEXT,
			external_id TEXT,
			error TEXT,
			created_at TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS deliveries_target_task_unique ON deliveries(target, task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_file_id ON tasks(file_id)`,
	}
	for _, q := range queries {
		if _, err := t.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// UpsertPrepared records the prepared file for an upstream task and queues one
// delivery for the configured target. Repeating it for the same task only
// refreshes the paths.
func (t *SQLiteTaskTable) UpsertPrepared(ctx context.Context, h Handoff) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)

	var taskID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE file_id = ? ORDER BY id LIMIT 1`, h.UpstreamTaskID,
	).Scan(&taskID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (media_type, file_id, caption, src_path, prepared_path, status, created_at)
			VALUES (?, ?, ?, ?, ?, 'prepared', ?)`,
			h.MediaKind, h.UpstreamTaskID, h.Caption, h.SourcePath, h.PreparedPath, now,
		)
		if err != nil {
			return err
		}
		if taskID, err = res.LastInsertId(); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET src_path = ?, prepared_path = ?, status = 'prepared' WHERE id = ?`,
			h.SourcePath, h.PreparedPath, taskID,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deliveries (task_id, target, status, created_at) VALUES (?, ?, 'queued', ?)
		ON CONFLICT(target, task_id) DO NOTHING`,
		taskID, t.target, now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *SQLiteTaskTable) Close() error {
	return t.db.Close()
}

// NoopTaskTable is used when no downstream publisher is configured.
type NoopTaskTable struct{}

func (NoopTaskTable) UpsertPrepared(context.Context, Handoff) error { return nil }
func (NoopTaskTable) Migrate(context.Context) error                 { return nil }
func (NoopTaskTable) Close() error                                  { return nil }
