// Package mirror keeps a small local copy of completion facts so a
// finished task stays finished across process restarts even when the
// primary store is unreachable.
package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Mirror is the engine-facing surface. MarkCompleted must be durable
// before it returns; CompletedTaskIDs may return an empty set when the
// mirror cannot be read, never an error.
type Mirror interface {
	MarkCompleted(ctx context.Context, userID, taskID string, at time.Time) error
	CompletedTaskIDs(ctx context.Context, userID string) map[string]struct{}
	Close() error
}

type SQLiteMirror struct {
	db *sql.DB
}

func Open(path string) (*SQLiteMirror, error) {
	if !hasSQLDriver("sqlite3") {
		return nil, fmt.Errorf("sqlite3 SQL driver is not linked; import github.com/mattn/go-sqlite3")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// The mirror is written from the engine's sweep and submit paths
	// concurrently; sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS completed (
		user_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		completed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, task_id)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init mirror schema: %w", err)
	}
	return &SQLiteMirror{db: db}, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (m *SQLiteMirror) MarkCompleted(ctx context.Context, userID, taskID string, at time.Time) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO completed (user_id, task_id, completed_at) VALUES (?, ?, ?)`,
		userID, taskID, at.UTC(),
	)
	return err
}

// CompletedTaskIDs returns the set of task IDs this user has finished.
// A corrupt or unreadable mirror degrades to an empty set so startup
// never blocks on local state.
func (m *SQLiteMirror) CompletedTaskIDs(ctx context.Context, userID string) map[string]struct{} {
	out := make(map[string]struct{})
	rows, err := m.db.QueryContext(ctx, `SELECT task_id FROM completed WHERE user_id = ?`, userID)
	if err != nil {
		log.Printf("mirror: read failed user=%s err=%v; treating as empty", userID, err)
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			log.Printf("mirror: scan failed user=%s err=%v; treating as empty", userID, err)
			return make(map[string]struct{})
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		log.Printf("mirror: iterate failed user=%s err=%v; treating as empty", userID, err)
		return make(map[string]struct{})
	}
	return out
}

func (m *SQLiteMirror) Close() error {
	return m.db.Close()
}

// Noop discards writes and reports nothing completed. Used when the
// mirror is disabled.
type Noop struct{}

func (Noop) MarkCompleted(context.Context, string, string, time.Time) error { return nil }

func (Noop) CompletedTaskIDs(context.Context, string) map[string]struct{} {
	return map[string]struct{}{}
}

func (Noop) Close() error { return nil }
