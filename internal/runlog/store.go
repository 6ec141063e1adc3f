// Package runlog persists a run's progress stream as human-readable
// activity-log rows in a local sqlite database, so batch runs leave an
// inspectable trail.
package runlog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adolfousier/invoicepilot/internal/pipeline"
)

//go:embed schema.sql
var schemaSQL string

// Store is an append-only activity log backed by sqlite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the activity-log database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open activity log database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply activity log schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one activity line.
func (s *Store) Append(ctx context.Context, runID, kind, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (run_id, kind, message, created_at)
		VALUES (?, ?, ?, ?)
	`, runID, kind, message, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert activity log row: %w", err)
	}
	return nil
}

// SaveResult records the final accounting of one run.
func (s *Store) SaveResult(ctx context.Context, res *pipeline.RunResult) error {
	cancelled := 0
	if res.Cancelled {
		cancelled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_results
		(run_id, started_at, finished_at, messages_scanned, attachments_downloaded,
		 attachments_uploaded, attachments_skipped, error_count, cancelled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, res.RunID, res.StartedAt.Unix(), res.FinishedAt.Unix(), res.MessagesScanned,
		res.AttachmentsDownloaded, res.AttachmentsUploaded, res.AttachmentsSkipped,
		len(res.Errors), cancelled)
	if err != nil {
		return fmt.Errorf("insert run result: %w", err)
	}
	return nil
}

// Line is one recorded activity row.
type Line struct {
	RunID     string
	Kind      string
	Message   string
	CreatedAt time.Time
}

// Recent returns up to limit activity lines, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Line, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, kind, message, created_at
		FROM activity_logs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity log: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		var ts int64
		if err := rows.Scan(&l.RunID, &l.Kind, &l.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan activity log row: %w", err)
		}
		l.CreatedAt = time.Unix(ts, 0)
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity log rows: %w", err)
	}

	// Reverse to oldest-first for display.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}
