// Package journal keeps an sqlite audit trail of alert delivery outcomes.
//
// It is not an outbox: events are never replayed from the journal.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/e7canasta/orion-edge-guard/internal/alert"
)

// DefaultRecent is the tail size returned when callers pass n <= 0.
const DefaultRecent = 50

// Journal stores outcomes in an sqlite database.
type Journal struct {
	db *sql.DB
	mu sync.RWMutex

	recorded atomic.Uint64
	failed   atomic.Uint64
}

// Open opens (and migrates) the journal database at path, creating its
// directory if needed. ":memory:" works for tests.
func Open(path string) (*Journal, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("journal: failed to create directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open database: %w", err)
	}

	// Single connection: every :memory: connection is its own database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: failed to migrate database: %w", err)
	}

	slog.Info("journal: opened", "path", path)
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		camera_id INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		datealert REAL DEFAULT 0,
		detections INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		status_code INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_camera ON outcomes(camera_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_status ON outcomes(status);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Record appends one outcome.
func (j *Journal) Record(o alert.Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}

	_, err := j.db.Exec(`
		INSERT INTO outcomes (event_id, camera_id, timestamp, datealert, detections, status, attempts, status_code, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.EventID, o.SourceID, o.Timestamp, o.DateAlert, o.Detections, o.Status, o.Attempts, o.StatusCode, o.Error, o.At.UTC())
	if err != nil {
		j.failed.Add(1)
		return fmt.Errorf("journal: failed to insert outcome: %w", err)
	}

	j.recorded.Add(1)
	return nil
}

// Recent returns the newest n outcomes, newest first.
func (j *Journal) Recent(n int) ([]alert.Outcome, error) {
	if n <= 0 {
		n = DefaultRecent
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.Query(`
		SELECT event_id, camera_id, timestamp, datealert, detections, status, attempts, status_code, error, at
		FROM outcomes ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to query outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]alert.Outcome, 0, n)
	for rows.Next() {
		var o alert.Outcome
		if err := rows.Scan(&o.EventID, &o.SourceID, &o.Timestamp, &o.DateAlert, &o.Detections,
			&o.Status, &o.Attempts, &o.StatusCode, &o.Error, &o.At); err != nil {
			return nil, fmt.Errorf("journal: failed to scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountByStatus returns how many outcomes were recorded per status.
func (j *Journal) CountByStatus() (map[string]int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.Query(`SELECT status, COUNT(*) FROM outcomes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// Consume records every outcome read from ch until ctx ends or ch closes.
// Insert failures are logged and do not stop the loop.
func (j *Journal) Consume(ctx context.Context, ch <-chan alert.Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Record(o); err != nil {
				slog.Error("journal: record failed",
					"event_id", o.EventID,
					"camera_id", o.SourceID,
					"error", err,
				)
			}
		}
	}
}

// Stats returns recorded and failed insert counts.
func (j *Journal) Stats() (recorded, failed uint64) {
	return j.recorded.Load(), j.failed.Load()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
