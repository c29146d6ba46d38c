// Package metrics keeps a small sqlite sidecar with per-task timing so
// the status surface can report history across restarts.
package metrics

import (
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_metrics (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT    NOT NULL,
	duration_ms INTEGER NOT NULL,
	ok          INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_metrics_kind_time ON task_metrics(kind, recorded_at);
`

// Recorder writes task timings to the sidecar database. Recording is
// best-effort; a failed insert is logged and never fails the task.
type Recorder struct {
	db     *sql.DB
	logger *log.Logger
}

func Open(path string, logger *log.Logger) (*Recorder, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init metrics schema: %w", err)
	}
	return &Recorder{db: db, logger: logger.With("component", "metrics")}, nil
}

func (r *Recorder) Close() error { return r.db.Close() }

// RecordTask implements the queue's Recorder interface.
func (r *Recorder) RecordTask(kind string, duration time.Duration, ok bool) {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := r.db.Exec(
		`INSERT INTO task_metrics (kind, duration_ms, ok, recorded_at) VALUES (?, ?, ?, ?)`,
		kind, duration.Milliseconds(), okInt, time.Now().UnixMilli(),
	)
	if err != nil {
		r.logger.Warn("metric insert failed", "kind", kind, "err", err)
	}
}

// Summary aggregates task timings recorded within the window.
type Summary struct {
	Kind       string
	Count      int64
	Failures   int64
	AvgMillis  float64
	LastSeenAt time.Time
}

// Summarize returns per-kind aggregates for the trailing window.
func (r *Recorder) Summarize(window time.Duration) ([]Summary, error) {
	since := time.Now().Add(-window).UnixMilli()
	rows, err := r.db.Query(`
		SELECT kind,
		       COUNT(*),
		       SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END),
		       AVG(duration_ms),
		       MAX(recorded_at)
		FROM task_metrics
		WHERE recorded_at >= ?
		GROUP BY kind
		ORDER BY kind`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var lastSeen int64
		if err := rows.Scan(&s.Kind, &s.Count, &s.Failures, &s.AvgMillis, &lastSeen); err != nil {
			return nil, err
		}
		s.LastSeenAt = time.UnixMilli(lastSeen)
		out = append(out, s)
	}
	return out, rows.Err()
}
