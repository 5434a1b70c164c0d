// File: internal/history/store.go
// Brief: SQLite store of past runs and their step outcomes.

// Package history keeps a queryable record of runs. It is informational: the
// JSON ledger alone decides which steps are skipped.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultRelPath is the database location relative to the state directory.
const DefaultRelPath = "history.sqlite"

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Store wraps the history database.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID          string
	Command     string
	Root        string
	Targets     []string
	Concurrency int
	Status      string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EventRecord is one stored step transition.
type EventRecord struct {
	Time     time.Time
	Tier     int
	Package  string
	Step     string
	Type     string
	Attempt  int
	Decision string
	Message  string
	Error    string
	Duration time.Duration
}

// NewRunID returns a sortable unique run identifier.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Open opens or creates the database at path. A read-only open fails when
// the file does not exist.
func Open(path string, readOnly bool) (*Store, error) {
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := path
	if readOnly {
		u := url.URL{Scheme: "file", Path: path}
		q := u.Query()
		q.Set("mode", "ro")
		u.RawQuery = q.Encode()
		dsn = u.String()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db, path: path, readOnly: readOnly}
	if !readOnly {
		if err := s.initSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS tierdeploy_runs (
  run_id TEXT PRIMARY KEY,
  command TEXT NOT NULL,
  root TEXT NOT NULL,
  targets_json TEXT NOT NULL,
  concurrency INTEGER NOT NULL,
  status TEXT NOT NULL,
  error TEXT NOT NULL,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS tierdeploy_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  ts_ns INTEGER NOT NULL,
  tier INTEGER NOT NULL,
  package TEXT NOT NULL,
  step TEXT NOT NULL,
  type TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  decision TEXT NOT NULL,
  message TEXT NOT NULL,
  error TEXT NOT NULL,
  duration_ns INTEGER NOT NULL,
  FOREIGN KEY (run_id) REFERENCES tierdeploy_runs(run_id) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS tierdeploy_events_run ON tierdeploy_events(run_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// CreateRun inserts a run in the running state.
func (s *Store) CreateRun(ctx context.Context, run RunRecord) error {
	targets, err := json.Marshal(run.Targets)
	if err != nil {
		return err
	}
	now := run.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tierdeploy_runs (run_id, command, root, targets_json, concurrency, status, error, created_at_ns, updated_at_ns)
VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)`,
		run.ID, run.Command, run.Root, string(targets), run.Concurrency, StatusRunning, now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun marks a run succeeded or failed.
func (s *Store) FinishRun(ctx context.Context, runID string, runErr error) error {
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tierdeploy_runs SET status = ?, error = ?, updated_at_ns = ? WHERE run_id = ?`,
		status, msg, time.Now().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: unknown run %s", runID)
	}
	return nil
}

// AppendEvent stores one event for runID.
func (s *Store) AppendEvent(ctx context.Context, runID string, ev EventRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tierdeploy_events (run_id, ts_ns, tier, package, step, type, attempt, decision, message, error, duration_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ev.Time.UnixNano(), ev.Tier, ev.Package, ev.Step, ev.Type, ev.Attempt, ev.Decision, ev.Message, ev.Error, int64(ev.Duration))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE tierdeploy_runs SET updated_at_ns = ? WHERE run_id = ?`, ev.Time.UnixNano(), runID)
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, command, root, targets_json, concurrency, status, error, created_at_ns, updated_at_ns
FROM tierdeploy_runs ORDER BY created_at_ns DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns one run; an empty id selects the latest.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	if runID == "" {
		runs, err := s.ListRuns(ctx, 1)
		if err != nil {
			return RunRecord{}, err
		}
		if len(runs) == 0 {
			return RunRecord{}, ErrNoRuns
		}
		return runs[0], nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT run_id, command, root, targets_json, concurrency, status, error, created_at_ns, updated_at_ns
FROM tierdeploy_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s not found", runID)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		r                  RunRecord
		targets            string
		createdNs, updated int64
	)
	if err := row.Scan(&r.ID, &r.Command, &r.Root, &targets, &r.Concurrency, &r.Status, &r.Error, &createdNs, &updated); err != nil {
		return RunRecord{}, err
	}
	_ = json.Unmarshal([]byte(targets), &r.Targets)
	r.CreatedAt = time.Unix(0, createdNs)
	r.UpdatedAt = time.Unix(0, updated)
	return r, nil
}

// ErrNoRuns reports an empty history.
var ErrNoRuns = errors.New("no runs recorded")

// Events returns the stored events of runID in order.
func (s *Store) Events(ctx context.Context, runID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ts_ns, tier, package, step, type, attempt, decision, message, error, duration_ns
FROM tierdeploy_events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var (
			ev      EventRecord
			ts, dur int64
		)
		if err := rows.Scan(&ts, &ev.Tier, &ev.Package, &ev.Step, &ev.Type, &ev.Attempt, &ev.Decision, &ev.Message, &ev.Error, &dur); err != nil {
			return nil, err
		}
		ev.Time = time.Unix(0, ts)
		ev.Duration = time.Duration(dur)
		out = append(out, ev)
	}
	return out, rows.Err()
}
