// Package ledger persists sweeps and their runs in SQLite so finished and
// interrupted sweeps can be listed after the process exits.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/morphosweep/internal/sweep"
	"github.com/banshee-data/morphosweep/internal/timeutil"
)

// ErrNotFound is returned when a sweep ID is unknown.
var ErrNotFound = errors.New("sweep not found")

// pragmas are applied by the driver to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// dsn appends the per-connection pragmas to path.
func dsn(path string) string {
	q := make([]string, len(pragmas))
	for i, p := range pragmas {
		q[i] = "_pragma=" + p
	}
	return path + "?" + strings.Join(q, "&")
}

// Ledger is a sweep.Recorder backed by a SQLite file.
type Ledger struct {
	db    *sql.DB
	clock timeutil.Clock
}

var _ sweep.Recorder = (*Ledger)(nil)

// Open opens (creating if needed) the ledger at path and migrates it to
// the latest schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	l := &Ledger{db: db, clock: timeutil.RealClock{}}
	if err := l.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	diagf("opened %s", path)
	return l, nil
}

// SetClock replaces the clock used for recorded_at stamps.
func (l *Ledger) SetClock(c timeutil.Clock) { l.clock = c }

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// Sweep is one row of the sweeps table.
type Sweep struct {
	ID          string            `json:"sweep_id"`
	Mode        string            `json:"mode"`
	TotalJobs   int               `json:"total_jobs"`
	Ranges      []sweep.RangeSpec `json:"ranges"`
	Status      sweep.SweepStatus `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	RunCount    int               `json:"run_count"`
}

// Run is one row of the runs table.
type Run struct {
	ID         string             `json:"id"`
	SweepID    string             `json:"sweep_id"`
	JobID      string             `json:"job_id"`
	RunID      string             `json:"run_id"`
	Status     string             `json:"status"`
	ReturnCode int                `json:"return_code"`
	Steps      int                `json:"steps"`
	Skipped    int                `json:"skipped"`
	Elapsed    time.Duration      `json:"elapsed_ns"`
	Error      string             `json:"error,omitempty"`
	Params     map[string]float64 `json:"params"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// BeginSweep inserts a running sweep.
func (l *Ledger) BeginSweep(ctx context.Context, rec sweep.SweepRecord) error {
	ranges := rec.Ranges
	if ranges == nil {
		ranges = []sweep.RangeSpec{}
	}
	rangesJSON, err := json.Marshal(ranges)
	if err != nil {
		return fmt.Errorf("encode ranges: %w", err)
	}
	return retryOnBusy(ctx, func() error {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO sweeps (sweep_id, mode, total_jobs, ranges_json, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Mode.String(), rec.TotalJobs, string(rangesJSON),
			string(sweep.SweepStatusRunning), rec.StartedAt.UnixNano(),
		)
		return err
	})
}

// RecordRun appends the outcome of one job to a sweep.
func (l *Ledger) RecordRun(ctx context.Context, sweepID string, job sweep.Job, out sweep.Outcome) error {
	values := map[string]float64{}
	if job.Params != nil {
		for _, name := range job.Params.Names() {
			v, _ := job.Params.Get(name)
			values[name] = v
		}
	}
	paramsJSON, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	var errText string
	if out.Err != nil {
		errText = out.Err.Error()
	}
	id := uuid.New().String()
	err = retryOnBusy(ctx, func() error {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO runs (
				id, sweep_id, job_id, run_id, status, return_code,
				steps, skipped, elapsed_ns, error, params_json, recorded_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, sweepID, job.ID, out.RunID, out.Status.String(), out.ReturnCode,
			out.Steps, out.Skipped, int64(out.Elapsed), errText, string(paramsJSON),
			l.clock.Now().UnixNano(),
		)
		return err
	})
	if err == nil {
		tracef("sweep %s: recorded job %s (%s)", sweepID, job.ID, out.Status)
	}
	return err
}

// FinishSweep stores the final status.
func (l *Ledger) FinishSweep(ctx context.Context, sweepID string, status sweep.SweepStatus, at time.Time) error {
	var n int64
	err := retryOnBusy(ctx, func() error {
		res, err := l.db.ExecContext(ctx,
			`UPDATE sweeps SET status = ?, completed_at = ? WHERE sweep_id = ?`,
			string(status), at.UnixNano(), sweepID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sweepID)
	}
	diagf("sweep %s finished: %s", sweepID, status)
	return nil
}

const sweepColumns = `s.sweep_id, s.mode, s.total_jobs, s.ranges_json, s.status,
	s.started_at, s.completed_at,
	(SELECT COUNT(*) FROM runs r WHERE r.sweep_id = s.sweep_id)`

// ListSweeps returns the most recent sweeps first. limit <= 0 returns all.
func (l *Ledger) ListSweeps(ctx context.Context, limit int) ([]*Sweep, error) {
	q := `SELECT ` + sweepColumns + ` FROM sweeps s ORDER BY s.started_at DESC, s.rowid DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sweeps: %w", err)
	}
	defer rows.Close()

	var out []*Sweep
	for rows.Next() {
		s, err := scanSweep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSweep returns one sweep or ErrNotFound.
func (l *Ledger) GetSweep(ctx context.Context, sweepID string) (*Sweep, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+sweepColumns+` FROM sweeps s WHERE s.sweep_id = ?`, sweepID)
	s, err := scanSweep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sweepID)
	}
	return s, err
}

// ListRuns returns a sweep's runs in the order they were recorded.
func (l *Ledger) ListRuns(ctx context.Context, sweepID string) ([]*Run, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, sweep_id, job_id, run_id, status, return_code,
		       steps, skipped, elapsed_ns, error, params_json, recorded_at
		FROM runs
		WHERE sweep_id = ?
		ORDER BY recorded_at, rowid`, sweepID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var (
			r          Run
			elapsed    int64
			paramsJSON string
			recorded   int64
		)
		if err := rows.Scan(&r.ID, &r.SweepID, &r.JobID, &r.RunID, &r.Status, &r.ReturnCode,
			&r.Steps, &r.Skipped, &elapsed, &r.Error, &paramsJSON, &recorded); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Elapsed = time.Duration(elapsed)
		r.RecordedAt = time.Unix(0, recorded).UTC()
		if err := json.Unmarshal([]byte(paramsJSON), &r.Params); err != nil {
			return nil, fmt.Errorf("decode params of run %s: %w", r.ID, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteSweep removes a sweep and its runs.
func (l *Ledger) DeleteSweep(ctx context.Context, sweepID string) error {
	var n int64
	err := retryOnBusy(ctx, func() error {
		res, err := l.db.ExecContext(ctx, `DELETE FROM sweeps WHERE sweep_id = ?`, sweepID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sweepID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSweep(sc scanner) (*Sweep, error) {
	var (
		s          Sweep
		rangesJSON string
		status     string
		started    int64
		completed  sql.NullInt64
	)
	if err := sc.Scan(&s.ID, &s.Mode, &s.TotalJobs, &rangesJSON, &status, &started, &completed, &s.RunCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan sweep: %w", err)
	}
	s.Status = sweep.SweepStatus(status)
	s.StartedAt = time.Unix(0, started).UTC()
	if completed.Valid {
		t := time.Unix(0, completed.Int64).UTC()
		s.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(rangesJSON), &s.Ranges); err != nil {
		return nil, fmt.Errorf("decode ranges of sweep %s: %w", s.ID, err)
	}
	return &s, nil
}

const (
	busyRetries = 5
	busyBackoff = 20 * time.Millisecond
)

// retryOnBusy retries fn while SQLite reports the database as locked,
// backing off linearly.
func retryOnBusy(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		tracef("database busy, retry %d/%d", attempt+1, busyRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * busyBackoff):
		}
	}
	opsf("giving up after %d busy retries: %v", busyRetries, err)
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
