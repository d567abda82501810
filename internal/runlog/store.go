// Package runlog keeps the history of experiment runs in SQLite.
//
// A Store is an experiment.Recorder: hand it to the supervisor and every
// transition and safety round of the run is persisted.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/benchrig/internal/experiment"
	"github.com/nerrad567/benchrig/internal/infrastructure/config"
	"github.com/nerrad567/benchrig/internal/infrastructure/database"
	"github.com/nerrad567/benchrig/internal/safety"
	"github.com/nerrad567/benchrig/migrations"
)

// ErrNotFound is returned when a run ID does not exist.
var ErrNotFound = errors.New("runlog: run not found")

// DefaultListLimit applies when List is called with a non-positive limit.
const DefaultListLimit = 50

// Check is one stored safety test result.
type Check struct {
	RunID     string    `json:"run_id"`
	Round     int       `json:"round"`
	Test      string    `json:"test"`
	Passed    bool      `json:"passed"`
	Warning   bool      `json:"warning"`
	Fatal     bool      `json:"fatal"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Store persists runs and their safety checks.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// Open opens the database, applies the schema and returns a Store that owns
// the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // best effort on the error path
		return nil, fmt.Errorf("migrating run history: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an already migrated database.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StateChanged upserts the run row.
func (s *Store) StateChanged(ctx context.Context, run experiment.Run) error {
	var finished sql.NullString
	if !run.FinishedAt.IsZero() {
		finished = sql.NullString{String: formatTime(run.FinishedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, experiment, output_path, pid, state, error, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			output_path = excluded.output_path,
			pid         = excluded.pid,
			state       = excluded.state,
			error       = excluded.error,
			finished_at = excluded.finished_at,
			updated_at  = excluded.updated_at`,
		run.ID, run.Experiment, run.OutputPath, run.PID, string(run.State), run.Error,
		formatTime(run.StartedAt), finished, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", run.ID, err)
	}
	return nil
}

// SafetyChecked stores one row per test result of the verdict.
func (s *Store) SafetyChecked(ctx context.Context, run experiment.Run, verdict safety.Verdict) error {
	checkedAt := formatTime(s.now())

	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO safety_checks (run_id, round, test, passed, warning, fatal, message, checked_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing safety check insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range verdict.Results {
			if _, err := stmt.ExecContext(ctx,
				run.ID, verdict.Round, r.Name, r.Passed, r.Warning, r.Fatal, r.Message, checkedAt,
			); err != nil {
				return fmt.Errorf("recording safety check %s: %w", r.Name, err)
			}
		}
		return nil
	})
}

const runColumns = `id, experiment, output_path, pid, state, error, started_at, finished_at`

// Get returns one run.
func (s *Store) Get(ctx context.Context, id string) (experiment.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return experiment.Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// List returns the most recently started runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]experiment.Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []experiment.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Checks returns the safety checks of a run in check order.
func (s *Store) Checks(ctx context.Context, runID string) ([]Check, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, round, test, passed, warning, fatal, message, checked_at
		FROM safety_checks WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing safety checks: %w", err)
	}
	defer rows.Close()

	var checks []Check
	for rows.Next() {
		var c Check
		var checkedAt string
		if err := rows.Scan(&c.RunID, &c.Round, &c.Test, &c.Passed, &c.Warning, &c.Fatal, &c.Message, &checkedAt); err != nil {
			return nil, fmt.Errorf("scanning safety check: %w", err)
		}
		c.CheckedAt = parseTime(checkedAt)
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (experiment.Run, error) {
	var (
		run       experiment.Run
		state     string
		startedAt string
		finished  sql.NullString
	)
	err := row.Scan(&run.ID, &run.Experiment, &run.OutputPath, &run.PID, &state, &run.Error, &startedAt, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("scanning run: %w", err)
	}
	run.State = experiment.State(state)
	run.StartedAt = parseTime(startedAt)
	if finished.Valid {
		run.FinishedAt = parseTime(finished.String)
	}
	return run, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s) //nolint:errcheck // written by formatTime
	return t
}
