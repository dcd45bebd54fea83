package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"mactable/internal/domain"
	"mactable/internal/repository"
)

// Repository implements repository.Repository using SQLite
type Repository struct {
	db *sql.DB
}

var _ repository.Repository = (*Repository)(nil)

// New opens (creating if needed) the database at dbPath. ":memory:" gives a
// private in-memory database.
func New(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return repo, nil
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		scenario TEXT NOT NULL DEFAULT '',
		substrate TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		step_count INTEGER NOT NULL DEFAULT 0,
		failed_step INTEGER,
		reason TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE TABLE IF NOT EXISTS steps (
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		data JSON NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		PRIMARY KEY (run_id, idx),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_steps_kind ON steps(kind);
	`
	_, err := r.db.Exec(schema)
	return err
}

// CreateRun inserts a run header
func (r *Repository) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, scenario, substrate, state, step_count, failed_step, reason, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Scenario, run.Substrate, string(run.State), run.StepCount,
		intPtrToNull(run.FailedStep), stringToNull(run.Reason),
		formatTime(run.StartedAt), timePtrToNull(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// AppendStep stores one step record; the full record is kept as JSON
func (r *Repository) AppendStep(ctx context.Context, runID string, rec domain.StepRecord) error {
	data, err := marshalToNull(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}
	finished := stringToNull("")
	if !rec.FinishedAt.IsZero() {
		finished = stringToNull(formatTime(rec.FinishedAt))
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO steps (run_id, idx, kind, status, data, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, idx) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			finished_at = excluded.finished_at
	`, runID, rec.Index, string(rec.Step.Kind), string(rec.Status), data,
		formatTime(rec.StartedAt), finished)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

// UpdateRunState records a non-terminal transition
func (r *Repository) UpdateRunState(ctx context.Context, runID string, state domain.RunState) error {
	res, err := r.db.ExecContext(ctx, `UPDATE runs SET state = ? WHERE id = ?`, string(state), runID)
	if err != nil {
		return fmt.Errorf("failed to update run state: %w", err)
	}
	return requireRow(res, runID)
}

// FinishRun stores the terminal state of a run
func (r *Repository) FinishRun(ctx context.Context, run *domain.Run) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, step_count = ?, failed_step = ?, reason = ?, finished_at = ?
		WHERE id = ?
	`, string(run.State), run.StepCount, intPtrToNull(run.FailedStep), stringToNull(run.Reason),
		timePtrToNull(run.FinishedAt), run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return requireRow(res, run.ID)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		run                 domain.Run
		state               string
		failed              sql.NullInt64
		reason, finishedStr sql.NullString
		startedStr          string
	)
	if err := row.Scan(&run.ID, &run.Scenario, &run.Substrate, &state, &run.StepCount,
		&failed, &reason, &startedStr, &finishedStr); err != nil {
		return nil, err
	}

	started, err := parseTime(startedStr)
	if err != nil {
		return nil, fmt.Errorf("run %s: bad started_at: %w", run.ID, err)
	}
	finished, err := nullToTimePtr(finishedStr)
	if err != nil {
		return nil, fmt.Errorf("run %s: bad finished_at: %w", run.ID, err)
	}

	run.State = domain.RunState(state)
	run.FailedStep = nullToIntPtr(failed)
	run.Reason = nullToString(reason)
	run.StartedAt = started
	run.FinishedAt = finished
	return &run, nil
}

const runColumns = `id, scenario, substrate, state, step_count, failed_step, reason, started_at, finished_at`

// GetRun loads a run and its steps in execution order
func (r *Repository) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT data FROM steps WHERE run_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	run.Records = []domain.StepRecord{}
	for rows.Next() {
		var data sql.NullString
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		var rec domain.StepRecord
		if err := unmarshalJSONField(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step: %w", err)
		}
		run.Records = append(run.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return run, nil
}

// ListRuns returns run headers, newest first. A non-positive limit means all.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// DeleteRun removes a run; its steps go with it
func (r *Repository) DeleteRun(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return requireRow(res, id)
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}
