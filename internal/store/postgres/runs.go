package postgres

import (
	"context"

	"forkguard/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	query := `
	INSERT INTO runs (id, name, command, timed_out, started_at)
	VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Name, pq.Array(run.Command), run.TimedOut, run.StartedAt,
	)
	return err
}

// FinishRun records a run's outcome.
func (s *Store) FinishRun(ctx context.Context, run *store.Run) error {
	query := `
	UPDATE runs
	SET exit_code = $2, failure_code = $3, failure_message = $4, timed_out = $5, finished_at = $6
	WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.ExitCode, run.FailureCode, run.FailureMessage, run.TimedOut, run.FinishedAt,
	)
	return err
}

// GetRunByID returns one run.
func (s *Store) GetRunByID(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	query := `
	SELECT id, name, command, exit_code, failure_code, failure_message, timed_out, started_at, finished_at
	FROM runs WHERE id = $1
	`

	var run store.Run
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.Name, pq.Array(&run.Command),
		&run.ExitCode, &run.FailureCode, &run.FailureMessage,
		&run.TimedOut, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	return &run, nil
}

// ListRecentRuns returns up to limit runs, most recent first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]store.Run, error) {
	query := `
	SELECT id, name, command, exit_code, failure_code, failure_message, timed_out, started_at, finished_at
	FROM runs
	ORDER BY started_at DESC
	LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(
			&run.ID, &run.Name, pq.Array(&run.Command),
			&run.ExitCode, &run.FailureCode, &run.FailureMessage,
			&run.TimedOut, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}
