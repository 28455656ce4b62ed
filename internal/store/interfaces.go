package store

import (
	"context"

	"github.com/google/uuid"
)

// RunStore records supervised runs and their outcomes.
type RunStore interface {
	// CreateRun inserts a new run with its start time.
	CreateRun(ctx context.Context, run *Run) error

	// FinishRun records the outcome fields of an existing run.
	FinishRun(ctx context.Context, run *Run) error

	// GetRunByID returns one run.
	GetRunByID(ctx context.Context, id uuid.UUID) (*Run, error)

	// ListRecentRuns returns up to limit runs, most recent first.
	ListRecentRuns(ctx context.Context, limit int) ([]Run, error)

	// Close releases the underlying connection.
	Close() error
}
