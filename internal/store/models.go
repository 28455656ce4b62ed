// Package store defines the run history model and its storage interface.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Run is one supervised process run. Outcome fields stay nil until the run
// finishes; a run records at most one failure.
type Run struct {
	ID             uuid.UUID
	Name           string
	Command        []string
	ExitCode       *int
	FailureCode    *int
	FailureMessage *string
	TimedOut       bool
	StartedAt      time.Time
	FinishedAt     *time.Time
}
