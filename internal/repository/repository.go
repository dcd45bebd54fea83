package repository

import (
	"context"

	"mactable/internal/domain"
)

// Repository persists run journals
type Repository interface {
	// CreateRun inserts a new run with its current state and no steps
	CreateRun(ctx context.Context, run *domain.Run) error

	// AppendStep adds one step record to a run
	AppendStep(ctx context.Context, runID string, rec domain.StepRecord) error

	// UpdateRunState records a state transition of a live run
	UpdateRunState(ctx context.Context, runID string, state domain.RunState) error

	// FinishRun stores the terminal state, reason and failed step
	FinishRun(ctx context.Context, run *domain.Run) error

	// GetRun loads a run with its steps. It returns nil, nil when absent.
	GetRun(ctx context.Context, id string) (*domain.Run, error)

	// ListRuns returns the most recent runs first, without step records
	ListRuns(ctx context.Context, limit int) ([]*domain.Run, error)

	// DeleteRun removes a run and its steps
	DeleteRun(ctx context.Context, id string) error

	// Close releases resources
	Close() error
}
