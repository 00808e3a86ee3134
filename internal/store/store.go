// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/domain"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Repository defines the interface for persisting finished rephrase runs.
type Repository interface {
	// SaveRun inserts a finished run. An empty ID is assigned a new uuid.
	SaveRun(ctx context.Context, run *domain.Run) error

	// ListRuns returns the most recent runs of a user, newest first.
	ListRuns(ctx context.Context, userID string, limit int) ([]*domain.Run, error)

	// GetRun retrieves one run of a user by id.
	GetRun(ctx context.Context, userID, id string) (*domain.Run, error)

	// DeleteRuns removes all runs of a user and returns how many were deleted.
	DeleteRuns(ctx context.Context, userID string) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
