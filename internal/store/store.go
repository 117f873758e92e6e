// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/datalab/internal/domain"
)

// Repository persists agent run history used as conversation memory.
type Repository interface {
	// SaveRun records a completed run.
	SaveRun(ctx context.Context, run *domain.Run) error

	// ListRuns returns the most recent limit runs for the agent within
	// scope and memory session, oldest first.
	ListRuns(ctx context.Context, scope, agent, sessionID string, limit int) ([]*domain.Run, error)

	// DeleteScope removes every run recorded for scope.
	DeleteScope(ctx context.Context, scope string) (int64, error)

	// DeleteRunsBefore removes runs created before cutoff.
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
