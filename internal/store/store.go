// Package store persists the session and command audit trail.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shsh-gateway/internal/domain"
)

// Repository defines the interface for recording terminal sessions and the
// commands completed in them. Live sessions are never restored from it.
type Repository interface {
	// RecordSession inserts the audit row for a newly spawned session.
	RecordSession(ctx context.Context, rec domain.SessionRecord) error

	// CloseSession marks a session as ended.
	CloseSession(ctx context.Context, sessionID string, closedAt time.Time, reason string) error

	// RecordCommand appends a completed command and returns its row id.
	RecordCommand(ctx context.Context, rec domain.CommandRecord) (int64, error)

	// ListCommands returns up to limit of the session's most recent commands,
	// newest first.
	ListCommands(ctx context.Context, sessionID string, limit int) ([]domain.CommandRecord, error)

	// GetSession retrieves a session audit row, or nil if it does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// PruneCommands deletes commands completed before the cutoff.
	PruneCommands(ctx context.Context, before time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
