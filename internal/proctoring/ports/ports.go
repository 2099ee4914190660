// Package ports defines the persistence interfaces of the proctoring module.
package ports

import (
	"context"
	"time"

	"invigil/internal/proctoring/models"
	id "invigil/pkg/domain"
)

// FlagStore appends and reads the immutable integrity flag log.
type FlagStore interface {
	// Append records one flag. Flags are never updated or deleted.
	Append(ctx context.Context, flag models.IntegrityFlag) error

	// ListByAttempt returns an attempt's flags, newest first.
	ListByAttempt(ctx context.Context, attemptID id.AttemptID) ([]models.IntegrityFlag, error)
}

// SessionStore manages live proctoring sessions.
type SessionStore interface {
	// Create inserts a new active session for the attempt.
	Create(ctx context.Context, session *models.Session) error

	// Get returns the session for an attempt, or (nil, nil) when absent.
	Get(ctx context.Context, attemptID id.AttemptID) (*models.Session, error)

	// CloseIfActive clears the activity flag and sets the end timestamp.
	// It reports whether this call performed the close; a session already
	// closed by a racing trigger returns false with no error, which makes
	// every terminal path idempotent.
	CloseIfActive(ctx context.Context, attemptID id.AttemptID, endedAt time.Time) (bool, error)

	// Reopen restores a closed session to active. It compensates a claimed
	// close whose follow-up attempt write failed, so the terminal sequence
	// stays retryable.
	Reopen(ctx context.Context, sessionID id.SessionID) error

	// ListActive returns all currently active sessions.
	ListActive(ctx context.Context) ([]*models.Session, error)
}

// ActionStore appends the supervisor intervention audit log.
type ActionStore interface {
	Append(ctx context.Context, action models.ControlAction) error
	ListByAttempt(ctx context.Context, attemptID id.AttemptID) ([]models.ControlAction, error)
}
