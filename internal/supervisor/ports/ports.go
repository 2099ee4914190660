// Package ports defines the persistence interface for supervisor accounts.
package ports

import (
	"context"

	"invigil/internal/supervisor/models"
)

// SupervisorStore looks up and registers supervisor accounts.
type SupervisorStore interface {
	// FindByEmail returns the account holding the address, or (nil, nil)
	// when no account matches.
	FindByEmail(ctx context.Context, email string) (*models.Supervisor, error)

	// Create registers a new account.
	Create(ctx context.Context, supervisor *models.Supervisor) error
}
