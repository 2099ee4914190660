package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"invigil/internal/supervisor/models"
	id "invigil/pkg/domain"
)

// Postgres implements the supervisor store against PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed supervisor store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) FindByEmail(ctx context.Context, email string) (*models.Supervisor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, full_name, password_hash, created_at
		FROM supervisors
		WHERE lower(email) = lower($1)`, email)

	var sup models.Supervisor
	var sid uuid.UUID
	err := row.Scan(&sid, &sup.Email, &sup.FullName, &sup.PasswordHash, &sup.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find supervisor: %w", err)
	}
	sup.ID = id.SupervisorID(sid)
	return &sup, nil
}

func (s *Postgres) Create(ctx context.Context, supervisor *models.Supervisor) error {
	if supervisor == nil {
		return fmt.Errorf("supervisor is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supervisors (id, email, full_name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.UUID(supervisor.ID), supervisor.Email, supervisor.FullName,
		supervisor.PasswordHash, supervisor.CreatedAt)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}
	return nil
}
