package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"invigil/internal/proctoring/models"
	id "invigil/pkg/domain"
)

// FlagPostgres persists integrity flags in PostgreSQL.
type FlagPostgres struct {
	db *sql.DB
}

// NewFlagPostgres constructs a PostgreSQL-backed flag store.
func NewFlagPostgres(db *sql.DB) *FlagPostgres {
	return &FlagPostgres{db: db}
}

func (s *FlagPostgres) Append(ctx context.Context, flag models.IntegrityFlag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proctoring_flags (id, attempt_id, flag_type, description, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), uuid.UUID(flag.AttemptID), string(flag.Type), flag.Description, flag.CreatedAt)
	if err != nil {
		return fmt.Errorf("append flag: %w", err)
	}
	return nil
}

func (s *FlagPostgres) ListByAttempt(ctx context.Context, attemptID id.AttemptID) ([]models.IntegrityFlag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, flag_type, COALESCE(description, ''), created_at
		FROM proctoring_flags
		WHERE attempt_id = $1
		ORDER BY created_at DESC`, uuid.UUID(attemptID))
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	var flags []models.IntegrityFlag
	for rows.Next() {
		var f models.IntegrityFlag
		var aid uuid.UUID
		var flagType string
		if err := rows.Scan(&aid, &flagType, &f.Description, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		f.AttemptID = id.AttemptID(aid)
		f.Type = models.FlagType(flagType)
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// SessionPostgres persists proctoring sessions in PostgreSQL.
type SessionPostgres struct {
	db *sql.DB
}

// NewSessionPostgres constructs a PostgreSQL-backed session store.
func NewSessionPostgres(db *sql.DB) *SessionPostgres {
	return &SessionPostgres{db: db}
}

func (s *SessionPostgres) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proctoring_sessions (id, attempt_id, candidate_id, is_active, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.UUID(session.ID), uuid.UUID(session.AttemptID), uuid.UUID(session.CandidateID),
		session.Active, session.StartedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SessionPostgres) Get(ctx context.Context, attemptID id.AttemptID) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, attempt_id, candidate_id, is_active, started_at, ended_at
		FROM proctoring_sessions
		WHERE attempt_id = $1
		ORDER BY started_at DESC
		LIMIT 1`, uuid.UUID(attemptID))
	return scanSession(row)
}

// CloseIfActive is a single check-and-set: the WHERE clause only matches an
// active row, so concurrent closers cannot both succeed.
func (s *SessionPostgres) CloseIfActive(ctx context.Context, attemptID id.AttemptID, endedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proctoring_sessions
		SET is_active = FALSE, ended_at = $2
		WHERE attempt_id = $1 AND is_active`, uuid.UUID(attemptID), endedAt)
	if err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close session rows: %w", err)
	}
	return n > 0, nil
}

func (s *SessionPostgres) Reopen(ctx context.Context, sessionID id.SessionID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proctoring_sessions
		SET is_active = TRUE, ended_at = NULL
		WHERE id = $1`, uuid.UUID(sessionID))
	if err != nil {
		return fmt.Errorf("reopen session: %w", err)
	}
	return nil
}

func (s *SessionPostgres) ListActive(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempt_id, candidate_id, is_active, started_at, ended_at
		FROM proctoring_sessions
		WHERE is_active
		ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var sid, aid, cid uuid.UUID
	var endedAt sql.NullTime
	err := row.Scan(&sid, &aid, &cid, &sess.Active, &sess.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.ID = id.SessionID(sid)
	sess.AttemptID = id.AttemptID(aid)
	sess.CandidateID = id.CandidateID(cid)
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return &sess, nil
}

// ActionPostgres persists the supervisor action audit log in PostgreSQL.
type ActionPostgres struct {
	db *sql.DB
}

// NewActionPostgres constructs a PostgreSQL-backed action store.
func NewActionPostgres(db *sql.DB) *ActionPostgres {
	return &ActionPostgres{db: db}
}

func (s *ActionPostgres) Append(ctx context.Context, action models.ControlAction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO control_actions (id, attempt_id, supervisor_id, action_kind, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), uuid.UUID(action.AttemptID), uuid.UUID(action.SupervisorID),
		string(action.Kind), action.Message, action.CreatedAt)
	if err != nil {
		return fmt.Errorf("append control action: %w", err)
	}
	return nil
}

func (s *ActionPostgres) ListByAttempt(ctx context.Context, attemptID id.AttemptID) ([]models.ControlAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, supervisor_id, action_kind, COALESCE(message, ''), created_at
		FROM control_actions
		WHERE attempt_id = $1
		ORDER BY created_at`, uuid.UUID(attemptID))
	if err != nil {
		return nil, fmt.Errorf("list control actions: %w", err)
	}
	defer rows.Close()

	var actions []models.ControlAction
	for rows.Next() {
		var a models.ControlAction
		var aid, sid uuid.UUID
		var kind string
		if err := rows.Scan(&aid, &sid, &kind, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan control action: %w", err)
		}
		a.AttemptID = id.AttemptID(aid)
		a.SupervisorID = id.SupervisorID(sid)
		a.Kind = models.ActionKind(kind)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
