//go:build integration

package store

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/suite"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"invigil/internal/proctoring/models"
	id "invigil/pkg/domain"
)

type PostgresStoreSuite struct {
	suite.Suite
	db        *sql.DB
	sessions  *SessionPostgres
	flags     *FlagPostgres
	terminate func()
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("invigil_test"),
		tcpostgres.WithUsername("invigil"),
		tcpostgres.WithPassword("invigil"),
		tcpostgres.BasicWaitStrategies())
	s.Require().NoError(err)
	s.terminate = func() { _ = container.Terminate(ctx) }

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.db, err = sql.Open("pgx", dsn)
	s.Require().NoError(err)
	s.Require().NoError(s.db.PingContext(ctx))

	schema, err := os.ReadFile("../../../db/schema.sql")
	s.Require().NoError(err)
	_, err = s.db.ExecContext(ctx, string(schema))
	s.Require().NoError(err)

	s.sessions = NewSessionPostgres(s.db)
	s.flags = NewFlagPostgres(s.db)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.terminate != nil {
		s.terminate()
	}
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `
		TRUNCATE proctoring_flags, proctoring_sessions, control_actions,
		         exam_answers, exam_attempts, exam_questions, exams, candidates CASCADE`)
	s.Require().NoError(err)
}

// seedAttempt satisfies the foreign keys a session or flag row hangs off.
func (s *PostgresStoreSuite) seedAttempt() (id.AttemptID, id.CandidateID) {
	ctx := context.Background()
	candidateID := id.NewCandidateID()
	examID := id.NewExamID()
	attemptID := id.NewAttemptID()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates (id, national_id, full_name) VALUES ($1, $2, $3)`,
		candidateID.String(), "nat-"+candidateID.String(), "Integration Candidate")
	s.Require().NoError(err)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exams (id, title, duration_minutes, passing_score) VALUES ($1, $2, 30, 70)`,
		examID.String(), "Integration Exam")
	s.Require().NoError(err)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exam_attempts (id, candidate_id, exam_id, started_at) VALUES ($1, $2, $3, $4)`,
		attemptID.String(), candidateID.String(), examID.String(), time.Now().UTC())
	s.Require().NoError(err)

	return attemptID, candidateID
}

// TestConcurrentCloseHasOneWinner verifies the check-and-set on session
// activity: timer expiry, manual submit and supervisor termination may all
// race to close, and exactly one closer must win.
func (s *PostgresStoreSuite) TestConcurrentCloseHasOneWinner() {
	ctx := context.Background()
	attemptID, candidateID := s.seedAttempt()

	sess := &models.Session{
		ID:          id.NewSessionID(),
		AttemptID:   attemptID,
		CandidateID: candidateID,
		Active:      true,
		StartedAt:   time.Now().UTC(),
	}
	s.Require().NoError(s.sessions.Create(ctx, sess))

	const closers = 20
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < closers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			performed, err := s.sessions.CloseIfActive(ctx, attemptID, time.Now().UTC())
			s.NoError(err)
			if performed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())

	got, err := s.sessions.Get(ctx, attemptID)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.False(got.Active)
	s.NotNil(got.EndedAt)
}

func (s *PostgresStoreSuite) TestCloseWithoutActiveSessionIsNoop() {
	ctx := context.Background()
	attemptID, _ := s.seedAttempt()

	performed, err := s.sessions.CloseIfActive(ctx, attemptID, time.Now().UTC())
	s.Require().NoError(err)
	s.False(performed)
}

func (s *PostgresStoreSuite) TestReopenRestoresClaimedClose() {
	ctx := context.Background()
	attemptID, candidateID := s.seedAttempt()

	sess := &models.Session{
		ID:          id.NewSessionID(),
		AttemptID:   attemptID,
		CandidateID: candidateID,
		Active:      true,
		StartedAt:   time.Now().UTC(),
	}
	s.Require().NoError(s.sessions.Create(ctx, sess))

	performed, err := s.sessions.CloseIfActive(ctx, attemptID, time.Now().UTC())
	s.Require().NoError(err)
	s.Require().True(performed)

	s.Require().NoError(s.sessions.Reopen(ctx, sess.ID))

	got, err := s.sessions.Get(ctx, attemptID)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.True(got.Active)
	s.Nil(got.EndedAt)

	// The claim can be taken again after the compensation.
	performed, err = s.sessions.CloseIfActive(ctx, attemptID, time.Now().UTC())
	s.Require().NoError(err)
	s.True(performed)
}

func (s *PostgresStoreSuite) TestGetReturnsLatestSession() {
	ctx := context.Background()
	attemptID, candidateID := s.seedAttempt()

	first := &models.Session{
		ID: id.NewSessionID(), AttemptID: attemptID, CandidateID: candidateID,
		Active: true, StartedAt: time.Now().UTC().Add(-time.Hour),
	}
	s.Require().NoError(s.sessions.Create(ctx, first))
	_, err := s.sessions.CloseIfActive(ctx, attemptID, time.Now().UTC().Add(-30*time.Minute))
	s.Require().NoError(err)

	second := &models.Session{
		ID: id.NewSessionID(), AttemptID: attemptID, CandidateID: candidateID,
		Active: true, StartedAt: time.Now().UTC(),
	}
	s.Require().NoError(s.sessions.Create(ctx, second))

	got, err := s.sessions.Get(ctx, attemptID)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(second.ID, got.ID)
	s.True(got.Active)
}

func (s *PostgresStoreSuite) TestFlagsListNewestFirst() {
	ctx := context.Background()
	attemptID, _ := s.seedAttempt()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, flagType := range []models.FlagType{models.FlagTabSwitch, models.FlagWindowBlur, models.FlagMultipleFaces} {
		err := s.flags.Append(ctx, models.IntegrityFlag{
			AttemptID:   attemptID,
			Type:        flagType,
			Description: "integration flag",
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
		s.Require().NoError(err)
	}

	flags, err := s.flags.ListByAttempt(ctx, attemptID)
	s.Require().NoError(err)
	s.Require().Len(flags, 3)
	s.Equal(models.FlagMultipleFaces, flags[0].Type)
	s.Equal(models.FlagTabSwitch, flags[2].Type)
}
