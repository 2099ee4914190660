package control

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	exammodels "invigil/internal/exam/models"
	examports "invigil/internal/exam/ports"
	examstore "invigil/internal/exam/store"
	"invigil/internal/proctoring/models"
	proctorports "invigil/internal/proctoring/ports"
	proctorstore "invigil/internal/proctoring/store"
	"invigil/internal/stream"
	id "invigil/pkg/domain"
	derrors "invigil/pkg/domain-errors"
)

// failingAttempts wraps an attempt store and fails terminal writes on demand.
type failingAttempts struct {
	examports.AttemptStore
	failComplete bool
}

func (f *failingAttempts) Complete(ctx context.Context, attemptID id.AttemptID, completedAt time.Time, score int, passed bool) error {
	if f.failComplete {
		return fmt.Errorf("attempt store unavailable")
	}
	return f.AttemptStore.Complete(ctx, attemptID, completedAt, score, passed)
}

// racingSessions reports a still-active session from Get while the backing
// store has already closed it, recreating the window where another trigger
// claims the close between the lookup and the check-and-set.
type racingSessions struct {
	proctorports.SessionStore
}

func (r *racingSessions) Get(ctx context.Context, attemptID id.AttemptID) (*models.Session, error) {
	session, err := r.SessionStore.Get(ctx, attemptID)
	if err != nil || session == nil {
		return session, err
	}
	session.Active = true
	return session, nil
}

type ControlServiceSuite struct {
	suite.Suite
	ctx       context.Context
	transport *stream.Memory
	exams     *examstore.Memory
	attempts  *failingAttempts
	sessions  *proctorstore.SessionMemory
	actions   *proctorstore.ActionMemory
	service   *Service

	exam         exammodels.Exam
	questions    []exammodels.Question
	attemptID    id.AttemptID
	sessionID    id.SessionID
	supervisorID id.SupervisorID

	warnings     []Warning
	terminations []Termination
	completions  []Completion
	listener     *Listener
}

func TestControlServiceSuite(t *testing.T) {
	suite.Run(t, new(ControlServiceSuite))
}

func (s *ControlServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.transport = stream.NewMemory()
	s.exams = examstore.NewMemory()
	s.attempts = &failingAttempts{AttemptStore: s.exams}
	s.sessions = proctorstore.NewSessionMemory()
	s.actions = proctorstore.NewActionMemory()
	s.warnings = nil
	s.terminations = nil
	s.completions = nil

	s.exam = exammodels.Exam{
		ID:              id.NewExamID(),
		Title:           "Network Fundamentals",
		DurationMinutes: 30,
		PassingScore:    70,
		Active:          true,
	}
	s.questions = []exammodels.Question{
		{ID: id.NewQuestionID(), ExamID: s.exam.ID, Text: "q1", CorrectOption: exammodels.OptionA, Points: 1, Order: 1},
		{ID: id.NewQuestionID(), ExamID: s.exam.ID, Text: "q2", CorrectOption: exammodels.OptionB, Points: 1, Order: 2},
	}
	s.exams.SeedExam(s.exam, s.questions)

	s.attemptID = id.NewAttemptID()
	s.sessionID = id.NewSessionID()
	s.supervisorID = id.NewSupervisorID()

	candidateID := id.NewCandidateID()
	s.Require().NoError(s.exams.Create(s.ctx, &exammodels.Attempt{
		ID:          s.attemptID,
		CandidateID: candidateID,
		ExamID:      s.exam.ID,
		StartedAt:   time.Now(),
	}))
	s.Require().NoError(s.sessions.Create(s.ctx, &models.Session{
		ID:          s.sessionID,
		AttemptID:   s.attemptID,
		CandidateID: candidateID,
		Active:      true,
		StartedAt:   time.Now(),
	}))

	var err error
	s.listener, err = Listen(s.ctx, s.transport, models.ControlTopic(s.attemptID, s.sessionID), Handlers{
		OnWarning:    func(w Warning) { s.warnings = append(s.warnings, w) },
		OnTerminated: func(t Termination) { s.terminations = append(s.terminations, t) },
		OnCompleted:  func(c Completion) { s.completions = append(s.completions, c) },
	}, nil)
	s.Require().NoError(err)

	s.service = New(s.transport, s.sessions, s.actions, s.attempts, s.exams, s.exams)
}

func (s *ControlServiceSuite) TearDownTest() {
	s.Require().NoError(s.listener.Close())
}

func (s *ControlServiceSuite) answer(question exammodels.Question, selected exammodels.Option) {
	s.Require().NoError(s.exams.Upsert(s.ctx, exammodels.Answer{
		AttemptID:  s.attemptID,
		QuestionID: question.ID,
		Selected:   selected,
		AnsweredAt: time.Now(),
	}))
}

func (s *ControlServiceSuite) TestWarnAuditsThenBroadcasts() {
	s.Require().NoError(s.service.Warn(s.ctx, s.supervisorID, s.attemptID, "stay in frame"))

	actions, err := s.actions.ListByAttempt(s.ctx, s.attemptID)
	s.Require().NoError(err)
	s.Require().Len(actions, 1)
	s.Equal(models.ActionWarning, actions[0].Kind)
	s.Equal("stay in frame", actions[0].Message)
	s.Equal(s.supervisorID, actions[0].SupervisorID)

	s.Require().Len(s.warnings, 1)
	s.Equal("stay in frame", s.warnings[0].Message)

	// A warning never touches the session or the attempt.
	session, err := s.sessions.Get(s.ctx, s.attemptID)
	s.Require().NoError(err)
	s.True(session.Active)
	attempt, err := s.exams.Get(s.ctx, s.attemptID)
	s.Require().NoError(err)
	s.False(attempt.Completed())
}

func (s *ControlServiceSuite) TestWarnWithoutAuditRowNeverReachesCandidate() {
	s.actions.FailAppends(true)

	err := s.service.Warn(s.ctx, s.supervisorID, s.attemptID, "stay in frame")
	s.Require().Error(err)
	s.Equal(derrors.CodeInternal, derrors.CodeOf(err))
	s.Empty(s.warnings)
}

func (s *ControlServiceSuite) TestWarnUnknownAttempt() {
	err := s.service.Warn(s.ctx, s.supervisorID, id.NewAttemptID(), "hello")
	s.Equal(derrors.CodeNotFound, derrors.CodeOf(err))
}

func (s *ControlServiceSuite) TestWarnClosedSession() {
	_, err := s.sessions.CloseIfActive(s.ctx, s.attemptID, time.Now())
	s.Require().NoError(err)

	err = s.service.Warn(s.ctx, s.supervisorID, s.attemptID, "hello")
	s.Equal(derrors.CodeConflict, derrors.CodeOf(err))
}

func (s *ControlServiceSuite) TestTerminateFailsAttemptAndClosesSession() {
	s.Require().NoError(s.service.Terminate(s.ctx, s.supervisorID, s.attemptID, "multiple faces on camera"))

	attempt, err := s.exams.Get(s.ctx, s.attemptID)
	s.Require().NoError(err)
	s.Require().True(attempt.Completed())
	s.Equal(0, *attempt.Score)
	s.False(*attempt.Passed)

	session, err := s.sessions.Get(s.ctx, s.attemptID)
	s.Require().NoError(err)
	s.False(session.Active)
	s.NotNil(session.EndedAt)

	actions, err := s.actions.ListByAttempt(s.ctx, s.attemptID)
	s.Require().NoError(err)
	s.Require().Len(actions, 1)
	s.Equal(models.ActionTerminate, actions[0].Kind)

	s.Require().Len(s.terminations, 1)
	s.Equal("multiple faces on camera", s.terminations[0].Reason)
}

func (s *ControlServiceSuite) TestTerminateAbortsWhenAttemptWriteFails() {
	s.attempts.failComplete = true

	err := s.service.Terminate(s.ctx, s.supervisorID, s.attemptID, "reason")
	s.Require().Error(err)
	s.Equal(derrors.CodeInternal, derrors.CodeOf(err))

	// The session survives the failed intervention and nothing reached the
	// candidate, so the supervisor can retry.
	session, sessErr := s.sessions.Get(s.ctx, s.attemptID)
	s.Require().NoError(sessErr)
	s.True(session.Active)
	s.Empty(s.terminations)

	s.attempts.failComplete = false
	s.Require().NoError(s.service.Terminate(s.ctx, s.supervisorID, s.attemptID, "reason"))
	s.Require().Len(s.terminations, 1)
}

func (s *ControlServiceSuite) TestTerminateLosingCloseRaceLeavesResultAlone() {
	// The candidate's submit lands first: graded result, session closed.
	s.answer(s.questions[0], exammodels.OptionA)
	s.answer(s.questions[1], exammodels.OptionB)
	performed, err := s.sessions.CloseIfActive(s.ctx, s.attemptID, time.Now())
	s.Require().NoError(err)
	s.Require().True(performed)
	s.Require().NoError(s.exams.Complete(s.ctx, s.attemptID, time.Now(), 100, true))

	service := New(s.transport, &racingSessions{SessionStore: s.sessions}, s.actions, s.attempts, s.exams, s.exams)
	s.Require().NoError(service.Terminate(s.ctx, s.supervisorID, s.attemptID, "too late"))

	// The losing intervention is a no-op past the audit row: the graded
	// result stands and the candidate hears nothing.
	attempt, err := s.exams.Get(s.ctx, s.attemptID)
	s.Require().NoError(err)
	s.Equal(100, *attempt.Score)
	s.True(*attempt.Passed)
	s.Empty(s.terminations)
}

func (s *ControlServiceSuite) TestTerminateClosedSessionConflicts() {
	s.Require().NoError(s.service.Terminate(s.ctx, s.supervisorID, s.attemptID, "first"))

	err := s.service.Terminate(s.ctx, s.supervisorID, s.attemptID, "second")
	s.Equal(derrors.CodeConflict, derrors.CodeOf(err))
	s.Len(s.terminations, 1)
}

func (s *ControlServiceSuite) TestForceCompleteGradesAnswersSoFar() {
	s.answer(s.questions[0], exammodels.OptionA) // correct
	// q2 left unanswered.

	s.Require().NoError(s.service.ForceComplete(s.ctx, s.supervisorID, s.attemptID, "time accommodation reached"))

	attempt, err := s.exams.Get(s.ctx, s.attemptID)
	s.Require().NoError(err)
	s.Require().True(attempt.Completed())
	s.Equal(50, *attempt.Score)
	s.False(*attempt.Passed)

	session, err := s.sessions.Get(s.ctx, s.attemptID)
	s.Require().NoError(err)
	s.False(session.Active)

	actions, err := s.actions.ListByAttempt(s.ctx, s.attemptID)
	s.Require().NoError(err)
	s.Require().Len(actions, 1)
	s.Equal(models.ActionComplete, actions[0].Kind)

	s.Require().Len(s.completions, 1)
	s.Equal("time accommodation reached", s.completions[0].Message)
}

func (s *ControlServiceSuite) TestForceCompleteCanPass() {
	s.answer(s.questions[0], exammodels.OptionA)
	s.answer(s.questions[1], exammodels.OptionB)

	s.Require().NoError(s.service.ForceComplete(s.ctx, s.supervisorID, s.attemptID, "done"))

	attempt, err := s.exams.Get(s.ctx, s.attemptID)
	s.Require().NoError(err)
	s.Equal(100, *attempt.Score)
	s.True(*attempt.Passed)
}

func (s *ControlServiceSuite) TestForceCompleteWithNoAnswers() {
	s.Require().NoError(s.service.ForceComplete(s.ctx, s.supervisorID, s.attemptID, "ending early"))

	attempt, err := s.exams.Get(s.ctx, s.attemptID)
	s.Require().NoError(err)
	s.Equal(0, *attempt.Score)
	s.False(*attempt.Passed)
}
