package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	exammodels "invigil/internal/exam/models"
	examports "invigil/internal/exam/ports"
	"invigil/internal/exam/scoring"
	"invigil/internal/proctoring/models"
	proctorports "invigil/internal/proctoring/ports"
	"invigil/internal/stream"
	id "invigil/pkg/domain"
	derrors "invigil/pkg/domain-errors"
)

var (
	actionsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invigil_control_actions_total",
		Help: "Supervisor control actions issued, by kind",
	}, []string{"kind"})

	actionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invigil_control_action_failures_total",
		Help: "Supervisor control actions that failed before taking effect, by kind",
	}, []string{"kind"})
)

// Service executes supervisor interventions against live sessions. Every
// intervention writes its ControlAction audit row first; terminal ones then
// claim the session close and write the attempt's result before anything
// reaches the candidate. A persistence failure anywhere in that sequence
// aborts the intervention and leaves the session active.
type Service struct {
	transport stream.Transport
	sessions  proctorports.SessionStore
	actions   proctorports.ActionStore
	attempts  examports.AttemptStore
	answers   examports.AnswerStore
	exams     examports.ExamStore

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New wires a control service over its stores and the broadcast transport.
func New(
	transport stream.Transport,
	sessions proctorports.SessionStore,
	actions proctorports.ActionStore,
	attempts examports.AttemptStore,
	answers examports.AnswerStore,
	exams examports.ExamStore,
	opts ...Option,
) *Service {
	s := &Service{
		transport: transport,
		sessions:  sessions,
		actions:   actions,
		attempts:  attempts,
		answers:   answers,
		exams:     exams,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Warn records a warning action and pushes it to the candidate. The session
// stays active.
func (s *Service) Warn(ctx context.Context, supervisorID id.SupervisorID, attemptID id.AttemptID, message string) error {
	session, err := s.activeSession(ctx, attemptID)
	if err != nil {
		actionsFailed.WithLabelValues(string(models.ActionWarning)).Inc()
		return err
	}

	action := models.ControlAction{
		AttemptID:    attemptID,
		SupervisorID: supervisorID,
		Kind:         models.ActionWarning,
		Message:      message,
		CreatedAt:    s.now(),
	}
	if err := s.actions.Append(ctx, action); err != nil {
		actionsFailed.WithLabelValues(string(models.ActionWarning)).Inc()
		return derrors.Wrap(err, derrors.CodeInternal, "recording warning")
	}

	if err := s.broadcast(ctx, session, EventWarning, Warning{Message: message}); err != nil {
		actionsFailed.WithLabelValues(string(models.ActionWarning)).Inc()
		return derrors.Wrap(err, derrors.CodeUnavailable, "warning not delivered")
	}

	actionsIssued.WithLabelValues(string(models.ActionWarning)).Inc()
	s.logger.InfoContext(ctx, "warning sent",
		"attempt_id", attemptID, "supervisor_id", supervisorID)
	return nil
}

// Terminate ends the session with a failing result: score zero, not passed.
// The audit row, the attempt result and the session close all land before
// the candidate is notified; if any write fails the session stays active and
// the supervisor sees the failure.
func (s *Service) Terminate(ctx context.Context, supervisorID id.SupervisorID, attemptID id.AttemptID, reason string) error {
	session, err := s.activeSession(ctx, attemptID)
	if err != nil {
		actionsFailed.WithLabelValues(string(models.ActionTerminate)).Inc()
		return err
	}

	action := models.ControlAction{
		AttemptID:    attemptID,
		SupervisorID: supervisorID,
		Kind:         models.ActionTerminate,
		Message:      reason,
		CreatedAt:    s.now(),
	}
	err = s.finish(ctx, session, action, 0, false, EventTerminated, Termination{Reason: reason})
	if err != nil {
		actionsFailed.WithLabelValues(string(models.ActionTerminate)).Inc()
		return err
	}

	actionsIssued.WithLabelValues(string(models.ActionTerminate)).Inc()
	s.logger.InfoContext(ctx, "session terminated",
		"attempt_id", attemptID, "supervisor_id", supervisorID, "reason", reason)
	return nil
}

// ForceComplete ends the session gracefully, grading whatever answers have
// been recorded so far against the full exam.
func (s *Service) ForceComplete(ctx context.Context, supervisorID id.SupervisorID, attemptID id.AttemptID, message string) error {
	session, err := s.activeSession(ctx, attemptID)
	if err != nil {
		actionsFailed.WithLabelValues(string(models.ActionComplete)).Inc()
		return err
	}

	result, err := s.gradeSoFar(ctx, attemptID)
	if err != nil {
		actionsFailed.WithLabelValues(string(models.ActionComplete)).Inc()
		return err
	}

	action := models.ControlAction{
		AttemptID:    attemptID,
		SupervisorID: supervisorID,
		Kind:         models.ActionComplete,
		Message:      message,
		CreatedAt:    s.now(),
	}
	err = s.finish(ctx, session, action, result.Score, result.Passed, EventCompleted, Completion{Message: message})
	if err != nil {
		actionsFailed.WithLabelValues(string(models.ActionComplete)).Inc()
		return err
	}

	actionsIssued.WithLabelValues(string(models.ActionComplete)).Inc()
	s.logger.InfoContext(ctx, "session force-completed",
		"attempt_id", attemptID, "supervisor_id", supervisorID, "score", result.Score)
	return nil
}

func (s *Service) activeSession(ctx context.Context, attemptID id.AttemptID) (*models.Session, error) {
	session, err := s.sessions.Get(ctx, attemptID)
	if err != nil {
		return nil, derrors.Wrap(err, derrors.CodeInternal, "loading session")
	}
	if session == nil {
		return nil, derrors.Newf(derrors.CodeNotFound, "no proctoring session for attempt %s", attemptID)
	}
	if !session.Active {
		return nil, derrors.New(derrors.CodeConflict, "session already ended")
	}
	return session, nil
}

func (s *Service) gradeSoFar(ctx context.Context, attemptID id.AttemptID) (scoring.Result, error) {
	attempt, err := s.attempts.Get(ctx, attemptID)
	if err != nil {
		return scoring.Result{}, derrors.Wrap(err, derrors.CodeInternal, "loading attempt")
	}
	if attempt == nil {
		return scoring.Result{}, derrors.Newf(derrors.CodeNotFound, "attempt %s not found", attemptID)
	}

	exam, err := s.exams.Exam(ctx, attempt.ExamID)
	if err != nil {
		return scoring.Result{}, derrors.Wrap(err, derrors.CodeInternal, "loading exam")
	}
	if exam == nil {
		return scoring.Result{}, derrors.Newf(derrors.CodeInternal, "attempt %s references unknown exam", attemptID)
	}

	questions, err := s.exams.Questions(ctx, attempt.ExamID)
	if err != nil {
		return scoring.Result{}, derrors.Wrap(err, derrors.CodeInternal, "loading questions")
	}
	recorded, err := s.answers.ListByAttempt(ctx, attemptID)
	if err != nil {
		return scoring.Result{}, derrors.Wrap(err, derrors.CodeInternal, "loading answers")
	}

	selected := make(map[id.QuestionID]exammodels.Option, len(recorded))
	for _, a := range recorded {
		selected[a.QuestionID] = a.Selected
	}
	return scoring.Grade(questions, selected, exam.PassingScore), nil
}

// finish performs the terminal sequence shared by terminate and complete:
// audit row, session close claim, attempt result, then the candidate
// broadcast. The close is claimed before the attempt is written so a
// concurrent submit and a supervisor action get exactly one winner and the
// loser never touches the result.
func (s *Service) finish(ctx context.Context, session *models.Session, action models.ControlAction, score int, passed bool, event string, payload any) error {
	if err := s.actions.Append(ctx, action); err != nil {
		return derrors.Wrap(err, derrors.CodeInternal, "recording control action")
	}

	endedAt := s.now()
	performed, err := s.sessions.CloseIfActive(ctx, session.AttemptID, endedAt)
	if err != nil {
		return derrors.Wrap(err, derrors.CodeInternal, "closing session")
	}
	if !performed {
		// A racing trigger closed the session first and owns the result;
		// nothing left to do.
		return nil
	}

	if err := s.attempts.Complete(ctx, session.AttemptID, endedAt, score, passed); err != nil {
		// Hand the claim back so the intervention can be retried.
		if reopenErr := s.sessions.Reopen(ctx, session.ID); reopenErr != nil {
			s.logger.ErrorContext(ctx, "reopening session after failed finalize",
				"attempt_id", session.AttemptID, "error", reopenErr)
		}
		return derrors.Wrap(err, derrors.CodeInternal, "finalizing attempt")
	}

	if err := s.broadcast(ctx, session, event, payload); err != nil {
		// The session is closed either way; surface the delivery failure so
		// the supervisor can reach the candidate out of band.
		return derrors.Wrap(err, derrors.CodeUnavailable, "session ended but candidate not notified")
	}
	return nil
}

func (s *Service) broadcast(ctx context.Context, session *models.Session, event string, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	topic := models.ControlTopic(session.AttemptID, session.ID)
	return s.transport.Publish(ctx, topic, event, data)
}
