package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	exammodels "invigil/internal/exam/models"
	examports "invigil/internal/exam/ports"
	"invigil/internal/exam/scoring"
	proctormodels "invigil/internal/proctoring/models"
	proctorports "invigil/internal/proctoring/ports"
	"invigil/internal/verify"
	id "invigil/pkg/domain"
	derrors "invigil/pkg/domain-errors"
)

var sessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invigil_sessions_finished_total",
	Help: "Exam sessions reaching a terminal state, by trigger",
}, []string{"trigger"})

// State is a stage of the proctored exam flow. Transitions only move
// forward; the two terminal states never transition again.
type State string

const (
	StateLoggedOut     State = "logged_out"
	StateSystemCheck   State = "system_check"
	StateIdentityCheck State = "identity_check"
	StateInstructed    State = "instructed"
	StateInProgress    State = "in_progress"
	StateCompleted     State = "completed"
	StateTerminated    State = "terminated"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateTerminated }

// MinWarningDisplay is the floor on how long the candidate UI keeps a
// delivered supervisor warning on screen.
const MinWarningDisplay = 10 * time.Second

// WarningNotice is a supervisor warning as received by the candidate.
type WarningNotice struct {
	Message    string
	ReceivedAt time.Time
}

// SystemReport is the candidate environment check submitted before identity
// verification. Every capability must hold for the flow to continue.
type SystemReport struct {
	CameraAccess     bool `json:"camera_access"`
	MicrophoneAccess bool `json:"microphone_access"`
	BrowserSupported bool `json:"browser_supported"`
}

// Verifier matches a captured image against a reference photo.
type Verifier interface {
	Verify(ctx context.Context, capturedImage, referenceImageURL string) (verify.Result, error)
}

// Machine walks one candidate through the proctored flow: login, system
// check, identity verification, instructions, the timed exam, and a terminal
// result. Every transition persists its effects before the in-memory state
// moves, so a failed write leaves the machine where it was.
type Machine struct {
	candidates examports.CandidateStore
	exams      examports.ExamStore
	attempts   examports.AttemptStore
	answers    examports.AnswerStore
	sessions   proctorports.SessionStore
	verifier   Verifier

	logger   *slog.Logger
	now      func() time.Time
	newTimer func(minutes int, onExpire func()) *Timer

	mu        sync.Mutex
	state     State
	candidate *exammodels.Candidate
	exam      *exammodels.Exam
	questions []exammodels.Question
	attempt   *exammodels.Attempt
	session   *proctormodels.Session
	timer     *Timer
	result    *scoring.Result
	warnings  []WarningNotice

	capturedImageRef string
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithMachineLogger attaches a logger.
func WithMachineLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = logger }
}

// WithMachineClock overrides the time source.
func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithTimerFactory overrides countdown construction.
func WithTimerFactory(f func(minutes int, onExpire func()) *Timer) MachineOption {
	return func(m *Machine) { m.newTimer = f }
}

// NewMachine builds a machine in the logged-out state.
func NewMachine(
	candidates examports.CandidateStore,
	exams examports.ExamStore,
	attempts examports.AttemptStore,
	answers examports.AnswerStore,
	sessions proctorports.SessionStore,
	verifier Verifier,
	opts ...MachineOption,
) *Machine {
	m := &Machine{
		candidates: candidates,
		exams:      exams,
		attempts:   attempts,
		answers:    answers,
		sessions:   sessions,
		verifier:   verifier,
		logger:     slog.Default(),
		now:        time.Now,
		state:      StateLoggedOut,
		newTimer: func(minutes int, onExpire func()) *Timer {
			return NewTimer(minutes, onExpire)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login identifies the candidate by national ID and binds the single active
// exam. Exactly one candidate must hold the credential and exactly one exam
// must be open; anything else refuses the login.
func (m *Machine) Login(ctx context.Context, nationalID string) (*exammodels.Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateLoggedOut {
		return nil, derrors.Newf(derrors.CodeConflict, "login not allowed in state %s", m.state)
	}

	candidate, err := m.candidates.FindByNationalID(ctx, nationalID)
	if err != nil {
		return nil, derrors.Wrap(err, derrors.CodeInternal, "looking up candidate")
	}
	if candidate == nil {
		return nil, derrors.New(derrors.CodeUnauthorized, "national ID not registered")
	}

	exams, err := m.exams.ActiveExams(ctx)
	if err != nil {
		return nil, derrors.Wrap(err, derrors.CodeInternal, "listing active exams")
	}
	switch {
	case len(exams) == 0:
		return nil, derrors.New(derrors.CodeConflict, "no exam is currently open")
	case len(exams) > 1:
		return nil, derrors.New(derrors.CodeConflict, "more than one exam is open")
	}

	m.candidate = candidate
	m.exam = exams[0]
	m.state = StateSystemCheck
	m.logger.InfoContext(ctx, "candidate logged in",
		"candidate_id", candidate.ID, "exam_id", m.exam.ID)
	return exams[0], nil
}

// CompleteSystemCheck records the environment check. Any missing capability
// refuses the transition and the check can be retried.
func (m *Machine) CompleteSystemCheck(ctx context.Context, report SystemReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateSystemCheck {
		return derrors.Newf(derrors.CodeConflict, "system check not allowed in state %s", m.state)
	}
	switch {
	case !report.CameraAccess:
		return derrors.New(derrors.CodeBadRequest, "camera access is required")
	case !report.MicrophoneAccess:
		return derrors.New(derrors.CodeBadRequest, "microphone access is required")
	case !report.BrowserSupported:
		return derrors.New(derrors.CodeBadRequest, "a supported browser is required")
	}

	m.state = StateIdentityCheck
	return nil
}

// VerifyIdentity submits a captured image for face verification. A verified
// match advances the flow; a rejected match returns the score with no
// transition so the candidate can retry. A verifier outage is an error and
// never counts as a rejection.
func (m *Machine) VerifyIdentity(ctx context.Context, capturedImage string) (verify.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdentityCheck {
		return verify.Result{}, derrors.Newf(derrors.CodeConflict, "identity check not allowed in state %s", m.state)
	}
	if capturedImage == "" {
		return verify.Result{}, derrors.New(derrors.CodeBadRequest, "captured image is required")
	}

	result, err := m.verifier.Verify(ctx, capturedImage, m.candidate.ReferenceImageURL)
	if err != nil {
		return verify.Result{}, err
	}
	if !result.Verified {
		m.logger.InfoContext(ctx, "identity rejected",
			"candidate_id", m.candidate.ID, "match_score", result.MatchScore)
		return result, nil
	}

	m.capturedImageRef = capturedImage
	m.state = StateInstructed
	m.logger.InfoContext(ctx, "identity verified",
		"candidate_id", m.candidate.ID, "match_score", result.MatchScore)
	return result, nil
}

// Begin starts the timed exam: it creates the attempt and the proctoring
// session, loads the questions and starts the countdown. Consent to
// monitoring is required.
func (m *Machine) Begin(ctx context.Context, consent bool) (*proctormodels.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInstructed {
		return nil, derrors.Newf(derrors.CodeConflict, "exam start not allowed in state %s", m.state)
	}
	if !consent {
		return nil, derrors.New(derrors.CodeBadRequest, "monitoring consent is required")
	}

	questions, err := m.exams.Questions(ctx, m.exam.ID)
	if err != nil {
		return nil, derrors.Wrap(err, derrors.CodeInternal, "loading questions")
	}
	if len(questions) == 0 {
		return nil, derrors.New(derrors.CodeConflict, "exam has no questions")
	}

	now := m.now()
	attempt := &exammodels.Attempt{
		ID:                   id.NewAttemptID(),
		CandidateID:          m.candidate.ID,
		ExamID:               m.exam.ID,
		StartedAt:            now,
		FaceVerified:         true,
		VerificationImageRef: m.capturedImageRef,
	}
	if err := m.attempts.Create(ctx, attempt); err != nil {
		return nil, derrors.Wrap(err, derrors.CodeInternal, "creating attempt")
	}

	session := &proctormodels.Session{
		ID:          id.NewSessionID(),
		AttemptID:   attempt.ID,
		CandidateID: m.candidate.ID,
		Active:      true,
		StartedAt:   now,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, derrors.Wrap(err, derrors.CodeInternal, "creating session")
	}

	m.questions = questions
	m.attempt = attempt
	m.session = session
	m.timer = m.newTimer(m.exam.DurationMinutes, m.expire)
	m.timer.Start(context.WithoutCancel(ctx))
	m.state = StateInProgress

	m.logger.InfoContext(ctx, "exam started",
		"attempt_id", attempt.ID, "session_id", session.ID,
		"duration_minutes", m.exam.DurationMinutes)
	return session, nil
}

// Questions returns the exam's questions in order. Only available while the
// exam is in progress.
func (m *Machine) Questions() ([]exammodels.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInProgress {
		return nil, derrors.Newf(derrors.CodeConflict, "questions not available in state %s", m.state)
	}
	out := make([]exammodels.Question, len(m.questions))
	copy(out, m.questions)
	return out, nil
}

// Answer records the selected option for a question, overwriting any
// earlier selection.
func (m *Machine) Answer(ctx context.Context, questionID id.QuestionID, selected exammodels.Option) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInProgress {
		return derrors.Newf(derrors.CodeConflict, "answers not accepted in state %s", m.state)
	}
	if !selected.Valid() {
		return derrors.Newf(derrors.CodeBadRequest, "option %q is not a valid choice", selected)
	}
	if !m.hasQuestion(questionID) {
		return derrors.Newf(derrors.CodeNotFound, "question %s is not part of this exam", questionID)
	}

	return derrors.Wrap(m.answers.Upsert(ctx, exammodels.Answer{
		AttemptID:  m.attempt.ID,
		QuestionID: questionID,
		Selected:   selected,
		AnsweredAt: m.now(),
	}), derrors.CodeInternal, "recording answer")
}

func (m *Machine) hasQuestion(questionID id.QuestionID) bool {
	for _, q := range m.questions {
		if q.ID == questionID {
			return true
		}
	}
	return false
}

// Submit ends the exam at the candidate's request and grades all recorded
// answers.
func (m *Machine) Submit(ctx context.Context) (scoring.Result, error) {
	return m.finish(ctx, "submitted")
}

// expire is the countdown callback: the exam ends and whatever has been
// answered is graded.
func (m *Machine) expire() {
	ctx := context.Background()
	if _, err := m.finish(ctx, "expired"); err != nil {
		m.logger.Error("auto-submit on expiry failed", "error", err)
	}
}

func (m *Machine) finish(ctx context.Context, trigger string) (scoring.Result, error) {
	m.mu.Lock()

	if m.state != StateInProgress {
		m.mu.Unlock()
		return scoring.Result{}, derrors.Newf(derrors.CodeConflict, "exam not in progress (state %s)", m.state)
	}

	recorded, err := m.answers.ListByAttempt(ctx, m.attempt.ID)
	if err != nil {
		m.mu.Unlock()
		return scoring.Result{}, derrors.Wrap(err, derrors.CodeInternal, "loading answers")
	}
	selected := make(map[id.QuestionID]exammodels.Option, len(recorded))
	for _, a := range recorded {
		selected[a.QuestionID] = a.Selected
	}
	result := scoring.Grade(m.questions, selected, m.exam.PassingScore)

	// Claim the session close before touching the attempt: whichever trigger
	// closes first owns the result, so a supervisor termination can never be
	// overwritten by a late submit.
	endedAt := m.now()
	performed, err := m.sessions.CloseIfActive(ctx, m.attempt.ID, endedAt)
	if err != nil {
		m.mu.Unlock()
		return scoring.Result{}, derrors.Wrap(err, derrors.CodeInternal, "closing session")
	}
	if !performed {
		// A supervisor already ended the session; their broadcast settles
		// the machine, this grade is discarded.
		timer := m.timer
		m.timer = nil
		m.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		return scoring.Result{}, derrors.New(derrors.CodeConflict, "session already ended")
	}

	if err := m.attempts.Complete(ctx, m.attempt.ID, endedAt, result.Score, result.Passed); err != nil {
		// Hand the claim back so the candidate can retry the submit.
		if reopenErr := m.sessions.Reopen(ctx, m.session.ID); reopenErr != nil {
			m.logger.ErrorContext(ctx, "reopening session after failed finalize",
				"attempt_id", m.attempt.ID, "error", reopenErr)
		}
		m.mu.Unlock()
		return scoring.Result{}, derrors.Wrap(err, derrors.CodeInternal, "finalizing attempt")
	}

	m.state = StateCompleted
	m.result = &result
	timer := m.timer
	m.timer = nil
	attemptID := m.attempt.ID
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	sessionsFinished.WithLabelValues(trigger).Inc()
	m.logger.InfoContext(ctx, "exam finished",
		"attempt_id", attemptID, "trigger", trigger,
		"score", result.Score, "passed", result.Passed)
	return result, nil
}

// HandleWarning records a supervisor warning for the candidate to display.
// Warnings outside a running exam are dropped.
func (m *Machine) HandleWarning(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInProgress {
		return
	}
	m.warnings = append(m.warnings, WarningNotice{Message: message, ReceivedAt: m.now()})
}

// Warnings returns the supervisor warnings received so far, oldest first.
func (m *Machine) Warnings() []WarningNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WarningNotice, len(m.warnings))
	copy(out, m.warnings)
	return out
}

// CancelStart unwinds an exam start whose supervision channel could not be
// established: the session closes, the countdown stops and the machine
// returns to instructed so the candidate can start again.
func (m *Machine) CancelStart(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInProgress {
		m.mu.Unlock()
		return derrors.Newf(derrors.CodeConflict, "cancel not allowed in state %s", m.state)
	}
	if _, err := m.sessions.CloseIfActive(ctx, m.attempt.ID, m.now()); err != nil {
		m.mu.Unlock()
		return derrors.Wrap(err, derrors.CodeInternal, "closing session")
	}

	timer := m.timer
	m.timer = nil
	attemptID := m.attempt.ID
	m.attempt = nil
	m.session = nil
	m.questions = nil
	m.state = StateInstructed
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	m.logger.InfoContext(ctx, "exam start cancelled", "attempt_id", attemptID)
	return nil
}

// HandleTerminated moves the machine to its terminated state after a
// supervisor intervention. The stores were already mutated by the control
// side; only the in-memory state and the countdown remain.
func (m *Machine) HandleTerminated(reason string) {
	m.settle(StateTerminated, "terminated", reason)
}

// HandleForcedCompletion moves the machine to completed after a supervisor
// force-complete.
func (m *Machine) HandleForcedCompletion(message string) {
	m.settle(StateCompleted, "force_completed", message)
}

func (m *Machine) settle(state State, trigger, detail string) {
	m.mu.Lock()
	if m.state != StateInProgress {
		m.mu.Unlock()
		return
	}
	m.state = state
	timer := m.timer
	m.timer = nil
	attemptID := m.attempt.ID
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	sessionsFinished.WithLabelValues(trigger).Inc()
	m.logger.Info("session settled by supervisor",
		"attempt_id", attemptID, "trigger", trigger, "detail", detail)
}

// CurrentState reports the machine's stage.
func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Candidate returns the logged-in candidate, nil before login.
func (m *Machine) Candidate() *exammodels.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candidate
}

// Exam returns the bound exam, nil before login.
func (m *Machine) Exam() *exammodels.Exam {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exam
}

// Attempt returns the attempt, nil before the exam starts.
func (m *Machine) Attempt() *exammodels.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Session returns the proctoring session, nil before the exam starts.
func (m *Machine) Session() *proctormodels.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Result returns the graded result once the machine completed normally.
func (m *Machine) Result() *scoring.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Countdown reports the timer status while the exam runs.
func (m *Machine) Countdown() (TimerStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer == nil {
		return TimerStatus{}, false
	}
	return m.timer.Status(), true
}
