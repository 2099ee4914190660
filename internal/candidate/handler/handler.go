// Package handler exposes the candidate API that walks an exam taker
// through the proctored flow, records answers and integrity events, and
// reports the countdown.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"

	exammodels "invigil/internal/exam/models"
	"invigil/internal/proctoring/detector"
	proctormodels "invigil/internal/proctoring/models"
	proctorports "invigil/internal/proctoring/ports"
	"invigil/internal/session"
	id "invigil/pkg/domain"
	dErrors "invigil/pkg/domain-errors"
	"invigil/pkg/platform/httputil"
)

// TokenHeader carries the candidate's opaque session token on every request
// after login.
const TokenHeader = "X-Session-Token"

// Handler wires the candidate endpoints to hosted session machines.
type Handler struct {
	registry   *session.Registry
	newMachine func() *session.Machine
	flags      proctorports.FlagStore
	logger     *slog.Logger

	mu        sync.Mutex
	detectors map[string]*detector.Detector
}

// New constructs a candidate handler. newMachine builds a fresh state
// machine per login.
func New(registry *session.Registry, newMachine func() *session.Machine, flags proctorports.FlagStore, logger *slog.Logger) *Handler {
	return &Handler{
		registry:   registry,
		newMachine: newMachine,
		flags:      flags,
		logger:     logger,
		detectors:  make(map[string]*detector.Detector),
	}
}

// Register mounts the candidate routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/candidate/login", h.HandleLogin)
	r.Post("/candidate/system-check", h.HandleSystemCheck)
	r.Post("/candidate/verify", h.HandleVerify)
	r.Get("/candidate/exam", h.HandleExam)
	r.Post("/candidate/begin", h.HandleBegin)
	r.Get("/candidate/questions", h.HandleQuestions)
	r.Put("/candidate/answers", h.HandleAnswer)
	r.Post("/candidate/submit", h.HandleSubmit)
	r.Get("/candidate/timer", h.HandleTimer)
	r.Get("/candidate/warnings", h.HandleWarnings)
	r.Post("/candidate/events", h.HandleEvent)
}

type loginRequest struct {
	NationalID string `json:"national_id"`
}

type loginResponse struct {
	Token     string `json:"token"`
	FullName  string `json:"full_name"`
	ExamID    string `json:"exam_id"`
	ExamTitle string `json:"exam_title"`
}

// HandleLogin handles POST /candidate/login.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if govalidator.IsNull(req.NationalID) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "national_id is required"))
		return
	}

	machine := h.newMachine()
	exam, err := machine.Login(ctx, req.NationalID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	token := h.registry.Open(machine)
	httputil.WriteJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		FullName:  machine.Candidate().FullName,
		ExamID:    exam.ID.String(),
		ExamTitle: exam.Title,
	})
}

// HandleSystemCheck handles POST /candidate/system-check.
func (h *Handler) HandleSystemCheck(w http.ResponseWriter, r *http.Request) {
	machine, _, ok := h.machine(w, r)
	if !ok {
		return
	}

	var report session.SystemReport
	if err := httputil.Decode(r, &report); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := machine.CompleteSystemCheck(r.Context(), report); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type verifyRequest struct {
	CapturedImage string `json:"captured_image"`
}

type verifyResponse struct {
	MatchScore int  `json:"match_score"`
	Verified   bool `json:"verified"`
}

// HandleVerify handles POST /candidate/verify. A rejected match is a normal
// response so the candidate can recapture and retry.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	machine, _, ok := h.machine(w, r)
	if !ok {
		return
	}

	var req verifyRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !govalidator.IsDataURI(req.CapturedImage) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "captured_image must be a data URI"))
		return
	}

	result, err := machine.VerifyIdentity(r.Context(), req.CapturedImage)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, verifyResponse{
		MatchScore: result.MatchScore,
		Verified:   result.Verified,
	})
}

type examResponse struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	DurationMinutes int    `json:"duration_minutes"`
	PassingScore    int    `json:"passing_score"`
	Instructions    string `json:"instructions"`
}

// HandleExam handles GET /candidate/exam.
func (h *Handler) HandleExam(w http.ResponseWriter, r *http.Request) {
	machine, _, ok := h.machine(w, r)
	if !ok {
		return
	}

	exam := machine.Exam()
	if exam == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeConflict, "not logged in"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, examResponse{
		Title:           exam.Title,
		Description:     exam.Description,
		DurationMinutes: exam.DurationMinutes,
		PassingScore:    exam.PassingScore,
		Instructions:    exam.Instructions,
	})
}

type beginRequest struct {
	Consent bool `json:"consent"`
}

type beginResponse struct {
	AttemptID    string `json:"attempt_id"`
	SessionID    string `json:"session_id"`
	StreamTopic  string `json:"stream_topic"`
	ControlTopic string `json:"control_topic"`
}

// HandleBegin handles POST /candidate/begin. On success the capture agent
// can start publishing on the returned stream topic.
func (h *Handler) HandleBegin(w http.ResponseWriter, r *http.Request) {
	machine, token, ok := h.machine(w, r)
	if !ok {
		return
	}

	var req beginRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	sess, err := machine.Begin(r.Context(), req.Consent)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	// The control listener must outlive this request: it is what settles the
	// machine when a supervisor intervenes mid-exam.
	if err := h.registry.Watch(context.WithoutCancel(r.Context()), token); err != nil {
		h.logger.ErrorContext(r.Context(), "control watch failed",
			"attempt_id", sess.AttemptID, "error", err)
		if cancelErr := machine.CancelStart(r.Context()); cancelErr != nil {
			h.logger.ErrorContext(r.Context(), "unwinding exam start failed",
				"attempt_id", sess.AttemptID, "error", cancelErr)
		}
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnavailable, "supervision channel unavailable, try again"))
		return
	}

	h.mu.Lock()
	h.detectors[token] = detector.New(sess.AttemptID, h.flags, detector.WithLogger(h.logger))
	h.mu.Unlock()

	httputil.WriteJSON(w, http.StatusOK, beginResponse{
		AttemptID:    sess.AttemptID.String(),
		SessionID:    sess.ID.String(),
		StreamTopic:  proctormodels.StreamTopic(sess.AttemptID, sess.ID),
		ControlTopic: proctormodels.ControlTopic(sess.AttemptID, sess.ID),
	})
}

type questionResponse struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	OptionA string `json:"option_a"`
	OptionB string `json:"option_b"`
	OptionC string `json:"option_c"`
	OptionD string `json:"option_d"`
	Points  int    `json:"points"`
	Order   int    `json:"order"`
}

// HandleQuestions handles GET /candidate/questions. Correct options never
// leave the server.
func (h *Handler) HandleQuestions(w http.ResponseWriter, r *http.Request) {
	machine, _, ok := h.machine(w, r)
	if !ok {
		return
	}

	questions, err := machine.Questions()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	out := make([]questionResponse, 0, len(questions))
	for _, q := range questions {
		out = append(out, questionResponse{
			ID:      q.ID.String(),
			Text:    q.Text,
			OptionA: q.OptionA,
			OptionB: q.OptionB,
			OptionC: q.OptionC,
			OptionD: q.OptionD,
			Points:  q.Points,
			Order:   q.Order,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"questions": out})
}

type answerRequest struct {
	QuestionID string `json:"question_id"`
	Selected   string `json:"selected"`
}

// HandleAnswer handles PUT /candidate/answers.
func (h *Handler) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	machine, _, ok := h.machine(w, r)
	if !ok {
		return
	}

	var req answerRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	questionID, err := id.ParseQuestionID(req.QuestionID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid question id"))
		return
	}

	if err := machine.Answer(r.Context(), questionID, exammodels.Option(req.Selected)); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type resultResponse struct {
	Score  int  `json:"score"`
	Passed bool `json:"passed"`
}

// HandleSubmit handles POST /candidate/submit.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	machine, token, ok := h.machine(w, r)
	if !ok {
		return
	}

	result, err := machine.Submit(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.mu.Lock()
	delete(h.detectors, token)
	h.mu.Unlock()

	httputil.WriteJSON(w, http.StatusOK, resultResponse{
		Score:  result.Score,
		Passed: result.Passed,
	})
}

type timerResponse struct {
	RemainingSeconds int    `json:"remaining_seconds"`
	Display          string `json:"display"`
	Low              bool   `json:"low"`
	Critical         bool   `json:"critical"`
}

// HandleTimer handles GET /candidate/timer.
func (h *Handler) HandleTimer(w http.ResponseWriter, r *http.Request) {
	machine, _, ok := h.machine(w, r)
	if !ok {
		return
	}

	status, running := machine.Countdown()
	if !running {
		httputil.WriteError(w, dErrors.New(dErrors.CodeConflict, "exam is not running"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, timerResponse{
		RemainingSeconds: int(status.Remaining / time.Second),
		Display:          status.Display,
		Low:              status.Low,
		Critical:         status.Critical,
	})
}

type warningResponse struct {
	Message        string    `json:"message"`
	ReceivedAt     time.Time `json:"received_at"`
	DisplaySeconds int       `json:"display_seconds"`
}

// HandleWarnings handles GET /candidate/warnings: supervisor warnings the
// candidate client must display, oldest first. display_seconds is the
// minimum time each warning stays on screen.
func (h *Handler) HandleWarnings(w http.ResponseWriter, r *http.Request) {
	machine, _, ok := h.machine(w, r)
	if !ok {
		return
	}

	notices := machine.Warnings()
	out := make([]warningResponse, 0, len(notices))
	for _, n := range notices {
		out = append(out, warningResponse{
			Message:        n.Message,
			ReceivedAt:     n.ReceivedAt,
			DisplaySeconds: int(session.MinWarningDisplay / time.Second),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"warnings": out})
}

type eventRequest struct {
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	FaceCount int    `json:"face_count"`
}

type eventResponse struct {
	Flagged     bool   `json:"flagged"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// HandleEvent handles POST /candidate/events: raw environment observations
// from the candidate client, classified and rate-limited by the detector.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	_, token, ok := h.machine(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	det := h.detectors[token]
	h.mu.Unlock()
	if det == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeConflict, "exam is not running"))
		return
	}

	var req eventRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	flag := det.Observe(r.Context(), detector.RawEvent{
		Kind:      detector.EventKind(req.Kind),
		Key:       req.Key,
		FaceCount: req.FaceCount,
	})
	if flag == nil {
		httputil.WriteJSON(w, http.StatusOK, eventResponse{Flagged: false})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, eventResponse{
		Flagged:     true,
		Type:        string(flag.Type),
		Description: flag.Description,
	})
}

func (h *Handler) machine(w http.ResponseWriter, r *http.Request) (*session.Machine, string, bool) {
	token := r.Header.Get(TokenHeader)
	if token == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "session token is required"))
		return nil, "", false
	}
	machine, ok := h.registry.Get(token)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "unknown session token"))
		return nil, "", false
	}
	return machine, token, true
}
