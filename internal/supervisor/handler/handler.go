// Package handler exposes the supervisor API: login, the live session
// dashboard, integrity flag feeds, the control actions, and the websocket
// live view of a candidate's streams.
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"invigil/internal/control"
	"invigil/internal/platform/middleware"
	proctormodels "invigil/internal/proctoring/models"
	proctorports "invigil/internal/proctoring/ports"
	"invigil/internal/stream"
	"invigil/internal/supervisor/auth"
	id "invigil/pkg/domain"
	dErrors "invigil/pkg/domain-errors"
	"invigil/pkg/platform/httputil"
)

// Handler wires supervisor endpoints to the auth and control services.
type Handler struct {
	auth     *auth.Service
	control  *control.Service
	sessions proctorports.SessionStore
	flags    proctorports.FlagStore
	actions  proctorports.ActionStore

	transport stream.Transport
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	// livePushInterval paces websocket frame pushes. Tests shorten it.
	livePushInterval time.Duration
}

// New constructs a supervisor handler with its dependencies.
func New(
	authService *auth.Service,
	controlService *control.Service,
	sessions proctorports.SessionStore,
	flags proctorports.FlagStore,
	actions proctorports.ActionStore,
	transport stream.Transport,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		auth:             authService,
		control:          controlService,
		sessions:         sessions,
		flags:            flags,
		actions:          actions,
		transport:        transport,
		logger:           logger,
		upgrader:         websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1 << 16},
		livePushInterval: time.Second,
	}
}

// Register mounts the supervisor routes. Everything below /supervisor except
// login requires a bearer token.
func (h *Handler) Register(r chi.Router) {
	r.Post("/supervisor/login", h.HandleLogin)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(auth.NewMiddlewareAdapter(h.auth), h.logger))
		r.Get("/supervisor/sessions", h.HandleListSessions)
		r.Get("/supervisor/sessions/{attemptID}/flags", h.HandleListFlags)
		r.Get("/supervisor/sessions/{attemptID}/actions", h.HandleListActions)
		r.Post("/supervisor/sessions/{attemptID}/warn", h.HandleWarn)
		r.Post("/supervisor/sessions/{attemptID}/terminate", h.HandleTerminate)
		r.Post("/supervisor/sessions/{attemptID}/complete", h.HandleComplete)
		r.Get("/supervisor/sessions/{attemptID}/live", h.HandleLiveView)
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	FullName    string `json:"full_name"`
	Email       string `json:"email"`
}

// HandleLogin handles POST /supervisor/login.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "email and password are required"))
		return
	}

	token, supervisor, err := h.auth.Login(ctx, req.Email, req.Password)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "supervisor logged in", "supervisor_id", supervisor.ID)
	httputil.WriteJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		FullName:    supervisor.FullName,
		Email:       supervisor.Email,
	})
}

type sessionResponse struct {
	SessionID   string    `json:"session_id"`
	AttemptID   string    `json:"attempt_id"`
	CandidateID string    `json:"candidate_id"`
	StartedAt   time.Time `json:"started_at"`
	FlagCount   int       `json:"flag_count"`
}

// HandleListSessions handles GET /supervisor/sessions.
func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	active, err := h.sessions.ListActive(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "listing active sessions failed", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "listing sessions"))
		return
	}

	out := make([]sessionResponse, 0, len(active))
	for _, s := range active {
		flags, err := h.flags.ListByAttempt(ctx, s.AttemptID)
		if err != nil {
			h.logger.ErrorContext(ctx, "counting flags failed", "attempt_id", s.AttemptID, "error", err)
			httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "listing sessions"))
			return
		}
		out = append(out, sessionResponse{
			SessionID:   s.ID.String(),
			AttemptID:   s.AttemptID.String(),
			CandidateID: s.CandidateID.String(),
			StartedAt:   s.StartedAt,
			FlagCount:   len(flags),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type flagResponse struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// HandleListFlags handles GET /supervisor/sessions/{attemptID}/flags.
// Flags come back newest first.
func (h *Handler) HandleListFlags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	attemptID, err := h.attemptID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	flags, err := h.flags.ListByAttempt(ctx, attemptID)
	if err != nil {
		h.logger.ErrorContext(ctx, "listing flags failed", "attempt_id", attemptID, "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "listing flags"))
		return
	}

	out := make([]flagResponse, 0, len(flags))
	for _, f := range flags {
		out = append(out, flagResponse{
			Type:        string(f.Type),
			Description: f.Description,
			CreatedAt:   f.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"flags": out})
}

type actionResponse struct {
	Kind         string    `json:"kind"`
	Message      string    `json:"message"`
	SupervisorID string    `json:"supervisor_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// HandleListActions handles GET /supervisor/sessions/{attemptID}/actions.
func (h *Handler) HandleListActions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	attemptID, err := h.attemptID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	actions, err := h.actions.ListByAttempt(ctx, attemptID)
	if err != nil {
		h.logger.ErrorContext(ctx, "listing actions failed", "attempt_id", attemptID, "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "listing actions"))
		return
	}

	out := make([]actionResponse, 0, len(actions))
	for _, a := range actions {
		out = append(out, actionResponse{
			Kind:         string(a.Kind),
			Message:      a.Message,
			SupervisorID: a.SupervisorID.String(),
			CreatedAt:    a.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"actions": out})
}

type interventionRequest struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// HandleWarn handles POST /supervisor/sessions/{attemptID}/warn.
func (h *Handler) HandleWarn(w http.ResponseWriter, r *http.Request) {
	h.intervene(w, r, func(supervisorID id.SupervisorID, attemptID id.AttemptID, req interventionRequest) error {
		if req.Message == "" {
			return dErrors.New(dErrors.CodeBadRequest, "message is required")
		}
		return h.control.Warn(r.Context(), supervisorID, attemptID, req.Message)
	})
}

// HandleTerminate handles POST /supervisor/sessions/{attemptID}/terminate.
func (h *Handler) HandleTerminate(w http.ResponseWriter, r *http.Request) {
	h.intervene(w, r, func(supervisorID id.SupervisorID, attemptID id.AttemptID, req interventionRequest) error {
		if req.Reason == "" {
			return dErrors.New(dErrors.CodeBadRequest, "reason is required")
		}
		return h.control.Terminate(r.Context(), supervisorID, attemptID, req.Reason)
	})
}

// HandleComplete handles POST /supervisor/sessions/{attemptID}/complete.
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	h.intervene(w, r, func(supervisorID id.SupervisorID, attemptID id.AttemptID, req interventionRequest) error {
		return h.control.ForceComplete(r.Context(), supervisorID, attemptID, req.Message)
	})
}

func (h *Handler) intervene(w http.ResponseWriter, r *http.Request, apply func(id.SupervisorID, id.AttemptID, interventionRequest) error) {
	attemptID, err := h.attemptID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	supervisorID, err := id.ParseSupervisorID(middleware.GetSupervisorID(r.Context()))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	var req interventionRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := apply(supervisorID, attemptID, req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type liveFrame struct {
	Source     string    `json:"source"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Data       []byte    `json:"data"`
	CapturedAt time.Time `json:"captured_at"`
}

type liveMessage struct {
	Type   string      `json:"type"`
	Frames []liveFrame `json:"frames"`
}

// HandleLiveView handles GET /supervisor/sessions/{attemptID}/live. It
// upgrades to a websocket and pushes the latest frame of every source about
// once a second until the client goes away.
func (h *Handler) HandleLiveView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	attemptID, err := h.attemptID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	session, err := h.sessions.Get(ctx, attemptID)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "loading session"))
		return
	}
	if session == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no session for attempt"))
		return
	}

	topic := proctormodels.StreamTopic(session.AttemptID, session.ID)
	subscriber, err := stream.OpenSubscriber(ctx, h.transport, topic, h.logger)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "subscribing to stream"))
		return
	}
	defer subscriber.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its error response.
		h.logger.WarnContext(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client messages so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.InfoContext(ctx, "live view opened",
		"attempt_id", attemptID, "session_id", session.ID)

	ticker := time.NewTicker(h.livePushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := liveMessage{Type: "frames"}
			for source, frame := range subscriber.Snapshot() {
				msg.Frames = append(msg.Frames, liveFrame{
					Source:     string(source),
					Width:      frame.Width,
					Height:     frame.Height,
					Data:       frame.Data,
					CapturedAt: frame.CapturedAt,
				})
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (h *Handler) attemptID(r *http.Request) (id.AttemptID, error) {
	attemptID, err := id.ParseAttemptID(chi.URLParam(r, "attemptID"))
	if err != nil {
		return id.AttemptID{}, dErrors.New(dErrors.CodeBadRequest, "invalid attempt id")
	}
	return attemptID, nil
}
