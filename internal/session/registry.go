package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"invigil/internal/control"
	proctormodels "invigil/internal/proctoring/models"
	"invigil/internal/stream"
	id "invigil/pkg/domain"
	derrors "invigil/pkg/domain-errors"
)

// Registry hosts the machines of candidates currently in the flow. Machines
// are addressed by an opaque token handed out at open time; once an exam
// starts they are also reachable by attempt ID, and a control listener keeps
// each machine in step with supervisor interventions.
type Registry struct {
	transport stream.Transport
	logger    *slog.Logger

	mu        sync.Mutex
	byToken   map[string]*entry
	byAttempt map[id.AttemptID]string
}

type entry struct {
	machine  *Machine
	listener *control.Listener
}

// NewRegistry builds an empty registry over the control transport.
func NewRegistry(transport stream.Transport, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		transport: transport,
		logger:    logger,
		byToken:   make(map[string]*entry),
		byAttempt: make(map[id.AttemptID]string),
	}
}

// Open registers a fresh machine and returns its access token.
func (r *Registry) Open(machine *Machine) string {
	token := uuid.NewString()
	r.mu.Lock()
	r.byToken[token] = &entry{machine: machine}
	r.mu.Unlock()
	return token
}

// Get resolves a token to its machine.
func (r *Registry) Get(token string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byToken[token]
	if !ok {
		return nil, false
	}
	return e.machine, true
}

// ByAttempt resolves an attempt ID to its machine. Only machines that have
// started their exam are reachable this way.
func (r *Registry) ByAttempt(attemptID id.AttemptID) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.byAttempt[attemptID]
	if !ok {
		return nil, false
	}
	e, ok := r.byToken[token]
	if !ok {
		return nil, false
	}
	return e.machine, true
}

// Watch indexes a started machine by its attempt and subscribes to the
// session's control topic so supervisor interventions settle the machine.
// Call it right after Begin succeeds.
func (r *Registry) Watch(ctx context.Context, token string) error {
	r.mu.Lock()
	e, ok := r.byToken[token]
	r.mu.Unlock()
	if !ok {
		return derrors.New(derrors.CodeNotFound, "unknown session token")
	}

	machine := e.machine
	session := machine.Session()
	if session == nil {
		return derrors.New(derrors.CodeConflict, "machine has not started its exam")
	}

	topic := proctormodels.ControlTopic(session.AttemptID, session.ID)
	listener, err := control.Listen(ctx, r.transport, topic, control.Handlers{
		OnWarning: func(wrn control.Warning) {
			machine.HandleWarning(wrn.Message)
		},
		OnTerminated: func(t control.Termination) {
			machine.HandleTerminated(t.Reason)
		},
		OnCompleted: func(c control.Completion) {
			machine.HandleForcedCompletion(c.Message)
		},
	}, r.logger)
	if err != nil {
		return derrors.Wrap(err, derrors.CodeInternal, "subscribing to control topic")
	}

	r.mu.Lock()
	e.listener = listener
	r.byAttempt[session.AttemptID] = token
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "watching session",
		"attempt_id", session.AttemptID, "session_id", session.ID)
	return nil
}

// Close drops a machine from the registry and releases its control
// listener. Closing an unknown token is a no-op.
func (r *Registry) Close(token string) {
	r.mu.Lock()
	e, ok := r.byToken[token]
	if ok {
		delete(r.byToken, token)
		if attempt := e.machine.Attempt(); attempt != nil {
			delete(r.byAttempt, attempt.ID)
		}
	}
	r.mu.Unlock()

	if ok && e.listener != nil {
		_ = e.listener.Close()
	}
}

// CloseAll releases every hosted machine. Used at server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.byToken))
	for _, e := range r.byToken {
		entries = append(entries, e)
	}
	r.byToken = make(map[string]*entry)
	r.byAttempt = make(map[id.AttemptID]string)
	r.mu.Unlock()

	for _, e := range entries {
		if e.listener != nil {
			_ = e.listener.Close()
		}
	}
}
