// Package store provides in-memory and PostgreSQL implementations of the
// proctoring persistence ports.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"invigil/internal/proctoring/models"
	id "invigil/pkg/domain"
)

// FlagMemory implements the integrity flag log in memory.
type FlagMemory struct {
	mu    sync.RWMutex
	flags map[id.AttemptID][]models.IntegrityFlag

	failAppends bool
}

// NewFlagMemory creates an empty in-memory flag store.
func NewFlagMemory() *FlagMemory {
	return &FlagMemory{flags: make(map[id.AttemptID][]models.IntegrityFlag)}
}

// FailAppends makes every Append return an error. Test hook for exercising
// persist-failure paths.
func (m *FlagMemory) FailAppends(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAppends = fail
}

func (m *FlagMemory) Append(ctx context.Context, flag models.IntegrityFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppends {
		return fmt.Errorf("flag append unavailable")
	}
	m.flags[flag.AttemptID] = append(m.flags[flag.AttemptID], flag)
	return nil
}

func (m *FlagMemory) ListByAttempt(ctx context.Context, attemptID id.AttemptID) ([]models.IntegrityFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.flags[attemptID]
	out := make([]models.IntegrityFlag, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SessionMemory implements the session store in memory.
type SessionMemory struct {
	mu       sync.RWMutex
	sessions map[id.AttemptID]models.Session
}

// NewSessionMemory creates an empty in-memory session store.
func NewSessionMemory() *SessionMemory {
	return &SessionMemory{sessions: make(map[id.AttemptID]models.Session)}
}

func (m *SessionMemory) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[session.AttemptID]; ok && existing.Active {
		return fmt.Errorf("attempt %s already has an active session", session.AttemptID)
	}
	m.sessions[session.AttemptID] = *session
	return nil
}

func (m *SessionMemory) Get(ctx context.Context, attemptID id.AttemptID) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[attemptID]
	if !ok {
		return nil, nil
	}
	out := s
	return &out, nil
}

func (m *SessionMemory) CloseIfActive(ctx context.Context, attemptID id.AttemptID, endedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[attemptID]
	if !ok || !s.Active {
		return false, nil
	}
	s.Active = false
	s.EndedAt = &endedAt
	m.sessions[attemptID] = s
	return true, nil
}

func (m *SessionMemory) Reopen(ctx context.Context, sessionID id.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for attemptID, s := range m.sessions {
		if s.ID != sessionID {
			continue
		}
		s.Active = true
		s.EndedAt = nil
		m.sessions[attemptID] = s
		return nil
	}
	return fmt.Errorf("session %s not found", sessionID)
}

func (m *SessionMemory) ListActive(ctx context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if s.Active {
			cp := s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ActionMemory implements the control action audit log in memory.
type ActionMemory struct {
	mu      sync.RWMutex
	actions map[id.AttemptID][]models.ControlAction

	failAppends bool
}

// NewActionMemory creates an empty in-memory action store.
func NewActionMemory() *ActionMemory {
	return &ActionMemory{actions: make(map[id.AttemptID][]models.ControlAction)}
}

// FailAppends makes every Append return an error. Test hook.
func (m *ActionMemory) FailAppends(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAppends = fail
}

func (m *ActionMemory) Append(ctx context.Context, action models.ControlAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppends {
		return fmt.Errorf("action append unavailable")
	}
	m.actions[action.AttemptID] = append(m.actions[action.AttemptID], action)
	return nil
}

func (m *ActionMemory) ListByAttempt(ctx context.Context, attemptID id.AttemptID) ([]models.ControlAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.actions[attemptID]
	out := make([]models.ControlAction, len(src))
	copy(out, src)
	return out, nil
}
