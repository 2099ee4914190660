// Package store provides in-memory and PostgreSQL supervisor account stores.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"invigil/internal/supervisor/models"
	id "invigil/pkg/domain"
)

// Memory implements the supervisor store against an in-process map.
type Memory struct {
	mu       sync.RWMutex
	accounts map[id.SupervisorID]models.Supervisor
}

// NewMemory creates an empty in-memory supervisor store.
func NewMemory() *Memory {
	return &Memory{accounts: make(map[id.SupervisorID]models.Supervisor)}
}

func (m *Memory) FindByEmail(ctx context.Context, email string) (*models.Supervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.accounts {
		if strings.EqualFold(s.Email, email) {
			out := s
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) Create(ctx context.Context, supervisor *models.Supervisor) error {
	if supervisor == nil {
		return fmt.Errorf("supervisor is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.accounts {
		if strings.EqualFold(s.Email, supervisor.Email) {
			return fmt.Errorf("email %s already registered", supervisor.Email)
		}
	}
	m.accounts[supervisor.ID] = *supervisor
	return nil
}
