// Package store provides the exam module's persistence implementations:
// an in-memory store for tests and local development, and a PostgreSQL
// store for production.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"invigil/internal/exam/models"
	id "invigil/pkg/domain"
)

// Memory implements every exam port against in-process maps.
type Memory struct {
	mu         sync.RWMutex
	candidates map[id.CandidateID]models.Candidate
	exams      map[id.ExamID]models.Exam
	questions  map[id.ExamID][]models.Question
	attempts   map[id.AttemptID]models.Attempt
	answers    map[id.AttemptID]map[id.QuestionID]models.Answer
}

// NewMemory creates an empty in-memory exam store.
func NewMemory() *Memory {
	return &Memory{
		candidates: make(map[id.CandidateID]models.Candidate),
		exams:      make(map[id.ExamID]models.Exam),
		questions:  make(map[id.ExamID][]models.Question),
		attempts:   make(map[id.AttemptID]models.Attempt),
		answers:    make(map[id.AttemptID]map[id.QuestionID]models.Answer),
	}
}

// SeedCandidate registers a candidate.
func (m *Memory) SeedCandidate(c models.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates[c.ID] = c
}

// SeedExam registers an exam and its questions.
func (m *Memory) SeedExam(e models.Exam, questions []models.Question) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exams[e.ID] = e
	qs := make([]models.Question, len(questions))
	copy(qs, questions)
	sort.Slice(qs, func(i, j int) bool { return qs[i].Order < qs[j].Order })
	m.questions[e.ID] = qs
}

func (m *Memory) FindByNationalID(ctx context.Context, nationalID string) (*models.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.candidates {
		if c.NationalID == nationalID {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) ActiveExams(ctx context.Context) ([]*models.Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Exam
	for _, e := range m.exams {
		if e.Active {
			cp := e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) Exam(ctx context.Context, examID id.ExamID) (*models.Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exams[examID]
	if !ok {
		return nil, nil
	}
	out := e
	return &out, nil
}

func (m *Memory) Questions(ctx context.Context, examID id.ExamID) ([]models.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	qs := m.questions[examID]
	out := make([]models.Question, len(qs))
	copy(out, qs)
	return out, nil
}

func (m *Memory) Create(ctx context.Context, attempt *models.Attempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.attempts[attempt.ID]; exists {
		return fmt.Errorf("attempt %s already exists", attempt.ID)
	}
	m.attempts[attempt.ID] = *attempt
	return nil
}

func (m *Memory) Get(ctx context.Context, attemptID id.AttemptID) (*models.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return nil, nil
	}
	out := a
	return &out, nil
}

func (m *Memory) Complete(ctx context.Context, attemptID id.AttemptID, completedAt time.Time, score int, passed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %s not found", attemptID)
	}
	a.CompletedAt = &completedAt
	a.Score = &score
	a.Passed = &passed
	m.attempts[attemptID] = a
	return nil
}

func (m *Memory) Upsert(ctx context.Context, answer models.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byQuestion, ok := m.answers[answer.AttemptID]
	if !ok {
		byQuestion = make(map[id.QuestionID]models.Answer)
		m.answers[answer.AttemptID] = byQuestion
	}
	byQuestion[answer.QuestionID] = answer
	return nil
}

func (m *Memory) ListByAttempt(ctx context.Context, attemptID id.AttemptID) ([]models.Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byQuestion := m.answers[attemptID]
	out := make([]models.Answer, 0, len(byQuestion))
	for _, a := range byQuestion {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnsweredAt.Before(out[j].AnsweredAt) })
	return out, nil
}
