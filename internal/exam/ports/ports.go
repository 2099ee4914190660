// Package ports defines the persistence interfaces the exam module consumes.
// Interfaces live here because both the session state machine and the
// supervisor API depend on them.
package ports

import (
	"context"
	"time"

	"invigil/internal/exam/models"
	id "invigil/pkg/domain"
)

// CandidateStore looks up registered candidates.
type CandidateStore interface {
	// FindByNationalID returns the candidate holding the credential, or
	// (nil, nil) when no candidate matches.
	FindByNationalID(ctx context.Context, nationalID string) (*models.Candidate, error)
}

// ExamStore reads exam definitions and their questions.
type ExamStore interface {
	// ActiveExams returns every exam currently open for attempts.
	ActiveExams(ctx context.Context) ([]*models.Exam, error)

	// Exam returns one exam by identifier, or (nil, nil) when absent.
	// Deactivated exams are still returned so in-flight attempts can be
	// graded against them.
	Exam(ctx context.Context, examID id.ExamID) (*models.Exam, error)

	// Questions returns an exam's questions in question order.
	Questions(ctx context.Context, examID id.ExamID) ([]models.Question, error)
}

// AttemptStore persists attempts and their terminal fields.
type AttemptStore interface {
	// Create inserts a fresh attempt row.
	Create(ctx context.Context, attempt *models.Attempt) error

	// Get returns the attempt, or (nil, nil) when absent.
	Get(ctx context.Context, attemptID id.AttemptID) (*models.Attempt, error)

	// Complete writes the terminal fields exactly once.
	Complete(ctx context.Context, attemptID id.AttemptID, completedAt time.Time, score int, passed bool) error
}

// AnswerStore records selected options per question.
type AnswerStore interface {
	// Upsert overwrites any previous selection for the same question.
	Upsert(ctx context.Context, answer models.Answer) error

	// ListByAttempt returns all recorded answers for an attempt.
	ListByAttempt(ctx context.Context, attemptID id.AttemptID) ([]models.Answer, error)
}
