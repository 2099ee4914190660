// Package models defines the exam content and attempt records.
package models

import (
	"time"

	id "invigil/pkg/domain"
)

// Option is one of the four answer choices on a question.
type Option string

const (
	OptionA Option = "A"
	OptionB Option = "B"
	OptionC Option = "C"
	OptionD Option = "D"
)

// Valid reports whether the option is one of the four known choices.
func (o Option) Valid() bool {
	switch o {
	case OptionA, OptionB, OptionC, OptionD:
		return true
	}
	return false
}

// Candidate is a registered exam taker. The national ID is the login
// credential for the proctored flow; the reference image backs identity
// verification.
type Candidate struct {
	ID                id.CandidateID
	NationalID        string
	FullName          string
	Email             string
	ReferenceImageURL string
}

// Exam is one exam definition. Only exams with Active set are joinable.
type Exam struct {
	ID              id.ExamID
	Title           string
	Description     string
	DurationMinutes int
	PassingScore    int
	Instructions    string
	Active          bool
}

// Question is a four-option multiple choice question worth Points.
type Question struct {
	ID            id.QuestionID
	ExamID        id.ExamID
	Text          string
	OptionA       string
	OptionB       string
	OptionC       string
	OptionD       string
	CorrectOption Option
	Points        int
	Order         int
}

// Attempt is one candidate's run of one exam. The terminal fields
// (CompletedAt, Score, Passed) are written exactly once by the session
// state machine's terminal transitions.
type Attempt struct {
	ID                   id.AttemptID
	CandidateID          id.CandidateID
	ExamID               id.ExamID
	StartedAt            time.Time
	CompletedAt          *time.Time
	Score                *int
	Passed               *bool
	FaceVerified         bool
	VerificationImageRef string
}

// Completed reports whether the attempt has reached a terminal state.
func (a *Attempt) Completed() bool { return a.CompletedAt != nil }

// Answer records the candidate's selected option for one question.
// Re-answering the same question overwrites the previous selection.
type Answer struct {
	AttemptID  id.AttemptID
	QuestionID id.QuestionID
	Selected   Option
	AnsweredAt time.Time
}
