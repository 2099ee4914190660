// Package domain holds typed identifier primitives shared across modules.
// Wrapping uuid.UUID keeps attempt/candidate/exam identifiers from being
// swapped at call sites.
package domain

import "github.com/google/uuid"

// AttemptID identifies one candidate's run of one exam.
type AttemptID uuid.UUID

// CandidateID identifies a registered candidate.
type CandidateID uuid.UUID

// ExamID identifies an exam definition.
type ExamID uuid.UUID

// QuestionID identifies a question within an exam.
type QuestionID uuid.UUID

// SessionID identifies a live proctoring session. It doubles as the
// session-instance nonce used to namespace pub/sub topics.
type SessionID uuid.UUID

// SupervisorID identifies a supervisor account.
type SupervisorID uuid.UUID

func NewAttemptID() AttemptID       { return AttemptID(uuid.New()) }
func NewCandidateID() CandidateID   { return CandidateID(uuid.New()) }
func NewExamID() ExamID             { return ExamID(uuid.New()) }
func NewQuestionID() QuestionID     { return QuestionID(uuid.New()) }
func NewSessionID() SessionID       { return SessionID(uuid.New()) }
func NewSupervisorID() SupervisorID { return SupervisorID(uuid.New()) }

func (id AttemptID) String() string    { return uuid.UUID(id).String() }
func (id CandidateID) String() string  { return uuid.UUID(id).String() }
func (id ExamID) String() string       { return uuid.UUID(id).String() }
func (id QuestionID) String() string   { return uuid.UUID(id).String() }
func (id SessionID) String() string    { return uuid.UUID(id).String() }
func (id SupervisorID) String() string { return uuid.UUID(id).String() }

func (id AttemptID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id CandidateID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id ExamID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id SessionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id SupervisorID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// ParseAttemptID validates and converts a string form attempt ID.
func ParseAttemptID(s string) (AttemptID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AttemptID{}, err
	}
	return AttemptID(u), nil
}

// ParseSessionID validates and converts a string form session ID.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, err
	}
	return SessionID(u), nil
}

// ParseSupervisorID validates and converts a string form supervisor ID.
func ParseSupervisorID(s string) (SupervisorID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SupervisorID{}, err
	}
	return SupervisorID(u), nil
}

// ParseQuestionID validates and converts a string form question ID.
func ParseQuestionID(s string) (QuestionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return QuestionID{}, err
	}
	return QuestionID(u), nil
}
