// Package models defines the proctoring records: integrity flags, live
// sessions and supervisor control actions.
package models

import (
	"time"

	id "invigil/pkg/domain"
)

// FlagType enumerates the detectable integrity anomalies.
type FlagType string

const (
	FlagTabSwitch        FlagType = "tab_switch"
	FlagWindowBlur       FlagType = "window_blur"
	FlagFaceNotDetected  FlagType = "face_not_detected"
	FlagMultipleFaces    FlagType = "multiple_faces"
	FlagCopyPasteAttempt FlagType = "copy_paste_attempt"
	FlagRightClick       FlagType = "right_click"
)

// IntegrityFlag is an immutable, append-only record of one detected anomaly.
type IntegrityFlag struct {
	AttemptID   id.AttemptID
	Type        FlagType
	Description string
	CreatedAt   time.Time
}

// Session is one active proctoring occurrence of one attempt. At most one
// active session exists per attempt; the activity flag is the single
// authoritative "is this attempt still live" bit.
type Session struct {
	ID          id.SessionID
	AttemptID   id.AttemptID
	CandidateID id.CandidateID
	Active      bool
	StartedAt   time.Time
	EndedAt     *time.Time
}

// ActionKind enumerates supervisor interventions.
type ActionKind string

const (
	ActionWarning   ActionKind = "warning"
	ActionTerminate ActionKind = "terminate"
	ActionComplete  ActionKind = "complete"
)

// ControlAction is an immutable audit record of a supervisor intervention,
// written before the corresponding effect is applied.
type ControlAction struct {
	AttemptID    id.AttemptID
	SupervisorID id.SupervisorID
	Kind         ActionKind
	Message      string
	CreatedAt    time.Time
}

// StreamTopic names the pub/sub topic carrying a session's frames. Topics
// are namespaced by attempt and session so a reused attempt identifier can
// never collide with a stale viewer.
func StreamTopic(attemptID id.AttemptID, sessionID id.SessionID) string {
	return "proctoring:stream:" + attemptID.String() + ":" + sessionID.String()
}

// ControlTopic names the pub/sub topic carrying supervisor messages to one
// candidate session.
func ControlTopic(attemptID id.AttemptID, sessionID id.SessionID) string {
	return "proctoring:control:" + attemptID.String() + ":" + sessionID.String()
}
