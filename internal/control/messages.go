// Package control carries supervisor interventions to candidate sessions
// over the per-session control topic, with an audit trail written ahead of
// every broadcast.
package control

import "encoding/json"

// Control event names as they appear on the wire.
const (
	EventWarning    = "admin-warning"
	EventTerminated = "exam-terminated"
	EventCompleted  = "exam-completed"
)

// Warning tells the candidate to correct behavior. It carries no state
// change; the session continues.
type Warning struct {
	Message string `json:"message"`
}

// Termination ends the session with a failing result.
type Termination struct {
	Reason string `json:"reason"`
}

// Completion ends the session early, graded on the answers given so far.
type Completion struct {
	Message string `json:"message"`
}

func encode(v any) ([]byte, error) { return json.Marshal(v) }

// DecodeWarning parses an admin-warning payload.
func DecodeWarning(payload []byte) (Warning, error) {
	var w Warning
	err := json.Unmarshal(payload, &w)
	return w, err
}

// DecodeTermination parses an exam-terminated payload.
func DecodeTermination(payload []byte) (Termination, error) {
	var t Termination
	err := json.Unmarshal(payload, &t)
	return t, err
}

// DecodeCompletion parses an exam-completed payload.
func DecodeCompletion(payload []byte) (Completion, error) {
	var c Completion
	err := json.Unmarshal(payload, &c)
	return c, err
}
