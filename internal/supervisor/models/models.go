// Package models defines the supervisor account record.
package models

import (
	"time"

	id "invigil/pkg/domain"
)

// Supervisor is a staff account allowed to monitor and control live exam
// sessions. PasswordHash is a bcrypt hash; the clear text never persists.
type Supervisor struct {
	ID           id.SupervisorID
	Email        string
	FullName     string
	PasswordHash string
	CreatedAt    time.Time
}
