package domain

import (
	"time"
)

// SessionSnapshot is a read-only view of a live terminal session.
type SessionSnapshot struct {
	SessionID    string    `json:"sessionId"`
	PID          int       `json:"pid"`
	Shell        string    `json:"shell"`
	Attached     bool      `json:"attached"`
	Awaiting     bool      `json:"awaiting"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// SessionRecord is the persisted audit row for a session.
type SessionRecord struct {
	SessionID   string
	PID         int
	Shell       string
	CreatedAt   time.Time
	ClosedAt    time.Time // zero while the session is live
	CloseReason string
}

// CommandRecord is the persisted audit row for one completed command.
type CommandRecord struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"sessionId"`
	Command     string    `json:"command"`
	ExitCode    int       `json:"exitCode"`
	Success     bool      `json:"success"`
	OutputBytes int       `json:"outputBytes"`
	CompletedAt time.Time `json:"completedAt"`
}
