package session

import "time"

type Status string

// A session is idle when its client has sent nothing within the inactivity
// timeout. Any activity makes it active again.
const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusEnded  Status = "ended"
)

// Session is the server-side view of one connected avatar client.
type Session struct {
	ClientUID         string    `json:"client_uid"`
	ConfUID           string    `json:"conf_uid"`
	HistoryUID        string    `json:"history_uid"`
	Status            Status    `json:"status"`
	ActiveTurnID      string    `json:"active_turn_id,omitempty"`
	TurnCount         int       `json:"turn_count"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}
