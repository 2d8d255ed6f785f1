package memory

import (
	"context"
	"errors"
	"time"
)

// Role tags who authored a persisted chat message.
type Role string

const (
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// InterruptMarker is the system-role content recorded after a turn that the
// user cut short. It always follows the partial AI message it annotates.
const InterruptMarker = "[Interrupted by user]"

var (
	ErrHistoryNotFound = errors.New("history not found")
	ErrInvalidMessage  = errors.New("invalid message")
)

// Message is one persisted chat history entry.
type Message struct {
	ID         string    `json:"id"`
	ConfUID    string    `json:"conf_uid"`
	HistoryUID string    `json:"history_uid"`
	TurnID     string    `json:"turn_id,omitempty"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Name       string    `json:"name,omitempty"`
	Avatar     string    `json:"avatar,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryInfo summarizes one chat history for listings.
type HistoryInfo struct {
	UID           string    `json:"uid"`
	LatestMessage *Message  `json:"latest_message,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists and retrieves chat histories per character configuration.
type Store interface {
	CreateHistory(ctx context.Context, confUID string) (string, error)
	StoreMessage(ctx context.Context, msg Message) error
	// AmendLatestMessage replaces the content of the most recent message of
	// the history when it has the given role and turn id. It reports whether
	// a record was amended; callers store a new message otherwise.
	AmendLatestMessage(ctx context.Context, confUID, historyUID string, role Role, turnID, content string) (bool, error)
	History(ctx context.Context, confUID, historyUID string) ([]Message, error)
	ListHistories(ctx context.Context, confUID string) ([]HistoryInfo, error)
	DeleteHistory(ctx context.Context, confUID, historyUID string) error
	Close() error
}

func validateMessage(msg Message) error {
	if msg.ConfUID == "" || msg.HistoryUID == "" {
		return ErrInvalidMessage
	}
	switch msg.Role {
	case RoleHuman, RoleAI, RoleSystem:
		return nil
	default:
		return ErrInvalidMessage
	}
}

func amendMatches(latest Message, role Role, turnID string) bool {
	return turnID != "" && latest.Role == role && latest.TurnID == turnID
}
