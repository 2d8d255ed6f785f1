package agent

import (
	"slices"
	"strings"
	"sync"

	"github.com/antoniostano/avatarturn/internal/memory"
)

type chatRole string

const (
	roleUser      chatRole = "user"
	roleAssistant chatRole = "assistant"
	roleSystem    chatRole = "system"
)

type chatMessage struct {
	Role    chatRole `json:"role"`
	Content string   `json:"content"`
}

// conversationMemory is the rolling context an agent sends upstream.
type conversationMemory struct {
	mu       sync.Mutex
	messages []chatMessage
	limit    int
}

func newConversationMemory(limit int) *conversationMemory {
	if limit <= 0 {
		limit = 64
	}
	return &conversationMemory{limit: limit}
}

func (m *conversationMemory) add(role chatRole, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, chatMessage{Role: role, Content: content})
	if over := len(m.messages) - m.limit; over > 0 {
		m.messages = slices.Delete(m.messages, 0, over)
	}
}

func (m *conversationMemory) snapshot() []chatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.messages)
}

// interrupted replaces or appends the assistant reply with what the user
// actually heard, followed by the interruption note.
func (m *conversationMemory) interrupted(heard string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	heard = strings.TrimSpace(heard)
	if n := len(m.messages); n > 0 && m.messages[n-1].Role == roleAssistant {
		m.messages[n-1].Content = heard
	} else if heard != "" {
		m.messages = append(m.messages, chatMessage{Role: roleAssistant, Content: heard})
	}
	m.messages = append(m.messages, chatMessage{Role: roleSystem, Content: memory.InterruptMarker})
}

func (m *conversationMemory) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

func (m *conversationMemory) load(msgs []memory.Message) {
	out := make([]chatMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case memory.RoleHuman:
			out = append(out, chatMessage{Role: roleUser, Content: msg.Content})
		case memory.RoleAI:
			out = append(out, chatMessage{Role: roleAssistant, Content: msg.Content})
		case memory.RoleSystem:
			out = append(out, chatMessage{Role: roleSystem, Content: msg.Content})
		}
	}
	if over := len(out) - m.limit; over > 0 {
		out = out[over:]
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = out
}
