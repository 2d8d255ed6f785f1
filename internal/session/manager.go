package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

const defaultIdleAfter = 2 * time.Minute

// Manager tracks one Session per connected client. Sessions live until End;
// the janitor only flips quiet ones to StatusIdle.
type Manager struct {
	idleAfter time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	byClient map[string]*Session
	onIdle   func(*Session)
}

func NewManager(idleAfter time.Duration) *Manager {
	if idleAfter <= 0 {
		idleAfter = defaultIdleAfter
	}
	return &Manager{
		idleAfter: idleAfter,
		now:       func() time.Time { return time.Now().UTC() },
		byClient:  make(map[string]*Session),
	}
}

// SetExpireHook registers a callback fired once each time a session goes idle.
// It runs outside the manager lock.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	m.onIdle = hook
	m.mu.Unlock()
}

// Create registers a new client. An empty clientUID gets a generated one.
func (m *Manager) Create(clientUID, confUID string) *Session {
	uid := strings.TrimSpace(clientUID)
	if uid == "" {
		uid = uuid.NewString()
	}
	at := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Session{
		ClientUID:      uid,
		ConfUID:        confUID,
		Status:         StatusActive,
		StartedAt:      at,
		LastActivityAt: at,
	}
	m.byClient[uid] = s
	return s.copy()
}

func (m *Manager) Get(clientUID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.byClient[clientUID]; ok {
		return s.copy(), nil
	}
	return nil, ErrNotFound
}

// Touch records client activity.
func (m *Manager) Touch(clientUID string) error {
	return m.mutate(clientUID, nil)
}

// SetHistory binds the client to the chat history new turns are stored in.
func (m *Manager) SetHistory(clientUID, historyUID string) error {
	return m.mutate(clientUID, func(s *Session) { s.HistoryUID = historyUID })
}

func (m *Manager) StartTurn(clientUID, turnID string) error {
	return m.mutate(clientUID, func(s *Session) {
		s.TurnCount++
		s.ActiveTurnID = turnID
	})
}

// EndTurn clears the active turn only if it is still turnID, so a late
// completion never clobbers a newer turn.
func (m *Manager) EndTurn(clientUID, turnID string) error {
	return m.mutate(clientUID, func(s *Session) {
		if s.ActiveTurnID != turnID {
			return
		}
		s.ActiveTurnID = ""
	})
}

func (m *Manager) Interrupt(clientUID string) error {
	return m.mutate(clientUID, func(s *Session) {
		s.InterruptionCount++
		s.ActiveTurnID = ""
	})
}

// End removes the client and returns its final state.
func (m *Manager) End(clientUID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byClient[clientUID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.byClient, clientUID)
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = m.now()
	return s.copy(), nil
}

// List returns a snapshot ordered by connect time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.byClient))
	for _, s := range m.byClient {
		out = append(out, s.copy())
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Session) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// ActiveCount counts connected clients that are not idle.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.byClient {
		if s.Status == StatusActive {
			n++
		}
	}
	return n
}

// StartJanitor sweeps for idle sessions every interval until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) mutate(clientUID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byClient[clientUID]
	if !ok {
		return ErrNotFound
	}
	if fn != nil {
		fn(s)
	}
	s.Status = StatusActive
	s.LastActivityAt = m.now()
	return nil
}

// sweep marks quiet sessions idle. A session with a turn in flight is never
// idle: long generations produce no client traffic.
func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.idleAfter)

	m.mu.Lock()
	var idled []*Session
	for _, s := range m.byClient {
		if s.Status != StatusActive || s.ActiveTurnID != "" || s.LastActivityAt.After(cutoff) {
			continue
		}
		s.Status = StatusIdle
		idled = append(idled, s.copy())
	}
	hook := m.onIdle
	m.mu.Unlock()

	if hook == nil {
		return
	}
	for _, s := range idled {
		hook(s)
	}
}

func (s *Session) copy() *Session {
	c := *s
	return &c
}
