package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type historyKey struct {
	confUID    string
	historyUID string
}

type inMemoryHistory struct {
	createdAt time.Time
	messages  []Message
}

// InMemoryStore is a simple in-process history store for local/dev use.
type InMemoryStore struct {
	mu        sync.RWMutex
	histories map[historyKey]*inMemoryHistory
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{histories: make(map[historyKey]*inMemoryHistory)}
}

func (s *InMemoryStore) CreateHistory(_ context.Context, confUID string) (string, error) {
	uid := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[historyKey{confUID, uid}] = &inMemoryHistory{createdAt: time.Now().UTC()}
	return uid, nil
}

func (s *InMemoryStore) StoreMessage(_ context.Context, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := historyKey{msg.ConfUID, msg.HistoryUID}
	h, ok := s.histories[key]
	if !ok {
		h = &inMemoryHistory{createdAt: msg.CreatedAt}
		s.histories[key] = h
	}
	h.messages = append(h.messages, msg)
	return nil
}

func (s *InMemoryStore) AmendLatestMessage(_ context.Context, confUID, historyUID string, role Role, turnID, content string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[historyKey{confUID, historyUID}]
	if !ok || len(h.messages) == 0 {
		return false, nil
	}
	last := &h.messages[len(h.messages)-1]
	if !amendMatches(*last, role, turnID) {
		return false, nil
	}
	last.Content = content
	return true, nil
}

func (s *InMemoryStore) History(_ context.Context, confUID, historyUID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[historyKey{confUID, historyUID}]
	if !ok {
		return nil, ErrHistoryNotFound
	}
	return slices.Clone(h.messages), nil
}

func (s *InMemoryStore) ListHistories(_ context.Context, confUID string) ([]HistoryInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HistoryInfo, 0)
	for key, h := range s.histories {
		if key.confUID != confUID {
			continue
		}
		info := HistoryInfo{UID: key.historyUID, UpdatedAt: h.createdAt}
		if n := len(h.messages); n > 0 {
			latest := h.messages[n-1]
			info.LatestMessage = &latest
			info.UpdatedAt = latest.CreatedAt
		}
		out = append(out, info)
	}
	sortHistories(out)
	return out, nil
}

func (s *InMemoryStore) DeleteHistory(_ context.Context, confUID, historyUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := historyKey{confUID, historyUID}
	if _, ok := s.histories[key]; !ok {
		return ErrHistoryNotFound
	}
	delete(s.histories, key)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// sortHistories orders newest activity first, breaking ties by uid.
func sortHistories(items []HistoryInfo) {
	slices.SortFunc(items, func(a, b HistoryInfo) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		if a.UID < b.UID {
			return -1
		}
		if a.UID > b.UID {
			return 1
		}
		return 0
	})
}
