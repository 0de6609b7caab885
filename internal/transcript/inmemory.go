package transcript

import (
	"context"
	"sync"
)

const defaultMaxPerSession = 500

// InMemoryStore keeps a bounded transcript per session in process memory.
type InMemoryStore struct {
	mu            sync.RWMutex
	maxPerSession int
	records       map[string][]Record
}

func NewInMemoryStore(maxPerSession int) *InMemoryStore {
	if maxPerSession <= 0 {
		maxPerSession = defaultMaxPerSession
	}
	return &InMemoryStore{
		maxPerSession: maxPerSession,
		records:       make(map[string][]Record),
	}
}

func (s *InMemoryStore) Append(_ context.Context, record Record) error {
	record = prepare(record)

	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[record.SessionID], record)
	if over := len(arr) - s.maxPerSession; over > 0 {
		arr = append([]Record(nil), arr[over:]...)
	}
	s.records[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Record, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
