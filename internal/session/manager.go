package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/avatarlink/internal/observability"
)

var ErrNotFound = errors.New("session not found")

// Manager is the registry of local avatar sessions. Idle entries are ended
// and removed by the janitor.
type Manager struct {
	mu                sync.RWMutex
	entries           map[string]*Entry
	entryByUser       map[string]string
	inactivityTimeout time.Duration
	factory           Factory
	logger            *zap.Logger
	metrics           *observability.Metrics
}

func NewManager(inactivityTimeout time.Duration, factory Factory, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		entries:           make(map[string]*Entry),
		entryByUser:       make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		factory:           factory,
		logger:            logger.Named("session"),
		metrics:           metrics,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// Create registers a new entry with a fresh coordinator. The coordinator is
// not started.
func (m *Manager) Create(userID string) (*Entry, error) {
	id := uuid.NewString()
	coord, err := m.factory(id)
	if err != nil {
		return nil, fmt.Errorf("create coordinator: %w", err)
	}
	now := time.Now().UTC()
	e := &Entry{
		ID:             id,
		UserID:         userID,
		CreatedAt:      now,
		LastActivityAt: now,
		Coordinator:    coord,
	}

	m.mu.Lock()
	m.entries[id] = e
	if userID != "" {
		m.entryByUser[userID] = id
	}
	m.mu.Unlock()

	m.metrics.ObserveSessionEvent("created")
	return clone(e), nil
}

func (m *Manager) Get(id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

// ByUser returns the latest entry created for userID.
func (m *Manager) ByUser(userID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entryByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.LastActivityAt = time.Now().UTC()
	return nil
}

// Remove ends the entry's session and drops it from the registry.
func (m *Manager) Remove(ctx context.Context, id string) (*Entry, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		m.detachLocked(e)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.Coordinator.EndSession(ctx)
	m.refreshActive()
	return clone(e), nil
}

// EndAll ends and removes every entry.
func (m *Manager) EndAll(ctx context.Context) int {
	m.mu.Lock()
	all := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
		m.detachLocked(e)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range all {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			e.Coordinator.EndSession(ctx)
		}(e)
	}
	wg.Wait()
	m.refreshActive()
	return len(all)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive(ctx)
			}
		}
	}()
}

// ActiveCount counts entries whose coordinator reports an active session.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.entries {
		if e.Coordinator.State().IsSessionActive {
			count++
		}
	}
	return count
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// RefreshActive updates the active sessions gauge.
func (m *Manager) RefreshActive() { m.refreshActive() }

func (m *Manager) refreshActive() {
	m.metrics.SetActiveSessions(m.ActiveCount())
}

func (m *Manager) expireInactive(ctx context.Context) {
	now := time.Now().UTC()
	var expired []*Entry

	m.mu.Lock()
	for _, e := range m.entries {
		if now.Sub(e.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		expired = append(expired, e)
		m.detachLocked(e)
	}
	m.mu.Unlock()

	for _, e := range expired {
		m.logger.Info("ending idle avatar session",
			zap.String("session_id", e.ID),
			zap.Duration("idle", now.Sub(e.LastActivityAt)),
		)
		e.Coordinator.EndSession(ctx)
		m.metrics.ObserveSessionEvent("expired")
	}
	if len(expired) > 0 {
		m.refreshActive()
	}
}

func (m *Manager) detachLocked(e *Entry) {
	delete(m.entries, e.ID)
	if e.UserID != "" && m.entryByUser[e.UserID] == e.ID {
		delete(m.entryByUser, e.UserID)
	}
}

func clone(e *Entry) *Entry {
	c := *e
	return &c
}
