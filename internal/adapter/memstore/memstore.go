// Package memstore keeps sessions in process memory. It is the default
// store when no database is configured; state does not survive a restart.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/tab-bridge/tab/internal/domain/session"
	"github.com/tab-bridge/tab/internal/port/store"
)

// Store implements store.SessionStore over a map.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
}

var _ store.SessionStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{sessions: make(map[string]session.Session)}
}

// Save stores a deep copy; callers keep mutating their own session.
func (m *Store) Save(_ context.Context, s *session.Session) error {
	cp := s.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *cp
	return nil
}

// Get returns a copy of the stored session.
func (m *Store) Get(_ context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Snapshot(), nil
}

// List returns sessions filtered by status, newest first.
func (m *Store) List(_ context.Context, status session.Status) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for id := range m.sessions {
		s := m.sessions[id]
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Close is a no-op.
func (m *Store) Close(context.Context) error { return nil }
