package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tab-bridge/tab/internal/domain/session"
	"github.com/tab-bridge/tab/internal/port/store"
)

// Manager runs sessions concurrently with a bounded degree of parallelism
// and tracks the live ones for status queries and cancellation.
type Manager struct {
	orch  *Orchestrator
	store store.SessionStore
	sem   *semaphore.Weighted
	log   *slog.Logger

	mu      sync.RWMutex
	live    map[string]*session.Session
	cancels map[string]context.CancelFunc
}

// NewManager bounds concurrent sessions at maxParallel.
func NewManager(orch *Orchestrator, st store.SessionStore, maxParallel int64, log *slog.Logger) *Manager {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Manager{
		orch:    orch,
		store:   st,
		sem:     semaphore.NewWeighted(maxParallel),
		log:     log.With("service", "manager"),
		live:    make(map[string]*session.Session),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches a session in the background and returns it as soon as it is
// created. The session runs until terminal or cancelled.
func (m *Manager) Start(ctx context.Context, req session.CreateRequest) (*session.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("manager: acquire slot: %w", err)
	}

	// the session outlives the request that started it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s, err := session.New(req)
	if err != nil {
		cancel()
		m.sem.Release(1)
		return nil, err
	}
	m.track(s, cancel)

	go func() {
		defer m.sem.Release(1)
		defer m.untrack(s.ID)
		if err := m.orch.run(runCtx, s, req.InitialSpeaker); err != nil {
			m.log.Error("session run failed", "session", s.ID, "error", err)
		}
	}()
	return s.Snapshot(), nil
}

// Run executes a session synchronously; used by the CLI one-shot mode.
func (m *Manager) Run(ctx context.Context, req session.CreateRequest) (*session.Session, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("manager: acquire slot: %w", err)
	}
	defer m.sem.Release(1)
	s, err := m.orch.RunSession(ctx, req)
	if s != nil && m.store == nil {
		// without a store the live map is the only way Get can still
		// answer for this session
		m.track(s, nil)
	}
	return s, err
}

// RunAll executes several sessions in parallel and returns the first error.
func (m *Manager) RunAll(ctx context.Context, reqs []session.CreateRequest) ([]*session.Session, error) {
	out := make([]*session.Session, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			s, err := m.Run(gctx, req)
			out[i] = s
			return err
		})
	}
	err := g.Wait()
	return out, err
}

// Get returns a tracked session, falling back to the store. Live sessions
// are returned as deep snapshots; the orchestrator keeps mutating the
// original.
func (m *Manager) Get(ctx context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	s, ok := m.live[id]
	m.mu.RUnlock()
	if ok {
		return s.Snapshot(), nil
	}
	if m.store == nil {
		return nil, store.ErrNotFound
	}
	return m.store.Get(ctx, id)
}

// List returns stored sessions filtered by status; empty status means all.
func (m *Manager) List(ctx context.Context, status session.Status) ([]*session.Session, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.List(ctx, status)
}

// Cancel stops a running session. Cancelling an unknown or finished session
// returns an error.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if !ok || cancel == nil {
		return fmt.Errorf("manager: session %q is not running", id)
	}
	cancel()
	return nil
}

// Live returns the ids of sessions currently tracked in memory.
func (m *Manager) Live() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.live))
	for id := range m.live {
		out = append(out, id)
	}
	return out
}

func (m *Manager) track(s *session.Session, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[s.ID] = s
	if cancel != nil {
		m.cancels[s.ID] = cancel
	}
}

// untrack drops the cancel hook and, when a store holds the terminal
// session, evicts it from the live map so a long-running process does not
// accumulate finished sessions.
func (m *Manager) untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, id)
	if m.store != nil {
		delete(m.live, id)
	}
}
