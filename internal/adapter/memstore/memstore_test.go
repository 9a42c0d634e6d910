package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tab-bridge/tab/internal/domain/session"
	"github.com/tab-bridge/tab/internal/port/store"
)

func newSession(t *testing.T, topic string) *session.Session {
	t.Helper()
	s, err := session.New(session.CreateRequest{
		Topic:        topic,
		Participants: []string{"a", "b"},
		MaxTurns:     5,
		BudgetUSD:    1.0,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return s
}

func TestSaveGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := New()
	s := newSession(t, "alpha")

	if err := m.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Topic != "alpha" || got.Status != session.StatusActive {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	m := New()
	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveIsolatesFromCallerMutation(t *testing.T) {
	ctx := context.Background()
	m := New()
	s := newSession(t, "alpha")
	if err := m.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// mutate after save; stored copy must not change
	_ = s.Terminate(session.StatusFailed, "later")

	got, err := m.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != session.StatusActive {
		t.Fatalf("stored session mutated: %v", got.Status)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	m := New()

	s1 := newSession(t, "first")
	s1.CreatedAt = time.Now().Add(-time.Hour)
	_ = m.Save(ctx, s1)

	s2 := newSession(t, "second")
	_ = s2.Terminate(session.StatusCompleted, "done")
	_ = m.Save(ctx, s2)

	all, err := m.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}
	if all[0].Topic != "second" {
		t.Fatalf("expected newest first, got %q", all[0].Topic)
	}

	completed, err := m.List(ctx, session.StatusCompleted)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(completed) != 1 || completed[0].Topic != "second" {
		t.Fatalf("unexpected filtered result: %+v", completed)
	}
}
