package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tab-bridge/tab/internal/domain/session"
	"github.com/tab-bridge/tab/internal/port/agent"
)

func slowChatter(id string, delay time.Duration) *scriptAdapter {
	return &scriptAdapter{id: id, script: func(call int, req agent.Request) (*agent.Result, error) {
		time.Sleep(delay)
		return reply("turn from "+id+" with fresh commentary on the rollout plan", 0.01), nil
	}}
}

func waitTerminal(t *testing.T, m *Manager, id string) *session.Session {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s, err := m.Get(context.Background(), id)
		if err == nil && s.Status.IsTerminal() {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session did not reach a terminal status in time")
	return nil
}

func TestStartedSessionIsReadableWhileRunning(t *testing.T) {
	o, st := newOrchestrator(t, mapSource{
		"claude_cli": slowChatter("claude_cli", 10*time.Millisecond),
		"codex_cli":  slowChatter("codex_cli", 10*time.Millisecond),
	}, &memJournal{}, fastConfig())
	m := NewManager(o, st, 2, testLogger())

	started, err := m.Start(context.Background(), createReq(6, 5.0))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// read and marshal concurrently with the running turn loop; Get must
	// hand out isolated copies, never the session the orchestrator mutates
	for {
		s, err := m.Get(context.Background(), started.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if _, err := json.Marshal(s); err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := s.CheckInvariants(); err != nil {
			t.Fatalf("observed inconsistent snapshot: %v", err)
		}
		// scribbling on the copy must not reach the live session
		s.TurnHistory = nil
		s.CurrentTurn = -1
		if s.Status.IsTerminal() {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	final := waitTerminal(t, m, started.ID)
	if final.CurrentTurn != len(final.TurnHistory) {
		t.Fatalf("turns=%d history=%d", final.CurrentTurn, len(final.TurnHistory))
	}
	if final.CurrentTurn == 0 {
		t.Fatal("expected at least one admitted turn")
	}
}

func TestStartReturnsCopyNotLiveSession(t *testing.T) {
	o, st := newOrchestrator(t, mapSource{
		"claude_cli": slowChatter("claude_cli", 20*time.Millisecond),
		"codex_cli":  slowChatter("codex_cli", 20*time.Millisecond),
	}, &memJournal{}, fastConfig())
	m := NewManager(o, st, 2, testLogger())

	started, err := m.Start(context.Background(), createReq(2, 5.0))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	started.Participants[0] = "intruder"
	started.TurnHistory = append(started.TurnHistory, session.Turn{Content: "forged"})

	final := waitTerminal(t, m, started.ID)
	if final.Participants[0] != "claude_cli" {
		t.Fatalf("participants = %v, caller mutation reached the live session", final.Participants)
	}
	for i := range final.TurnHistory {
		if final.TurnHistory[i].Content == "forged" {
			t.Fatal("caller-appended turn reached the live session")
		}
	}
}

func TestFinishedSessionsAreEvictedFromLiveTracking(t *testing.T) {
	o, st := newOrchestrator(t, mapSource{
		"claude_cli": slowChatter("claude_cli", time.Millisecond),
		"codex_cli":  slowChatter("codex_cli", time.Millisecond),
	}, &memJournal{}, fastConfig())
	m := NewManager(o, st, 4, testLogger())

	var ids []string
	for range 3 {
		s, err := m.Start(context.Background(), createReq(1, 5.0))
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		ids = append(ids, s.ID)
	}
	for _, id := range ids {
		waitTerminal(t, m, id)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(m.Live()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("live sessions not evicted after completion: %v", m.Live())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// eviction must not lose the sessions; the store still answers
	for _, id := range ids {
		s, err := m.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s after eviction: %v", id, err)
		}
		if !s.Status.IsTerminal() {
			t.Fatalf("stored session %s not terminal: %s", id, s.Status)
		}
	}

	if err := m.Cancel(ids[0]); err == nil {
		t.Fatal("expected error cancelling a finished session")
	}
}
