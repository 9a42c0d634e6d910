package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	tabhttp "github.com/tab-bridge/tab/internal/adapter/http"
	"github.com/tab-bridge/tab/internal/adapter/journalfile"
	"github.com/tab-bridge/tab/internal/domain/convergence"
	"github.com/tab-bridge/tab/internal/domain/policy"
	"github.com/tab-bridge/tab/internal/domain/session"
	"github.com/tab-bridge/tab/internal/port/agent"
	"github.com/tab-bridge/tab/internal/port/store"
	"github.com/tab-bridge/tab/internal/resilience"
	"github.com/tab-bridge/tab/internal/service"
)

// echoAdapter answers every prompt with a fixed reply and a small cost.
type echoAdapter struct {
	desc agent.Descriptor
}

func (e *echoAdapter) ID() string                   { return e.desc.ID }
func (e *echoAdapter) Descriptor() agent.Descriptor { return e.desc }

func (e *echoAdapter) HealthCheck(_ context.Context, _ bool) agent.Health {
	return agent.Health{Healthy: true, Version: "1.0.0", CheckedAt: time.Now()}
}

func (e *echoAdapter) Submit(_ context.Context, req agent.Request) (<-chan agent.Event, error) {
	ch := make(chan agent.Event, 1)
	ch <- agent.Event{Kind: agent.EventResult, Result: &agent.Result{
		Content: "reply to: " + req.Prompt,
		CostUSD: 0.01,
	}}
	close(ch)
	return ch, nil
}

func (e *echoAdapter) Shutdown(context.Context) error { return nil }

func init() {
	agent.RegisterFactory(agent.TransportLineJSON, func(d agent.Descriptor) (agent.Adapter, error) {
		return &echoAdapter{desc: d}, nil
	})
}

// memStore is an in-memory store.SessionStore.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]session.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]session.Session)}
}

func (m *memStore) Save(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (m *memStore) List(_ context.Context, status session.Status) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session.Session
	for id := range m.sessions {
		s := m.sessions[id]
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, &s)
	}
	return out, nil
}

func (m *memStore) Close(context.Context) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()
	log := discardLogger()

	reg, err := agent.NewRegistry(0)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, id := range []string{"claude_cli", "codex_cli"} {
		if err := reg.Add(agent.Descriptor{
			ID:        id,
			Kind:      "cli",
			Command:   id,
			Transport: agent.TransportLineJSON,
			Loading:   agent.LoadingBuiltin,
			Enabled:   true,
		}); err != nil {
			t.Fatalf("Add %s: %v", id, err)
		}
	}

	jl, err := journalfile.Open(t.TempDir(), log)
	if err != nil {
		t.Fatalf("journalfile.Open: %v", err)
	}
	t.Cleanup(func() { _ = jl.Close(context.Background()) })

	st := newMemStore()
	enforcer := service.NewEnforcer(policy.Presets(), nil, log)
	analyzer := convergence.NewAnalyzer(convergence.Config{})
	orch := service.NewOrchestrator(reg, enforcer, analyzer, jl, nil, st, service.OrchestratorConfig{
		TurnDeadline: 5 * time.Second,
		Retry:        resilience.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, log)
	mgr := service.NewManager(orch, st, 4, log)

	h := &tabhttp.Handlers{Manager: mgr, Registry: reg, Journal: jl, Version: "0.1.0"}
	r := chi.NewRouter()
	tabhttp.MountRoutes(r, h)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func createConversation(t *testing.T, r http.Handler) string {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/api/v1/conversations", map[string]any{
		"topic":        "compare the two designs",
		"participants": []string{"claude_cli", "codex_cli"},
		"max_turns":    1,
		"budget_usd":   1.0,
		"wait":         true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
		TurnCount int    `json:"turn_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != string(session.StatusCompleted) {
		t.Fatalf("expected completed session, got %q", out.Status)
	}
	if out.TurnCount != 1 {
		t.Fatalf("expected 1 turn, got %d", out.TurnCount)
	}
	return out.SessionID
}

func TestCreateConversationWait(t *testing.T) {
	r := newTestRouter(t)
	id := createConversation(t, r)
	if id == "" {
		t.Fatal("empty session id")
	}
}

func TestCreateConversationRejectsInvalidRequest(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/api/v1/conversations", map[string]any{
		"participants": []string{"claude_cli", "codex_cli"},
		"max_turns":    1,
		"budget_usd":   1.0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetConversationNotFound(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/api/v1/conversations/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetConversationWithHistory(t *testing.T) {
	r := newTestRouter(t)
	id := createConversation(t, r)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/conversations/"+id+"?history=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var s session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(s.TurnHistory) != 1 {
		t.Fatalf("expected 1 turn in history, got %d", len(s.TurnHistory))
	}
	if !strings.HasPrefix(s.TurnHistory[0].Content, "reply to: ") {
		t.Fatalf("unexpected turn content %q", s.TurnHistory[0].Content)
	}
}

func TestListConversationsFiltersByStatus(t *testing.T) {
	r := newTestRouter(t)
	createConversation(t, r)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/conversations?status=completed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 completed conversation, got %d", len(out))
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/conversations?status=failed", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no failed conversations, got %d", len(out))
	}
}

func TestCancelUnknownConversation(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/api/v1/conversations/nope/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestAuditEndpoints(t *testing.T) {
	r := newTestRouter(t)
	id := createConversation(t, r)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/conversations/"+id+"/audit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: expected 200, got %d", rec.Code)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) < 3 {
		t.Fatalf("expected at least 3 audit records, got %d", len(records))
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/conversations/"+id+"/audit/verify", nil)
	var verdict struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("expected valid chain: %s", rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/conversations/"+id+"/audit/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("export: unexpected content type %q", ct)
	}
	lines := strings.Count(strings.TrimSpace(rec.Body.String()), "\n") + 1
	if lines != len(records) {
		t.Fatalf("export: expected %d lines, got %d", len(records), lines)
	}
}

func TestListAgents(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/api/v1/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var agents []struct {
		ID     string `json:"id"`
		Health struct {
			Healthy bool `json:"healthy"`
		} `json:"health"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	for _, a := range agents {
		if !a.Health.Healthy {
			t.Fatalf("agent %s unhealthy", a.ID)
		}
	}
}

func TestAgentHealthUnknown(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/api/v1/agents/nope/health", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || out.Version != "0.1.0" {
		t.Fatalf("unexpected health payload: %s", rec.Body.String())
	}
}
