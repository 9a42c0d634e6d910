// Package http exposes the bridge's REST API: conversation lifecycle, agent
// health, and audit chain access.
package http

import (
	"net/http"

	"github.com/tab-bridge/tab/internal/domain/session"
	"github.com/tab-bridge/tab/internal/port/agent"
	"github.com/tab-bridge/tab/internal/port/journal"
	"github.com/tab-bridge/tab/internal/service"
)

// Handlers bundles the API's collaborators.
type Handlers struct {
	Manager  *service.Manager
	Registry *agent.Registry
	Journal  journal.Log
	Version  string
}

// createConversationRequest is the POST /conversations body. Wait makes the
// call block until the conversation reaches a terminal status.
type createConversationRequest struct {
	session.CreateRequest
	Wait bool `json:"wait,omitempty"`
}

// conversationSummary is the default GET /conversations/{id} response shape.
type conversationSummary struct {
	SessionID         string               `json:"session_id"`
	Status            session.Status       `json:"status"`
	Topic             string               `json:"topic"`
	Participants      []string             `json:"participants"`
	TurnCount         int                  `json:"turn_count"`
	MaxTurns          int                  `json:"max_turns"`
	TotalCostUSD      float64              `json:"total_cost_usd"`
	BudgetUSD         float64              `json:"budget_usd"`
	TerminationReason string               `json:"termination_reason,omitempty"`
	Report            session.StatusReport `json:"report"`
	Stats             session.SummaryStats `json:"stats"`
}

func summarize(s *session.Session) conversationSummary {
	return conversationSummary{
		SessionID:         s.ID,
		Status:            s.Status,
		Topic:             s.Topic,
		Participants:      s.Participants,
		TurnCount:         s.CurrentTurn,
		MaxTurns:          s.MaxTurns,
		TotalCostUSD:      s.TotalCostUSD,
		BudgetUSD:         s.BudgetUSD,
		TerminationReason: s.TerminationReason,
		Report:            s.Report(),
		Stats:             s.Stats(),
	}
}

// CreateConversation handles POST /api/v1/conversations.
func (h *Handlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createConversationRequest](w, r)
	if !ok {
		return
	}
	if req.Wait {
		s, err := h.Manager.Run(r.Context(), req.CreateRequest)
		if err != nil && s == nil {
			writeDomainError(w, err, "create conversation")
			return
		}
		writeJSON(w, http.StatusOK, summarize(s))
		return
	}
	s, err := h.Manager.Start(r.Context(), req.CreateRequest)
	if err != nil {
		writeDomainError(w, err, "create conversation")
		return
	}
	writeJSON(w, http.StatusAccepted, summarize(s))
}

// ListConversations handles GET /api/v1/conversations. The optional status
// query parameter filters by lifecycle state.
func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	status := session.Status(r.URL.Query().Get("status"))
	sessions, err := h.Manager.List(r.Context(), status)
	if err != nil {
		writeDomainError(w, err, "list conversations")
		return
	}
	out := make([]conversationSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summarize(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetConversation handles GET /api/v1/conversations/{id}. Pass history=1 to
// include the full turn history.
func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	s, err := h.Manager.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "conversation not found")
		return
	}
	if r.URL.Query().Get("history") != "" {
		writeJSON(w, http.StatusOK, s)
		return
	}
	writeJSON(w, http.StatusOK, summarize(s))
}

// CancelConversation handles POST /api/v1/conversations/{id}/cancel.
func (h *Handlers) CancelConversation(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Manager.Cancel(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "cancelled": true})
}

// GetAuditRecords handles GET /api/v1/conversations/{id}/audit.
func (h *Handlers) GetAuditRecords(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	records, err := h.Journal.Records(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "audit chain not found")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ExportAudit handles GET /api/v1/conversations/{id}/audit/export and streams
// the chain as NDJSON.
func (h *Handlers) ExportAudit(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	data, err := h.Journal.Export(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "audit chain not found")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-`+id+`.ndjson"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// VerifyAudit handles GET /api/v1/conversations/{id}/audit/verify.
func (h *Handlers) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Journal.Verify(r.Context(), id); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "valid": true})
}

// ListAgents handles GET /api/v1/agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	health := h.Registry.HealthAll(r.Context(), false)
	type agentInfo struct {
		agent.Descriptor
		Health agent.Health `json:"health"`
	}
	out := make([]agentInfo, 0)
	for _, d := range h.Registry.Describe() {
		out = append(out, agentInfo{Descriptor: d, Health: health[d.ID]})
	}
	writeJSON(w, http.StatusOK, out)
}

// AgentHealth handles GET /api/v1/agents/{id}/health. Pass deep=1 to bypass
// the cache and run a live probe.
func (h *Handlers) AgentHealth(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	deep := r.URL.Query().Get("deep") != ""
	health, err := h.Registry.HealthCheck(r.Context(), id, deep)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       h.Version,
		"live_sessions": len(h.Manager.Live()),
	})
}
