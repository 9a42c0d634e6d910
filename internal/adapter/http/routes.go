package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
		})

		// Conversations
		r.Post("/conversations", h.CreateConversation)
		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{id}", h.GetConversation)
		r.Post("/conversations/{id}/cancel", h.CancelConversation)

		// Audit chain
		r.Get("/conversations/{id}/audit", h.GetAuditRecords)
		r.Get("/conversations/{id}/audit/export", h.ExportAudit)
		r.Get("/conversations/{id}/audit/verify", h.VerifyAudit)

		// Agents
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}/health", h.AgentHealth)
	})
}
