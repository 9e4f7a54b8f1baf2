// Package api provides HTTP handlers for connections, dashboards and service config.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/dbpilot/internal/config"
	"github.com/ashureev/dbpilot/internal/domain"
	"github.com/ashureev/dbpilot/internal/store"
	"github.com/go-chi/chi/v5"
)

// DatabaseAdapter is the part of the database adapter the API needs.
type DatabaseAdapter interface {
	Introspect(ctx context.Context, conn domain.Connection) (domain.SchemaSnapshot, error)
	Forget(connectionID string)
}

// SessionReader reads agent sessions so their dashboards can be persisted.
type SessionReader interface {
	GetSession(sessionID string) (domain.AgentSession, error)
}

// Handler provides the persistence-side endpoints.
type Handler struct {
	repo     store.Repository
	adapter  DatabaseAdapter
	sessions SessionReader
	cfg      *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, adapter DatabaseAdapter, sessions SessionReader, cfg *config.Config) *Handler {
	return &Handler{
		repo:     repo,
		adapter:  adapter,
		sessions: sessions,
		cfg:      cfg,
	}
}

// RegisterRoutes registers connection, dashboard and config routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)

		r.Get("/connections", h.ListConnections)
		r.Post("/connections", h.CreateConnection)
		r.Delete("/connections/{id}", h.DeleteConnection)
		r.Get("/connections/{id}/schema", h.GetSchema)

		r.Get("/dashboards", h.ListDashboards)
		r.Post("/dashboards", h.SaveDashboard)
		r.Get("/dashboards/{id}", h.GetDashboard)
	})
}

// GetConfig handles GET /api/config.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"agentConfigured": false}
	if h.cfg != nil {
		resp["agentConfigured"] = h.cfg.ModelConfigured()
		resp["model"] = h.cfg.Agent.Model
		resp["maxSteps"] = h.cfg.Agent.MaxSteps
		resp["approvalTimeoutSeconds"] = int(h.cfg.Agent.ApprovalTimeout.Seconds())
	}
	JSON(w, http.StatusOK, resp)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
