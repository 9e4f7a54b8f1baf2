package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/dbpilot/internal/domain"
	"github.com/ashureev/dbpilot/internal/layout"
	"github.com/go-chi/chi/v5"
)

type saveDashboardRequest struct {
	SessionID    string          `json:"sessionId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Widgets      []domain.Widget `json:"widgets,omitempty"`
}

// SaveDashboard handles POST /api/dashboards. The widget set comes either
// from a finished agent session's draft or from the request body; body
// widgets are laid out on the grid before saving.
func (h *Handler) SaveDashboard(w http.ResponseWriter, r *http.Request) {
	var req saveDashboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d := &domain.Dashboard{
		ConnectionID: req.ConnectionID,
		Name:         strings.TrimSpace(req.Name),
		Description:  req.Description,
	}

	switch {
	case req.SessionID != "":
		if h.sessions == nil {
			Error(w, http.StatusServiceUnavailable, "agent sessions unavailable")
			return
		}
		session, err := h.sessions.GetSession(req.SessionID)
		if err != nil {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		if session.Dashboard == nil || len(session.Dashboard.Widgets) == 0 {
			Error(w, http.StatusConflict, "session has no dashboard widgets")
			return
		}
		draft := session.Dashboard.Clone()
		d.ID = draft.ID
		d.ConnectionID = session.ConnectionID
		d.Widgets = draft.Widgets
		if d.Name == "" {
			d.Name = draft.Name
		}
		if d.Description == "" {
			d.Description = draft.Description
		}
	case len(req.Widgets) > 0:
		d.Widgets = layout.PackWidgets(req.Widgets)
	default:
		Error(w, http.StatusBadRequest, "sessionId or widgets is required")
		return
	}
	if d.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	id, err := h.repo.SaveDashboard(r.Context(), d)
	if err != nil {
		slog.Error("Failed to save dashboard", "error", err)
		Error(w, http.StatusInternalServerError, "failed to save dashboard")
		return
	}
	slog.Info("Dashboard saved", "dashboard_id", id, "widgets", len(d.Widgets), "session_id", req.SessionID)
	JSON(w, http.StatusCreated, d)
}

// GetDashboard handles GET /api/dashboards/{id}.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.repo.GetDashboard(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load dashboard", "dashboard_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load dashboard")
		return
	}
	if d == nil {
		Error(w, http.StatusNotFound, "dashboard not found")
		return
	}
	JSON(w, http.StatusOK, d)
}

// ListDashboards handles GET /api/dashboards.
func (h *Handler) ListDashboards(w http.ResponseWriter, r *http.Request) {
	ds, err := h.repo.ListDashboards(r.Context())
	if err != nil {
		slog.Error("Failed to list dashboards", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list dashboards")
		return
	}
	if ds == nil {
		ds = []*domain.Dashboard{}
	}
	JSON(w, http.StatusOK, ds)
}
