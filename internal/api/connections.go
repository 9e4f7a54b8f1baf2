package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/dbpilot/internal/dbadapter"
	"github.com/ashureev/dbpilot/internal/domain"
	"github.com/go-chi/chi/v5"
)

type createConnectionRequest struct {
	Name    string         `json:"name"`
	Dialect domain.Dialect `json:"dialect"`
	DSN     string         `json:"dsn"`
}

// connectionView hides the DSN from responses.
type connectionView struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Dialect   domain.Dialect `json:"dialect"`
	CreatedAt int64          `json:"createdAt"`
}

func viewOf(c *domain.Connection) connectionView {
	return connectionView{ID: c.ID, Name: c.Name, Dialect: c.Dialect, CreatedAt: c.CreatedAt.Unix()}
}

// ListConnections handles GET /api/connections.
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.repo.ListConnections(r.Context())
	if err != nil {
		slog.Error("Failed to list connections", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	out := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		out = append(out, viewOf(c))
	}
	JSON(w, http.StatusOK, out)
}

// CreateConnection handles POST /api/connections.
func (h *Handler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || strings.TrimSpace(req.DSN) == "" {
		Error(w, http.StatusBadRequest, "name and dsn are required")
		return
	}
	if req.Dialect == "" {
		req.Dialect = domain.DialectSQLite
	}
	switch req.Dialect {
	case domain.DialectSQLite, domain.DialectPostgres, domain.DialectMySQL, domain.DialectMSSQL:
	default:
		Error(w, http.StatusBadRequest, "unknown dialect")
		return
	}

	conn := &domain.Connection{Name: req.Name, Dialect: req.Dialect, DSN: req.DSN}
	if err := h.repo.CreateConnection(r.Context(), conn); err != nil {
		slog.Error("Failed to create connection", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create connection")
		return
	}
	slog.Info("Connection created", "connection_id", conn.ID, "dialect", conn.Dialect)
	JSON(w, http.StatusCreated, viewOf(conn))
}

// DeleteConnection handles DELETE /api/connections/{id}.
func (h *Handler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.DeleteConnection(r.Context(), id); err != nil {
		slog.Error("Failed to delete connection", "connection_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete connection")
		return
	}
	if h.adapter != nil {
		h.adapter.Forget(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSchema handles GET /api/connections/{id}/schema.
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := h.repo.GetConnection(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load connection", "connection_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load connection")
		return
	}
	if conn == nil {
		Error(w, http.StatusNotFound, "connection not found")
		return
	}

	snapshot, err := h.adapter.Introspect(r.Context(), *conn)
	if err != nil {
		if errors.Is(err, dbadapter.ErrUnsupportedDialect) {
			Error(w, http.StatusNotImplemented, err.Error())
			return
		}
		slog.Error("Schema introspection failed", "connection_id", id, "error", err)
		Error(w, http.StatusBadGateway, "schema introspection failed")
		return
	}
	JSON(w, http.StatusOK, snapshot)
}
