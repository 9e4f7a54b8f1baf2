package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/dbpilot/internal/config"
	"github.com/ashureev/dbpilot/internal/domain"
	"github.com/ashureev/dbpilot/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// ConnectionSource looks up registered database connections.
type ConnectionSource interface {
	GetConnection(ctx context.Context, id string) (*domain.Connection, error)
}

// SchemaIntrospector captures a connection's schema.
type SchemaIntrospector interface {
	Introspect(ctx context.Context, conn domain.Connection) (domain.SchemaSnapshot, error)
}

// Handler serves the agent session API over HTTP, SSE and WebSocket.
type Handler struct {
	agent        *Service
	connections  ConnectionSource
	schemas      SchemaIntrospector
	rateLimiter  *RateLimiter
	cfg          *config.Config
	connectionID atomic.Int64
}

// RateLimiter implements a per-client rate limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for range ticker.C {
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// NewHandler creates an agent handler. cfg may be nil, in which case defaults apply.
func NewHandler(svc *Service, connections ConnectionSource, schemas SchemaIntrospector, cfg *config.Config) *Handler {
	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}

	return &Handler{
		agent:       svc,
		connections: connections,
		schemas:     schemas,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		cfg:         cfg,
	}
}

// RegisterRoutes registers agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/sessions", h.HandleStart)
		r.Get("/sessions/{id}", h.HandleGetSession)
		r.Post("/sessions/{id}/approve", h.HandleApprove)
		r.Post("/sessions/{id}/decline", h.HandleDecline)
		r.Post("/sessions/{id}/cancel", h.HandleCancel)
		r.Get("/stream", h.HandleStream)
	})
	r.Get("/ws/agent", h.HandleWebSocket)
}

type startSessionRequest struct {
	ConnectionID string                 `json:"connectionId"`
	Prompt       string                 `json:"prompt"`
	Schema       *domain.SchemaSnapshot `json:"schema,omitempty"`
}

// HandleStart handles POST /api/agent/sessions.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	if !h.agent.Configured() {
		writeError(w, http.StatusServiceUnavailable, ErrNotConfigured.Error())
		return
	}
	if !h.rateLimiter.Allow(clientID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "connectionId is required")
		return
	}

	conn, err := h.connections.GetConnection(r.Context(), req.ConnectionID)
	if err != nil {
		slog.Error("Failed to load connection", "connection_id", req.ConnectionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load connection")
		return
	}
	if conn == nil {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}

	var schema domain.SchemaSnapshot
	if req.Schema != nil {
		schema = *req.Schema
	} else if h.schemas != nil {
		schema, err = h.schemas.Introspect(r.Context(), *conn)
		if err != nil {
			slog.Warn("Schema introspection failed, starting without snapshot",
				"connection_id", conn.ID,
				"error", err,
			)
			schema = domain.SchemaSnapshot{}
		}
	}

	sessionID, err := h.agent.Start(StartRequest{
		Connection: *conn,
		Prompt:     req.Prompt,
		Schema:     schema,
		StartedBy:  clientID,
	})
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	slog.Info("Agent session requested",
		"session_id", sessionID,
		"client_id", clientID,
		"remote_ip", identity.IPFromRequest(r),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": sessionID})
}

// HandleGetSession handles GET /api/agent/sessions/{id}.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.agent.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// HandleApprove handles POST /api/agent/sessions/{id}/approve.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleResolve(w, r, true)
}

// HandleDecline handles POST /api/agent/sessions/{id}/decline.
func (h *Handler) HandleDecline(w http.ResponseWriter, r *http.Request) {
	h.handleResolve(w, r, false)
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request, approved bool) {
	id := chi.URLParam(r, "id")
	var (
		resolved bool
		err      error
	)
	if approved {
		resolved, err = h.agent.Approve(id)
	} else {
		resolved, err = h.agent.Decline(id)
	}
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": resolved})
}

// HandleCancel handles POST /api/agent/sessions/{id}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.agent.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// HandleStream handles GET /api/agent/stream?session_id=<id>.
// Events are live only; the first event is a snapshot of the session so a
// client that reconnects does not depend on replay.
//
//nolint:gocyclo // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	// Subscribe before reading the snapshot so no event falls between the two.
	sub := h.agent.Subscribe(sessionID)
	defer sub.Close()

	snapshot, err := h.agent.GetSession(sessionID)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	retryDelayMs := int64(5000)
	if h.cfg != nil {
		retryDelayMs = h.cfg.SSE.RetryDelay.Milliseconds()
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMs)); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "session_id", sessionID)
		return
	}

	connID := h.connectionID.Add(1)
	var eventID int64
	send := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			slog.Error("[SEND] Failed to marshal SSE message", "error", err, "conn_id", connID)
			return true
		}
		eventID++
		if err := writeSSEWithID(w, eventID, event, string(data)); err != nil {
			slog.Warn("[SEND] Failed to write to SSE connection", "error", err, "conn_id", connID, "session_id", sessionID)
			return false
		}
		flusher.Flush()
		return true
	}

	if !send("snapshot", snapshot) {
		return
	}
	slog.Info("SSE connection established", "session_id", sessionID, "conn_id", connID)
	defer slog.Info("SSE connection closed", "session_id", sessionID, "conn_id", connID)

	keepaliveInterval := 10 * time.Second
	if h.cfg != nil {
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if !send(string(ev.Type), ev) {
				return
			}
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
		}
	}
}

func statusForError(err error) int {
	var validation *ValidationError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoPendingApproval):
		return http.StatusConflict
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrServiceClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrEmptyPrompt), errors.As(err, &validation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
