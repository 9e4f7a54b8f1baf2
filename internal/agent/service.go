package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/dbpilot/internal/domain"
	"github.com/google/uuid"
)

var (
	// ErrServiceClosed is returned by Start after Shutdown.
	ErrServiceClosed = errors.New("agent service is shut down")
	// ErrEmptyPrompt is returned by Start when the prompt is blank.
	ErrEmptyPrompt = errors.New("prompt is required")
)

// Options tunes session execution.
type Options struct {
	// MaxSteps bounds model turns per session.
	MaxSteps int
	// EvictionGrace is how long a finished session stays readable.
	EvictionGrace time.Duration
	// ApprovalTimeout declines a pending mutation after this long. Zero waits forever.
	ApprovalTimeout time.Duration
	// QueryTimeout bounds each database call a tool makes.
	QueryTimeout time.Duration
}

// DefaultOptions returns the standard limits.
func DefaultOptions() Options {
	return Options{
		MaxSteps:      20,
		EvictionGrace: 60 * time.Second,
		QueryTimeout:  30 * time.Second,
	}
}

// StartRequest describes a new session.
type StartRequest struct {
	Connection domain.Connection
	Prompt     string
	Schema     domain.SchemaSnapshot
	StartedBy  string
}

// Service runs agent sessions.
type Service struct {
	runner      ModelRunner
	executor    *Executor
	table       *SessionTable
	broadcaster *Broadcaster
	opts        Options

	mu   sync.Mutex // orders Start against Shutdown
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewService creates a service. A nil runner means no model credential is
// configured and Start fails with ErrNotConfigured.
func NewService(runner ModelRunner, db QueryExecutor, table *SessionTable, broadcaster *Broadcaster, opts Options) *Service {
	defaults := DefaultOptions()
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaults.MaxSteps
	}
	if opts.EvictionGrace <= 0 {
		opts.EvictionGrace = defaults.EvictionGrace
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaults.QueryTimeout
	}
	if table == nil {
		table = NewSessionTable()
	}
	if broadcaster == nil {
		broadcaster = NewBroadcaster(defaultEventBuffer)
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		runner:      runner,
		executor:    NewExecutor(DefaultRegistry(), db, opts.QueryTimeout),
		table:       table,
		broadcaster: broadcaster,
		opts:        opts,
		ctx:         ctx,
		stop:        stop,
	}
}

// Configured reports whether a model runner is available.
func (s *Service) Configured() bool {
	return s.runner != nil
}

// Registry returns the tool catalog sessions run with.
func (s *Service) Registry() *Registry {
	return s.executor.Registry()
}

// Start creates a session and begins running it in the background. The session
// outlives the caller's request; stop it with Cancel.
func (s *Service) Start(req StartRequest) (string, error) {
	if s.runner == nil {
		return "", ErrNotConfigured
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(s.ctx)
	run := &sessionRun{
		id:      id,
		svc:     s,
		conn:    req.Connection,
		schema:  req.Schema,
		widgets: NewWidgetBuffer(),
		gate:    NewApprovalGate(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state: domain.AgentSession{
			ID:           id,
			ConnectionID: req.Connection.ID,
			Prompt:       prompt,
			Steps:        []domain.AgentStep{},
			StartedBy:    req.StartedBy,
		},
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		cancel()
		return "", ErrServiceClosed
	}
	if err := s.table.put(run); err != nil {
		s.mu.Unlock()
		cancel()
		return "", ErrServiceClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	run.apply(InputStart{At: time.Now()})

	modelReq := ModelRequest{
		SystemPrompt: BuildSystemPrompt(req.Connection, req.Schema, s.Registry()),
		Messages:     []Message{{Role: RoleUser, Content: prompt}},
		Tools:        s.Registry().Schemas(),
		MaxSteps:     s.opts.MaxSteps,
	}
	go run.run(modelReq)

	slog.Info("Agent session started",
		"session_id", id,
		"connection_id", req.Connection.ID,
		"started_by", req.StartedBy,
		"prompt_length", len(prompt),
	)
	return id, nil
}

// Approve runs the pending statement. It reports false if the approval was
// already resolved by an earlier call.
func (s *Service) Approve(sessionID string) (bool, error) {
	return s.resolve(sessionID, true)
}

// Decline rejects the pending statement.
func (s *Service) Decline(sessionID string) (bool, error) {
	return s.resolve(sessionID, false)
}

func (s *Service) resolve(sessionID string, approved bool) (bool, error) {
	run, ok := s.table.get(sessionID)
	if !ok {
		return false, ErrSessionNotFound
	}
	resolved, err := run.resolve(approved)
	if err != nil {
		return false, err
	}
	slog.Info("Approval resolved", "session_id", sessionID, "approved", approved, "effective", resolved)
	return resolved, nil
}

// Cancel stops a session. It reports false if the session had already ended.
func (s *Service) Cancel(sessionID string) (bool, error) {
	run, ok := s.table.get(sessionID)
	if !ok {
		return false, ErrSessionNotFound
	}
	cancelled := run.apply(InputCancel{At: time.Now()})
	if cancelled {
		slog.Info("Agent session cancelled", "session_id", sessionID)
	}
	return cancelled, nil
}

// GetSession returns a copy of the session's current state.
func (s *Service) GetSession(sessionID string) (domain.AgentSession, error) {
	run, ok := s.table.get(sessionID)
	if !ok {
		return domain.AgentSession{}, ErrSessionNotFound
	}
	return run.snapshot(), nil
}

// Subscribe listens to one session's events, or to all when sessionID is empty.
func (s *Service) Subscribe(sessionID string) *Subscription {
	return s.broadcaster.Subscribe(sessionID)
}

// Wait blocks until the session's goroutine exits or ctx ends.
func (s *Service) Wait(ctx context.Context, sessionID string) error {
	run, ok := s.table.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every running session, waits for them to stop and
// stops pending evictions.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stop()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		slog.Warn("Agent sessions did not stop before shutdown deadline", "error", err)
	}
	s.table.Close()
	return err
}
