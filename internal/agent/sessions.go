package agent

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTableClosed is returned when registering a session after shutdown.
var ErrTableClosed = errors.New("session table is closed")

// SessionTable is the live-session store shared by the service and its callers.
// Entries are removed a grace period after their session ends.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRun
	timers   map[string]*time.Timer
	closed   bool
}

// NewSessionTable creates an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		sessions: make(map[string]*sessionRun),
		timers:   make(map[string]*time.Timer),
	}
}

func (t *SessionTable) put(run *sessionRun) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTableClosed
	}
	t.sessions[run.id] = run
	return nil
}

func (t *SessionTable) get(id string) (*sessionRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.sessions[id]
	return run, ok
}

// Delete removes a session immediately and stops its eviction timer.
func (t *SessionTable) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
	delete(t.sessions, id)
}

// Len returns the number of live sessions.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// IDs lists the live session ids.
func (t *SessionTable) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	return ids
}

// scheduleEviction removes run after grace unless the table closes first or
// the id has been reused by another run. A second call for the same id is ignored.
func (t *SessionTable) scheduleEviction(run *sessionRun, grace time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, scheduled := t.timers[run.id]; scheduled {
		return
	}
	t.timers[run.id] = time.AfterFunc(grace, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.timers, run.id)
		if current, ok := t.sessions[run.id]; ok && current == run {
			delete(t.sessions, run.id)
			slog.Info("Agent session evicted", "session_id", run.id)
		}
	})
}

// Close stops every pending eviction timer. Entries stay readable.
func (t *SessionTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
