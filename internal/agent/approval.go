package agent

import (
	"errors"
	"sync"
)

// errApprovalPending is returned when a second approval is requested before the first resolves.
var errApprovalPending = errors.New("an approval is already pending")

// approvalFuture is a one-shot boolean result. Only the first resolve takes effect.
type approvalFuture struct {
	once sync.Once
	ch   chan bool
}

func newApprovalFuture() *approvalFuture {
	return &approvalFuture{ch: make(chan bool, 1)}
}

func (f *approvalFuture) resolve(approved bool) bool {
	resolved := false
	f.once.Do(func() {
		f.ch <- approved
		close(f.ch)
		resolved = true
	})
	return resolved
}

// ApprovalGate holds at most one pending approval for a session.
type ApprovalGate struct {
	mu     sync.Mutex
	stepID string
	future *approvalFuture
}

// NewApprovalGate creates an empty gate.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{}
}

// Request opens the slot for stepID. The returned channel yields exactly one
// value: true if approved, false if declined or cancelled.
func (g *ApprovalGate) Request(stepID string) (<-chan bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.future != nil {
		return nil, errApprovalPending
	}
	g.stepID = stepID
	g.future = newApprovalFuture()
	return g.future.ch, nil
}

// Resolve settles the pending request. It reports false when there is nothing
// to resolve, so a second resolution is a no-op.
func (g *ApprovalGate) Resolve(approved bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.future == nil {
		return false
	}
	resolved := g.future.resolve(approved)
	g.stepID = ""
	g.future = nil
	return resolved
}

// Cancel force-declines the pending request and clears the slot.
func (g *ApprovalGate) Cancel() bool {
	return g.Resolve(false)
}

// Pending returns the step id waiting in the slot.
func (g *ApprovalGate) Pending() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stepID, g.future != nil
}
