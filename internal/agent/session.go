package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/dbpilot/internal/domain"
	"github.com/google/uuid"
)

// toolPanicError wraps a panic raised while a tool ran.
type toolPanicError struct {
	tool  string
	value any
}

func (e *toolPanicError) Error() string {
	return fmt.Sprintf("tool %s panicked: %v", e.tool, e.value)
}

// sessionRun is the live runtime of one session. All state changes go through
// apply, which serializes them and publishes the resulting events in order.
type sessionRun struct {
	id      string
	svc     *Service
	conn    domain.Connection
	schema  domain.SchemaSnapshot
	widgets *WidgetBuffer
	gate    *ApprovalGate

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	state        domain.AgentSession
	approvalWait <-chan bool
}

// apply runs one transition and its effects. It reports whether the input was accepted.
func (r *sessionRun) apply(in Input) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, events, effects := Transition(r.state, in)
	r.state = next
	for _, ev := range events {
		r.svc.broadcaster.Publish(ev)
	}
	for _, eff := range effects {
		r.handleLocked(eff)
	}
	return len(events) > 0
}

func (r *sessionRun) handleLocked(eff Effect) {
	switch eff := eff.(type) {
	case EffectAwaitApproval:
		wait, err := r.gate.Request(eff.StepID)
		if err != nil {
			slog.Error("Failed to open approval slot", "session_id", r.id, "step_id", eff.StepID, "error", err)
			return
		}
		r.approvalWait = wait
	case EffectForceDecline:
		r.gate.Cancel()
	case EffectStopStream:
		r.cancel()
	case EffectScheduleEviction:
		r.svc.table.scheduleEviction(r, r.svc.opts.EvictionGrace)
	}
}

func (r *sessionRun) snapshot() domain.AgentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

func (r *sessionRun) terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Status.IsTerminal()
}

// resolve settles the pending approval from outside the session.
func (r *sessionRun) resolve(approved bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Status != domain.SessionWaitingApproval || r.state.PendingApproval == nil {
		return false, ErrNoPendingApproval
	}
	return r.gate.Resolve(approved), nil
}

func (r *sessionRun) execContext() ExecContext {
	return ExecContext{Connection: r.conn, Schema: r.schema, Widgets: r.widgets}
}

// stepID prefers the model's call id and falls back to a fresh one when it is
// missing or already used in this session.
func (r *sessionRun) stepID(callID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if callID != "" && r.state.StepIndex(callID) < 0 {
		return callID
	}
	return uuid.NewString()
}

func stoppedReply(call ToolCall) ToolReply {
	return ToolReply{CallID: call.ID, Output: errSessionStopped.Error(), IsError: true, Stop: true}
}

// callTool is the ToolCaller handed to the model runner. It runs on the
// session goroutine and blocks while a mutation waits for approval.
func (r *sessionRun) callTool(ctx context.Context, call ToolCall) ToolReply {
	if ctx.Err() != nil || r.terminal() {
		return stoppedReply(call)
	}
	stepID := r.stepID(call.ID)
	if !r.apply(InputToolCall{StepID: stepID, ToolName: call.Name, Args: call.Args, At: time.Now()}) {
		return ToolReply{CallID: call.ID, Output: "tool call rejected: another step is still active", IsError: true}
	}

	outcome, err := r.execute(ctx, call)
	var panicErr *toolPanicError
	switch {
	case errors.As(err, &panicErr):
		slog.Error("Tool panicked", "session_id", r.id, "step_id", stepID, "tool", call.Name, "panic", panicErr.value)
		r.apply(InputFailure{Err: err, At: time.Now()})
		return stoppedReply(call)
	case err != nil:
		if ctx.Err() != nil {
			return stoppedReply(call)
		}
		slog.Info("Tool call failed", "session_id", r.id, "step_id", stepID, "tool", call.Name, "error", err)
		r.apply(InputToolResult{StepID: stepID, Err: err, At: time.Now()})
		return ToolReply{CallID: call.ID, Output: err.Error(), IsError: true}
	case outcome.Approval != nil:
		return r.gateMutation(ctx, call, stepID, *outcome.Approval)
	}

	var dashboard *domain.DashboardDraft
	if saved, ok := outcome.Result.(*SaveDashboardResult); ok {
		dashboard = &saved.Dashboard
	}
	r.apply(InputToolResult{StepID: stepID, Result: outcome.Result, Dashboard: dashboard, At: time.Now()})
	return ToolReply{CallID: call.ID, Output: outcome.Result}
}

func (r *sessionRun) execute(ctx context.Context, call ToolCall) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &toolPanicError{tool: call.Name, value: p}
		}
	}()
	return r.svc.executor.Execute(ctx, call.Name, call.Args, r.execContext())
}

// gateMutation suspends the session until the pending statement is approved,
// declined or the session stops. A stopped session never runs the statement.
func (r *sessionRun) gateMutation(ctx context.Context, call ToolCall, stepID string, req ApprovalRequest) ToolReply {
	if !r.apply(InputRequiresApproval{StepID: stepID, SQL: req.SQL, Reason: req.Reason, At: time.Now()}) {
		return stoppedReply(call)
	}
	r.mu.Lock()
	wait := r.approvalWait
	r.approvalWait = nil
	r.mu.Unlock()
	if wait == nil {
		r.apply(InputFailure{Err: errApprovalPending, At: time.Now()})
		return stoppedReply(call)
	}

	slog.Info("Waiting for approval", "session_id", r.id, "step_id", stepID)
	approved := r.waitForApproval(ctx, stepID, wait)
	if ctx.Err() != nil || r.terminal() {
		return stoppedReply(call)
	}
	if !approved {
		slog.Info("Statement declined", "session_id", r.id, "step_id", stepID)
		r.apply(InputApprovalResolved{StepID: stepID, Approved: false, At: time.Now()})
		return ToolReply{CallID: call.ID, Output: DeclinedResult{Approved: false, Message: declinedMessage}}
	}

	// The approval is applied before the statement runs so a cancel that won
	// the race keeps it off the database.
	if !r.apply(InputApprovalResolved{StepID: stepID, Approved: true, At: time.Now()}) {
		return stoppedReply(call)
	}
	slog.Info("Statement approved", "session_id", r.id, "step_id", stepID)
	res, err := r.svc.executor.RunQuery(ctx, r.execContext(), req.SQL)
	if err != nil {
		if ctx.Err() != nil {
			return stoppedReply(call)
		}
		r.apply(InputToolResult{StepID: stepID, Err: err, At: time.Now()})
		return ToolReply{CallID: call.ID, Output: err.Error(), IsError: true}
	}
	r.apply(InputToolResult{StepID: stepID, Result: res, At: time.Now()})
	return ToolReply{CallID: call.ID, Output: res}
}

func (r *sessionRun) waitForApproval(ctx context.Context, stepID string, wait <-chan bool) bool {
	var timeout <-chan time.Time
	if d := r.svc.opts.ApprovalTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case approved := <-wait:
		return approved
	case <-ctx.Done():
		return false
	case <-timeout:
		slog.Warn("Approval timed out, declining", "session_id", r.id, "step_id", stepID)
		r.gate.Resolve(false)
		return <-wait
	}
}

// run consumes the model stream until it ends or the session stops.
func (r *sessionRun) run(req ModelRequest) {
	defer r.svc.wg.Done()
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Agent session panicked", "session_id", r.id, "panic", p)
			r.apply(InputFailure{Err: fmt.Errorf("internal error: %v", p), At: time.Now()})
		}
	}()

	var (
		final string
		text  strings.Builder
	)
	for ev, err := range r.svc.runner.Run(r.ctx, req, r.callTool) {
		if err != nil {
			if r.ctx.Err() == nil {
				slog.Error("Agent model stream failed", "session_id", r.id, "error", err)
				r.apply(InputFailure{Err: err, At: time.Now()})
			}
			break
		}
		if r.terminal() {
			break
		}
		switch ev.Type {
		case ModelTextDelta:
			text.WriteString(ev.Text)
			r.apply(InputText{Delta: ev.Text, At: time.Now()})
		case ModelFinish:
			final = ev.Text
		}
	}

	if r.ctx.Err() != nil || r.terminal() {
		// Covers shutdown; a no-op when the session already ended.
		r.apply(InputCancel{At: time.Now()})
		return
	}

	if final == "" {
		final = strings.TrimSpace(text.String())
	}
	var dashboard *domain.DashboardDraft
	if r.widgets.Len() > 0 {
		if draft, err := r.widgets.Draft("", ""); err == nil {
			dashboard = &draft
		}
	}
	r.apply(InputStreamEnd{FinalText: final, Dashboard: dashboard, At: time.Now()})
	slog.Info("Agent session finished", "session_id", r.id, "status", r.snapshot().Status)
}
