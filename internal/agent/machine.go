package agent

import (
	"encoding/json"
	"time"

	"github.com/ashureev/dbpilot/internal/domain"
)

// Input is anything that can advance a session.
type Input interface{ isInput() }

type (
	// InputStart moves a fresh session to running.
	InputStart struct{ At time.Time }

	// InputToolCall opens a new running step.
	InputToolCall struct {
		StepID   string
		ToolName string
		Args     json.RawMessage
		At       time.Time
	}

	// InputToolResult closes a running step.
	InputToolResult struct {
		StepID    string
		Result    any
		Err       error
		Dashboard *domain.DashboardDraft
		At        time.Time
	}

	// InputRequiresApproval parks a running step behind the approval gate.
	InputRequiresApproval struct {
		StepID string
		SQL    string
		Reason string
		At     time.Time
	}

	// InputApprovalResolved settles the pending approval. An approved step goes
	// back to running and its query outcome arrives as InputToolResult; a
	// declined step completes without touching the database.
	InputApprovalResolved struct {
		StepID   string
		Approved bool
		At       time.Time
	}

	// InputText is an incremental fragment of model prose.
	InputText struct {
		Delta string
		At    time.Time
	}

	// InputStreamEnd is the normal end of the model stream.
	InputStreamEnd struct {
		FinalText string
		Dashboard *domain.DashboardDraft
		At        time.Time
	}

	// InputFailure is an unrecoverable error in the stream or a tool.
	InputFailure struct {
		Err error
		At  time.Time
	}

	// InputCancel is an external cancellation request.
	InputCancel struct{ At time.Time }
)

func (InputStart) isInput()            {}
func (InputToolCall) isInput()         {}
func (InputToolResult) isInput()       {}
func (InputRequiresApproval) isInput() {}
func (InputApprovalResolved) isInput() {}
func (InputText) isInput()             {}
func (InputStreamEnd) isInput()        {}
func (InputFailure) isInput()          {}
func (InputCancel) isInput()           {}

// Effect is work the run loop performs after a transition.
type Effect interface{ isEffect() }

type (
	// EffectAwaitApproval opens the approval slot for a step.
	EffectAwaitApproval struct{ StepID string }
	// EffectForceDecline resolves any outstanding approval as declined.
	EffectForceDecline struct{}
	// EffectStopStream stops consuming the model stream.
	EffectStopStream struct{}
	// EffectScheduleEviction starts the post-terminal retention timer.
	EffectScheduleEviction struct{}
)

func (EffectAwaitApproval) isEffect()    {}
func (EffectForceDecline) isEffect()     {}
func (EffectStopStream) isEffect()       {}
func (EffectScheduleEviction) isEffect() {}

// declinedMessage is returned to the model when the user rejects a mutation.
const declinedMessage = "The user declined to run this statement. It was not executed."

// Transition computes the next session state for one input. It never mutates s
// and performs no I/O. Terminal sessions absorb every input.
func Transition(s domain.AgentSession, in Input) (domain.AgentSession, []Event, []Effect) {
	if s.Status.IsTerminal() {
		return s, nil, nil
	}
	next := s.Clone()

	switch in := in.(type) {
	case InputStart:
		if s.Status != "" {
			return s, nil, nil
		}
		next.Status = domain.SessionRunning
		if next.StartedAt.IsZero() {
			next.StartedAt = in.At
		}
		return next, []Event{{Type: EventSessionStarted, SessionID: next.ID, Status: next.Status, Timestamp: in.At}}, nil

	case InputToolCall:
		if s.Status != domain.SessionRunning || next.ActiveStep() != nil || next.StepIndex(in.StepID) >= 0 {
			return s, nil, nil
		}
		started := in.At
		if n := len(next.Steps); n > 0 && !started.After(next.Steps[n-1].StartedAt) {
			started = next.Steps[n-1].StartedAt.Add(time.Nanosecond)
		}
		next.Steps = append(next.Steps, domain.AgentStep{
			ID:        in.StepID,
			ToolName:  in.ToolName,
			Args:      in.Args,
			Status:    domain.StepRunning,
			StartedAt: started,
		})
		step := next.Steps[len(next.Steps)-1]
		return next, []Event{{Type: EventToolCall, SessionID: next.ID, Step: &step, Timestamp: in.At}}, nil

	case InputToolResult:
		i := next.StepIndex(in.StepID)
		if s.Status != domain.SessionRunning || i < 0 || next.Steps[i].Status != domain.StepRunning {
			return s, nil, nil
		}
		finishStep(&next.Steps[i], in.Result, in.Err, in.At)
		if in.Dashboard != nil {
			d := in.Dashboard.Clone()
			next.Dashboard = &d
		}
		step := next.Steps[i]
		return next, []Event{{Type: EventToolResult, SessionID: next.ID, Step: &step, Timestamp: in.At}}, nil

	case InputRequiresApproval:
		i := next.StepIndex(in.StepID)
		if s.Status != domain.SessionRunning || i < 0 || next.Steps[i].Status != domain.StepRunning {
			return s, nil, nil
		}
		next.Steps[i].Status = domain.StepRequiresApproval
		next.Status = domain.SessionWaitingApproval
		next.PendingApproval = &domain.PendingApproval{
			StepID:      in.StepID,
			SQL:         in.SQL,
			Reason:      in.Reason,
			RequestedAt: in.At,
		}
		step := next.Steps[i]
		approval := *next.PendingApproval
		return next,
			[]Event{{Type: EventRequiresApproval, SessionID: next.ID, Step: &step, Approval: &approval, Status: next.Status, Timestamp: in.At}},
			[]Effect{EffectAwaitApproval{StepID: in.StepID}}

	case InputApprovalResolved:
		if s.Status != domain.SessionWaitingApproval || next.PendingApproval == nil || next.PendingApproval.StepID != in.StepID {
			return s, nil, nil
		}
		i := next.StepIndex(in.StepID)
		if i < 0 {
			return s, nil, nil
		}
		approval := *next.PendingApproval
		next.PendingApproval = nil
		next.Status = domain.SessionRunning
		if in.Approved {
			next.Steps[i].Status = domain.StepRunning
			step := next.Steps[i]
			return next, []Event{{Type: EventApprovalResolved, SessionID: next.ID, Step: &step, Approval: &approval, Status: next.Status, Timestamp: in.At}}, nil
		}
		finishStep(&next.Steps[i], DeclinedResult{Approved: false, Message: declinedMessage}, nil, in.At)
		step := next.Steps[i]
		return next, []Event{{Type: EventToolResult, SessionID: next.ID, Step: &step, Status: next.Status, Timestamp: in.At}}, nil

	case InputText:
		if s.Status != domain.SessionRunning || in.Delta == "" {
			return s, nil, nil
		}
		return next, []Event{{Type: EventText, SessionID: next.ID, Text: in.Delta, Timestamp: in.At}}, nil

	case InputStreamEnd:
		effects := abandonActive(&next, "model stream ended before the step finished", in.At)
		next.Status = domain.SessionCompleted
		next.FinalMessage = in.FinalText
		if in.Dashboard != nil {
			d := in.Dashboard.Clone()
			next.Dashboard = &d
		}
		return finish(next, in.At, effects)

	case InputFailure:
		msg := "unknown error"
		if in.Err != nil {
			msg = in.Err.Error()
		}
		effects := abandonActive(&next, msg, in.At)
		next.Status = domain.SessionError
		next.Error = msg
		return finish(next, in.At, append(effects, EffectStopStream{}))

	case InputCancel:
		effects := abandonActive(&next, "cancelled", in.At)
		next.Status = domain.SessionCancelled
		return finish(next, in.At, append(effects, EffectStopStream{}))
	}
	return s, nil, nil
}

func finishStep(step *domain.AgentStep, result any, err error, at time.Time) {
	if at.Before(step.StartedAt) {
		at = step.StartedAt
	}
	step.CompletedAt = &at
	if err != nil {
		step.Status = domain.StepError
		step.Error = err.Error()
		return
	}
	step.Status = domain.StepCompleted
	step.Result = result
}

// abandonActive fails the active step, if any, and drops the pending approval.
func abandonActive(s *domain.AgentSession, reason string, at time.Time) []Effect {
	var effects []Effect
	if s.PendingApproval != nil {
		s.PendingApproval = nil
		effects = append(effects, EffectForceDecline{})
	}
	if step := s.ActiveStep(); step != nil {
		if at.Before(step.StartedAt) {
			at = step.StartedAt
		}
		step.Status = domain.StepError
		step.Error = reason
		step.CompletedAt = &at
	}
	return effects
}

func finish(s domain.AgentSession, at time.Time, effects []Effect) (domain.AgentSession, []Event, []Effect) {
	s.CompletedAt = &at
	ev := Event{
		Type:         EventComplete,
		SessionID:    s.ID,
		Status:       s.Status,
		FinalMessage: s.FinalMessage,
		Error:        s.Error,
		Timestamp:    at,
	}
	if s.Dashboard != nil {
		d := s.Dashboard.Clone()
		ev.Dashboard = &d
	}
	return s, []Event{ev}, append(effects, EffectScheduleEviction{})
}
