// Package domain contains core domain types for the dbpilot agent service.
package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionRunning         SessionStatus = "running"
	SessionWaitingApproval SessionStatus = "waiting_approval"
	SessionCompleted       SessionStatus = "completed"
	SessionError           SessionStatus = "error"
	SessionCancelled       SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions can occur from s.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionError || s == SessionCancelled
}

// StepStatus is the state of a single tool invocation.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepRunning          StepStatus = "running"
	StepRequiresApproval StepStatus = "requires_approval"
	StepCompleted        StepStatus = "completed"
	StepError            StepStatus = "error"
)

// IsActive reports whether the step still occupies the session's single execution slot.
func (s StepStatus) IsActive() bool {
	return s == StepRunning || s == StepRequiresApproval
}

// AgentStep is one tool invocation within a session.
type AgentStep struct {
	ID          string          `json:"id"`
	ToolName    string          `json:"toolName"`
	Args        json.RawMessage `json:"args,omitempty"`
	Status      StepStatus      `json:"status"`
	Result      any             `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Duration returns how long the step ran, or zero while it is still active.
func (s AgentStep) Duration() time.Duration {
	if s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt)
}

// PendingApproval is the single outstanding approval request of a session.
type PendingApproval struct {
	StepID      string    `json:"stepId"`
	SQL         string    `json:"sql"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
}

// AgentSession is one orchestrated run from prompt to terminal status.
type AgentSession struct {
	ID              string           `json:"id"`
	ConnectionID    string           `json:"connectionId"`
	Prompt          string           `json:"prompt"`
	Status          SessionStatus    `json:"status"`
	Steps           []AgentStep      `json:"steps"`
	PendingApproval *PendingApproval `json:"pendingApproval,omitempty"`
	FinalMessage    string           `json:"finalMessage,omitempty"`
	Error           string           `json:"error,omitempty"`
	Dashboard       *DashboardDraft  `json:"dashboard,omitempty"`
	StartedBy       string           `json:"startedBy,omitempty"`
	StartedAt       time.Time        `json:"startedAt"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
}

// Clone returns a deep copy that shares no mutable state with s.
// Step args and results are treated as immutable once recorded.
func (s AgentSession) Clone() AgentSession {
	out := s
	if s.Steps != nil {
		out.Steps = make([]AgentStep, len(s.Steps))
		for i, st := range s.Steps {
			if st.CompletedAt != nil {
				t := *st.CompletedAt
				st.CompletedAt = &t
			}
			out.Steps[i] = st
		}
	}
	if s.PendingApproval != nil {
		p := *s.PendingApproval
		out.PendingApproval = &p
	}
	if s.Dashboard != nil {
		d := s.Dashboard.Clone()
		out.Dashboard = &d
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// StepIndex returns the position of the step with the given id, or -1.
func (s *AgentSession) StepIndex(id string) int {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// ActiveStep returns the step currently running or awaiting approval, if any.
func (s *AgentSession) ActiveStep() *AgentStep {
	for i := range s.Steps {
		if s.Steps[i].Status.IsActive() {
			return &s.Steps[i]
		}
	}
	return nil
}
