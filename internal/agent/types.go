// Package agent orchestrates tool-calling model sessions against a user's database.
package agent

import (
	"encoding/json"
	"time"

	"github.com/ashureev/dbpilot/internal/domain"
)

// EventType names a broadcast event.
type EventType string

const (
	EventSessionStarted   EventType = "agent:session-started"
	EventToolCall         EventType = "agent:tool-call"
	EventToolResult       EventType = "agent:tool-result"
	EventRequiresApproval EventType = "agent:requires-approval"
	EventApprovalResolved EventType = "agent:approval-resolved"
	EventText             EventType = "agent:text"
	EventComplete         EventType = "agent:complete"
)

// Event is a single progress notification for one session.
type Event struct {
	Type         EventType               `json:"type"`
	SessionID    string                  `json:"sessionId"`
	Step         *domain.AgentStep       `json:"step,omitempty"`
	Approval     *domain.PendingApproval `json:"approval,omitempty"`
	Text         string                  `json:"text,omitempty"`
	Status       domain.SessionStatus    `json:"status,omitempty"`
	FinalMessage string                  `json:"finalMessage,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Dashboard    *domain.DashboardDraft  `json:"dashboard,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

// ModelEventType names an item of a model run stream.
type ModelEventType string

const (
	ModelTextDelta  ModelEventType = "text-delta"
	ModelToolCall   ModelEventType = "tool-call"
	ModelToolResult ModelEventType = "tool-result"
	ModelFinish     ModelEventType = "finish"
)

// ModelEvent is one item yielded by a ModelRunner.
type ModelEvent struct {
	Type     ModelEventType
	Text     string
	ToolCall *ToolCall
	Reply    *ToolReply
}

// ToolCall is a model's request to run a tool.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolReply is what the model receives back for a ToolCall.
type ToolReply struct {
	CallID  string
	Output  any
	IsError bool
	// Stop asks the runner to end the conversation without another model turn.
	Stop bool
}

// Role is a chat message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a plain text chat message.
type Message struct {
	Role    Role
	Content string
}

// ModelRequest is everything a runner needs for one session.
type ModelRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSchema
	MaxSteps     int
}

// DeclinedResult is the tool result recorded for a declined mutation.
type DeclinedResult struct {
	Approved bool   `json:"approved"`
	Message  string `json:"message"`
}

// ApprovalRequest is returned by the executor instead of a result when a
// statement needs the user's consent.
type ApprovalRequest struct {
	SQL    string
	Reason string
}

// Outcome is the result of one executor call. Exactly one field is set.
type Outcome struct {
	Result   any
	Approval *ApprovalRequest
}
