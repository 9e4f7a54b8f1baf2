package agent

import (
	"context"
	"iter"

	"github.com/ashureev/dbpilot/internal/dbadapter"
	"github.com/ashureev/dbpilot/internal/domain"
)

// ToolCaller runs a tool on behalf of a ModelRunner. It blocks for as long
// as the call needs, including while a mutation waits for approval.
type ToolCaller func(ctx context.Context, call ToolCall) ToolReply

// ModelRunner drives a tool-calling conversation.
type ModelRunner interface {
	// Run streams the conversation. Every tool call is passed to call
	// synchronously before the runner continues. A yielded error ends the run.
	Run(ctx context.Context, req ModelRequest, call ToolCaller) iter.Seq2[ModelEvent, error]
}

// QueryExecutor runs SQL against a registered connection.
type QueryExecutor interface {
	QueryMultiple(ctx context.Context, conn domain.Connection, sqlText string, opts dbadapter.QueryOptions) (*dbadapter.MultiResult, error)
}

// Ensure the adapter satisfies QueryExecutor.
var _ QueryExecutor = (*dbadapter.Adapter)(nil)
