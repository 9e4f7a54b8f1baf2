package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned by Start when no model credential is available.
	ErrNotConfigured = errors.New("agent model is not configured")
	// ErrSessionNotFound is returned for unknown or evicted session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoPendingApproval is returned when approving or declining a session
	// that is not waiting for approval.
	ErrNoPendingApproval = errors.New("session has no pending approval")
	// ErrNoWidgets is returned by save_dashboard when nothing has been buffered.
	ErrNoWidgets = errors.New("no widgets to save; create widgets before saving the dashboard")
	// ErrUnknownTool is returned for tool names outside the catalog.
	ErrUnknownTool = errors.New("unknown tool")

	errSessionStopped = errors.New("session stopped")
)

// ValidationError reports malformed tool arguments. The step fails, the session continues.
type ValidationError struct {
	Tool    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: invalid arguments: %s", e.Tool, e.Message)
	}
	return fmt.Sprintf("%s: invalid argument %q: %s", e.Tool, e.Field, e.Message)
}

// ExecutionError reports a database failure while running a tool.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: query failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
