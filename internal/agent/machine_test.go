package agent

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/dbpilot/internal/domain"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func runningSession() domain.AgentSession {
	s, _, _ := Transition(domain.AgentSession{ID: "s1", Steps: []domain.AgentStep{}}, InputStart{At: t0})
	return s
}

func hasEffect[T Effect](effects []Effect) bool {
	for _, e := range effects {
		if _, ok := e.(T); ok {
			return true
		}
	}
	return false
}

func TestTransition_Start(t *testing.T) {
	s, events, effects := Transition(domain.AgentSession{ID: "s1"}, InputStart{At: t0})
	if s.Status != domain.SessionRunning {
		t.Fatalf("status = %q, want running", s.Status)
	}
	if len(events) != 1 || events[0].Type != EventSessionStarted {
		t.Fatalf("events = %+v", events)
	}
	if len(effects) != 0 {
		t.Errorf("unexpected effects %+v", effects)
	}

	again, events, _ := Transition(s, InputStart{At: t0})
	if len(events) != 0 || again.Status != domain.SessionRunning {
		t.Error("second start should be ignored")
	}
}

func TestTransition_ToolCallAndResult(t *testing.T) {
	s := runningSession()
	s, events, _ := Transition(s, InputToolCall{StepID: "a", ToolName: ToolGetSchema, At: t0})
	if len(events) != 1 || events[0].Type != EventToolCall || events[0].Step.Status != domain.StepRunning {
		t.Fatalf("tool call events = %+v", events)
	}

	// A second call while one is active is rejected.
	blocked, events, _ := Transition(s, InputToolCall{StepID: "b", ToolName: ToolGetSchema, At: t0})
	if len(events) != 0 || len(blocked.Steps) != 1 {
		t.Fatalf("concurrent step was accepted: %+v", blocked.Steps)
	}

	s, events, _ = Transition(s, InputToolResult{StepID: "a", Result: "ok", At: t0.Add(time.Second)})
	if len(events) != 1 || events[0].Type != EventToolResult {
		t.Fatalf("result events = %+v", events)
	}
	step := s.Steps[0]
	if step.Status != domain.StepCompleted || step.Result != "ok" || step.CompletedAt == nil {
		t.Errorf("step = %+v", step)
	}

	// Duplicate ids are ignored.
	dup, events, _ := Transition(s, InputToolCall{StepID: "a", ToolName: ToolGetSchema, At: t0})
	if len(events) != 0 || len(dup.Steps) != 1 {
		t.Error("duplicate step id was accepted")
	}
}

func TestTransition_StepStartTimesStrictlyIncrease(t *testing.T) {
	s := runningSession()
	for _, id := range []string{"a", "b", "c"} {
		s, _, _ = Transition(s, InputToolCall{StepID: id, ToolName: ToolGetSchema, At: t0})
		s, _, _ = Transition(s, InputToolResult{StepID: id, At: t0})
	}
	for i := 1; i < len(s.Steps); i++ {
		if !s.Steps[i].StartedAt.After(s.Steps[i-1].StartedAt) {
			t.Errorf("step %d started at %v, not after %v", i, s.Steps[i].StartedAt, s.Steps[i-1].StartedAt)
		}
	}
}

func TestTransition_ToolError(t *testing.T) {
	s := runningSession()
	s, _, _ = Transition(s, InputToolCall{StepID: "a", ToolName: ToolSampleData, At: t0})
	s, _, _ = Transition(s, InputToolResult{StepID: "a", Err: errors.New("bad table"), At: t0})
	if s.Status != domain.SessionRunning {
		t.Errorf("a tool error must not end the session, status = %q", s.Status)
	}
	if s.Steps[0].Status != domain.StepError || s.Steps[0].Error != "bad table" {
		t.Errorf("step = %+v", s.Steps[0])
	}
}

func TestTransition_ApprovalDeclined(t *testing.T) {
	s := runningSession()
	s, _, _ = Transition(s, InputToolCall{StepID: "m", ToolName: ToolExecuteQuery, Args: json.RawMessage(`{"sql":"DELETE FROM t"}`), At: t0})
	s, events, effects := Transition(s, InputRequiresApproval{StepID: "m", SQL: "DELETE FROM t", At: t0})
	if s.Status != domain.SessionWaitingApproval || s.PendingApproval == nil {
		t.Fatalf("session = %+v", s)
	}
	if events[0].Type != EventRequiresApproval || events[0].Approval.SQL != "DELETE FROM t" {
		t.Errorf("event = %+v", events[0])
	}
	if !hasEffect[EffectAwaitApproval](effects) {
		t.Error("missing await approval effect")
	}

	// Resolution for another step is ignored.
	same, events, _ := Transition(s, InputApprovalResolved{StepID: "other", Approved: true, At: t0})
	if len(events) != 0 || same.Status != domain.SessionWaitingApproval {
		t.Error("resolution for the wrong step was applied")
	}

	s, _, _ = Transition(s, InputApprovalResolved{StepID: "m", Approved: false, At: t0})
	if s.Status != domain.SessionRunning || s.PendingApproval != nil {
		t.Fatalf("session after decline = %+v", s)
	}
	res, ok := s.Steps[0].Result.(DeclinedResult)
	if !ok || res.Approved || s.Steps[0].Status != domain.StepCompleted {
		t.Errorf("declined step = %+v", s.Steps[0])
	}
}

func TestTransition_ApprovalGrantedResumesStep(t *testing.T) {
	s := runningSession()
	s, _, _ = Transition(s, InputToolCall{StepID: "m", ToolName: ToolExecuteQuery, Args: json.RawMessage(`{"sql":"DELETE FROM t"}`), At: t0})
	s, _, _ = Transition(s, InputRequiresApproval{StepID: "m", SQL: "DELETE FROM t", At: t0})

	s, events, effects := Transition(s, InputApprovalResolved{StepID: "m", Approved: true, At: t0.Add(time.Second)})
	if s.Status != domain.SessionRunning || s.PendingApproval != nil {
		t.Fatalf("session after approve = %+v", s)
	}
	if s.Steps[0].Status != domain.StepRunning || s.Steps[0].CompletedAt != nil {
		t.Errorf("approved step = %+v", s.Steps[0])
	}
	if len(events) != 1 || events[0].Type != EventApprovalResolved || events[0].Approval.SQL != "DELETE FROM t" {
		t.Errorf("events = %+v", events)
	}
	if len(effects) != 0 {
		t.Errorf("effects = %+v", effects)
	}

	// A second resolution finds no pending approval.
	if _, events, _ := Transition(s, InputApprovalResolved{StepID: "m", Approved: false, At: t0}); len(events) != 0 {
		t.Error("second resolution was applied")
	}

	s, events, _ = Transition(s, InputToolResult{StepID: "m", Result: &QueryToolResult{RowCount: 3}, At: t0.Add(2 * time.Second)})
	if len(events) != 1 || events[0].Type != EventToolResult {
		t.Fatalf("events = %+v", events)
	}
	if s.Steps[0].Status != domain.StepCompleted || s.Status != domain.SessionRunning {
		t.Errorf("session after result = %+v", s)
	}
}

func TestTransition_CancelWhileWaiting(t *testing.T) {
	s := runningSession()
	s, _, _ = Transition(s, InputToolCall{StepID: "m", ToolName: ToolExecuteQuery, At: t0})
	s, _, _ = Transition(s, InputRequiresApproval{StepID: "m", SQL: "DROP TABLE t", At: t0})

	s, events, effects := Transition(s, InputCancel{At: t0.Add(time.Second)})
	if s.Status != domain.SessionCancelled || s.CompletedAt == nil || s.PendingApproval != nil {
		t.Fatalf("session = %+v", s)
	}
	if s.Steps[0].Status != domain.StepError || s.Steps[0].Error != "cancelled" {
		t.Errorf("step = %+v", s.Steps[0])
	}
	if len(events) != 1 || events[0].Type != EventComplete || events[0].Status != domain.SessionCancelled {
		t.Errorf("events = %+v", events)
	}
	for name, ok := range map[string]bool{
		"force decline": hasEffect[EffectForceDecline](effects),
		"stop stream":   hasEffect[EffectStopStream](effects),
		"eviction":      hasEffect[EffectScheduleEviction](effects),
	} {
		if !ok {
			t.Errorf("missing %s effect", name)
		}
	}
}

func TestTransition_TerminalAbsorbsInput(t *testing.T) {
	s := runningSession()
	s, _, _ = Transition(s, InputStreamEnd{FinalText: "done", At: t0})
	if s.Status != domain.SessionCompleted || s.FinalMessage != "done" {
		t.Fatalf("session = %+v", s)
	}

	inputs := []Input{
		InputToolCall{StepID: "x", ToolName: ToolGetSchema, At: t0},
		InputText{Delta: "more", At: t0},
		InputFailure{Err: errors.New("late"), At: t0},
		InputCancel{At: t0},
		InputStreamEnd{At: t0},
	}
	for _, in := range inputs {
		next, events, effects := Transition(s, in)
		if len(events) != 0 || len(effects) != 0 || next.Status != domain.SessionCompleted {
			t.Errorf("%T changed a terminal session", in)
		}
	}
}

func TestTransition_FailureFailsActiveStep(t *testing.T) {
	s := runningSession()
	s, _, _ = Transition(s, InputToolCall{StepID: "a", ToolName: ToolExecuteQuery, At: t0})
	s, events, effects := Transition(s, InputFailure{Err: errors.New("stream reset"), At: t0})
	if s.Status != domain.SessionError || s.Error != "stream reset" {
		t.Fatalf("session = %+v", s)
	}
	if s.Steps[0].Status != domain.StepError {
		t.Errorf("active step not failed: %+v", s.Steps[0])
	}
	if events[0].Error != "stream reset" {
		t.Errorf("complete event error = %q", events[0].Error)
	}
	if !hasEffect[EffectStopStream](effects) {
		t.Error("missing stop stream effect")
	}
}

func TestTransition_DoesNotMutateInput(t *testing.T) {
	s := runningSession()
	s, _, _ = Transition(s, InputToolCall{StepID: "a", ToolName: ToolGetSchema, At: t0})

	before := len(s.Steps)
	status := s.Steps[0].Status
	_, _, _ = Transition(s, InputToolResult{StepID: "a", Result: 1, At: t0})
	_, _, _ = Transition(s, InputCancel{At: t0})

	if len(s.Steps) != before || s.Steps[0].Status != status || s.Status != domain.SessionRunning {
		t.Error("Transition modified its input session")
	}
}

func TestTransition_StreamEndCarriesDashboard(t *testing.T) {
	draft := &domain.DashboardDraft{ID: "d", Name: "n", Widgets: []domain.Widget{{Kind: domain.WidgetKPI}}}
	s, events, _ := Transition(runningSession(), InputStreamEnd{FinalText: "ok", Dashboard: draft, At: t0})
	if s.Dashboard == nil || s.Dashboard.ID != "d" {
		t.Fatalf("dashboard = %+v", s.Dashboard)
	}
	if events[0].Dashboard == nil || len(events[0].Dashboard.Widgets) != 1 {
		t.Errorf("complete event dashboard = %+v", events[0].Dashboard)
	}
	draft.Widgets[0].Title = "changed"
	if s.Dashboard.Widgets[0].Title != "" {
		t.Error("session shares widget storage with the input draft")
	}
}
