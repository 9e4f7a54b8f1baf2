package agent

import (
	"context"
	"encoding/json"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/dbpilot/internal/dbadapter"
	"github.com/ashureev/dbpilot/internal/domain"
)

// fakeDB records every statement it is asked to run. When block is set each
// call announces itself on entered and waits for block to close.
type fakeDB struct {
	mu      sync.Mutex
	queries []string
	rows    []map[string]any
	err     error
	panic   bool

	entered chan string
	block   chan struct{}
}

func (f *fakeDB) QueryMultiple(ctx context.Context, _ domain.Connection, sqlText string, _ dbadapter.QueryOptions) (*dbadapter.MultiResult, error) {
	f.mu.Lock()
	if f.panic {
		f.mu.Unlock()
		panic("driver exploded")
	}
	f.queries = append(f.queries, sqlText)
	rows, err, entered, block := f.rows, f.err, f.entered, f.block
	f.mu.Unlock()

	if block != nil {
		if entered != nil {
			entered <- sqlText
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{{"n": int64(1)}}
	}
	return &dbadapter.MultiResult{
		Results: []dbadapter.QueryResult{{
			Rows:     rows,
			Fields:   []dbadapter.Field{{Name: "n"}},
			RowCount: len(rows),
		}},
		TotalDurationMs: 3,
	}, nil
}

func (f *fakeDB) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// scriptedRunner plays a fixed list of tool calls and then finishes with text.
type scriptedRunner struct {
	calls []ToolCall
	final string

	mu      sync.Mutex
	replies []ToolReply
}

func (s *scriptedRunner) Run(ctx context.Context, _ ModelRequest, call ToolCaller) iter.Seq2[ModelEvent, error] {
	return func(yield func(ModelEvent, error) bool) {
		for _, tc := range s.calls {
			if ctx.Err() != nil {
				yield(ModelEvent{}, ctx.Err())
				return
			}
			tc := tc
			if !yield(ModelEvent{Type: ModelToolCall, ToolCall: &tc}, nil) {
				return
			}
			reply := call(ctx, tc)
			s.mu.Lock()
			s.replies = append(s.replies, reply)
			s.mu.Unlock()
			if !yield(ModelEvent{Type: ModelToolResult, Reply: &reply}, nil) {
				return
			}
			if reply.Stop {
				return
			}
		}
		if s.final != "" {
			if !yield(ModelEvent{Type: ModelTextDelta, Text: s.final}, nil) {
				return
			}
		}
		yield(ModelEvent{Type: ModelFinish, Text: s.final}, nil)
	}
}

func (s *scriptedRunner) reply(i int) ToolReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.replies) {
		return ToolReply{}
	}
	return s.replies[i]
}

func call(id, name string, args any) ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return ToolCall{ID: id, Name: name, Args: raw}
}

// nextEvent waits for an event matching want on sub.
func nextEvent(t *testing.T, sub *Subscription, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func testConnection() domain.Connection {
	return domain.Connection{ID: "c1", Name: "shop", Dialect: domain.DialectPostgres, DSN: "postgres://secret"}
}
