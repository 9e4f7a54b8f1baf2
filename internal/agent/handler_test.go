package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/dbpilot/internal/domain"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

type fakeConnections map[string]*domain.Connection

func (f fakeConnections) GetConnection(_ context.Context, id string) (*domain.Connection, error) {
	return f[id], nil
}

type fakeIntrospector struct {
	calls int
	err   error
}

func (f *fakeIntrospector) Introspect(_ context.Context, _ domain.Connection) (domain.SchemaSnapshot, error) {
	f.calls++
	return testSchema(), f.err
}

func newTestRouter(t *testing.T, runner ModelRunner) (*chi.Mux, *testService, *fakeIntrospector) {
	t.Helper()
	ts := newTestService(t, runner, Options{})
	schemas := &fakeIntrospector{}
	conns := fakeConnections{"c1": {ID: "c1", Name: "shop", Dialect: domain.DialectSQLite}}
	r := chi.NewRouter()
	NewHandler(ts.svc, conns, schemas, nil).RegisterRoutes(r)
	return r, ts, schemas
}

func postJSON(h http.Handler, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, &buf))
	return w
}

func TestHandleStart(t *testing.T) {
	r, ts, schemas := newTestRouter(t, &scriptedRunner{final: "hi"})

	w := postJSON(r, "/api/agent/sessions", map[string]string{"connectionId": "c1", "prompt": "hello"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp["sessionId"] == "" {
		t.Fatalf("response = %s", w.Body.String())
	}
	if schemas.calls != 1 {
		t.Errorf("introspect calls = %d, want 1", schemas.calls)
	}
	ts.wait(t, resp["sessionId"])

	get := httptest.NewRecorder()
	r.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/api/agent/sessions/"+resp["sessionId"], nil))
	var session domain.AgentSession
	if err := json.Unmarshal(get.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.Status != domain.SessionCompleted || session.ConnectionID != "c1" {
		t.Errorf("session = %+v", session)
	}
}

func TestHandleStart_Errors(t *testing.T) {
	r, _, _ := newTestRouter(t, &scriptedRunner{})

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing connection id", map[string]string{"prompt": "x"}, http.StatusBadRequest},
		{"unknown connection", map[string]string{"connectionId": "zz", "prompt": "x"}, http.StatusNotFound},
		{"empty prompt", map[string]string{"connectionId": "c1", "prompt": " "}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := postJSON(r, "/api/agent/sessions", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestHandleStart_NotConfigured(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	w := postJSON(r, "/api/agent/sessions", map[string]string{"connectionId": "c1", "prompt": "x"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestHandleStart_IntrospectionFailureStillStarts(t *testing.T) {
	r, ts, schemas := newTestRouter(t, &scriptedRunner{final: "ok"})
	schemas.err = errors.New("locked")

	w := postJSON(r, "/api/agent/sessions", map[string]string{"connectionId": "c1", "prompt": "x"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	ts.wait(t, resp["sessionId"])
}

func TestHandleResolveAndCancel(t *testing.T) {
	r, ts, _ := newTestRouter(t, &scriptedRunner{final: "ok"})

	if w := postJSON(r, "/api/agent/sessions/nope/approve", nil); w.Code != http.StatusNotFound {
		t.Errorf("approve unknown = %d", w.Code)
	}

	id := ts.start(t, "hi")
	ts.wait(t, id)
	if w := postJSON(r, "/api/agent/sessions/"+id+"/decline", nil); w.Code != http.StatusConflict {
		t.Errorf("decline without pending approval = %d, want 409", w.Code)
	}
	w := postJSON(r, "/api/agent/sessions/"+id+"/cancel", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"cancelled":false`) {
		t.Errorf("cancel finished session = %d %s", w.Code, w.Body.String())
	}
}

func TestHandleStream(t *testing.T) {
	r, ts, _ := newTestRouter(t, mutationRunner())
	srv := httptest.NewServer(r)
	defer srv.Close()

	id := ts.start(t, "delete")
	nextEvent(t, ts.sub, EventRequiresApproval)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/agent/stream?session_id="+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var events []string
	declined := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "event: ") {
			continue
		}
		name := strings.TrimPrefix(line, "event: ")
		events = append(events, name)
		if name == "snapshot" && !declined {
			declined = true
			if _, err := ts.svc.Decline(id); err != nil {
				t.Fatalf("Decline: %v", err)
			}
		}
		if name == string(EventComplete) {
			break
		}
	}
	if len(events) == 0 || events[0] != "snapshot" {
		t.Fatalf("events = %v, want snapshot first", events)
	}
	if events[len(events)-1] != string(EventComplete) {
		t.Errorf("stream ended without completion: %v", events)
	}
}

func TestHandleStream_UnknownSession(t *testing.T) {
	r, _, _ := newTestRouter(t, &scriptedRunner{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/agent/stream?session_id=nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleWebSocket(t *testing.T) {
	r, ts, _ := newTestRouter(t, mutationRunner())
	srv := httptest.NewServer(r)
	defer srv.Close()

	id := ts.start(t, "delete")
	nextEvent(t, ts.sub, EventRequiresApproval)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/agent", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() wsServerMessage {
		t.Helper()
		var msg wsServerMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if err := wsjson.Write(ctx, conn, wsClientMessage{Type: "subscribe", SessionID: id}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := read(); msg.Type != "snapshot" || msg.SessionID != id {
		t.Fatalf("first message = %+v", msg)
	}

	if err := wsjson.Write(ctx, conn, wsClientMessage{Type: "approve", SessionID: id}); err != nil {
		t.Fatalf("write: %v", err)
	}
	sawAck, sawComplete := false, false
	for !sawAck || !sawComplete {
		msg := read()
		switch {
		case msg.Type == "ack":
			sawAck = msg.Result != nil && *msg.Result
		case msg.Type == "event" && msg.Event != nil && msg.Event.Type == EventComplete:
			sawComplete = true
		}
	}
	if n := len(ts.db.calls()); n != 1 {
		t.Errorf("database calls = %d, want 1", n)
	}
}
