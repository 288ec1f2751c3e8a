package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tasktalk/internal/agent"
	"tasktalk/internal/chat"
	"tasktalk/internal/config"
	"tasktalk/internal/db"
	"tasktalk/internal/domain"
	"tasktalk/internal/engine"
	"tasktalk/internal/migrate"
	"tasktalk/internal/oracle/oracletest"
	"tasktalk/internal/repo"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type testServer struct {
	*httptest.Server
	Repo   repo.Repo
	Hub    *Hub
	Script *oracletest.Script
}

func newTestServer(t *testing.T, steps ...oracletest.Step) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.New(conn)
	script := oracletest.New(steps...)
	svc := chat.Service{
		Store:  r,
		Agent:  agent.Dispatcher{Oracle: script, Engine: engine.New(r), Logger: quiet},
		Logger: quiet,
	}
	hub := NewHub()
	handler, err := New(Config{Repo: r, Chat: svc, Hub: hub, BasePath: "/api", Logger: quiet})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Repo: r, Hub: hub, Script: script}
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(data)
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.URL, "http")+"/api/chat/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestTaskCRUD(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodPost, "/api/tasks", `{"title":"buy groceries","priority":"high","due_date":"2025-12-01"}`)
	require.Equal(t, http.StatusCreated, status, body)
	id := gjson.Get(body, "id").Int()
	require.NotZero(t, id)
	assert.Equal(t, "todo", gjson.Get(body, "status").String())
	assert.Equal(t, "high", gjson.Get(body, "priority").String())
	assert.True(t, strings.HasPrefix(gjson.Get(body, "due_date").String(), "2025-12-01"), body)
	assert.Equal(t, gjson.Null, gjson.Get(body, "description").Type)

	status, body = s.do(t, http.MethodPost, "/api/tasks", `{"title":"call mom","description":"about the weekend"}`)
	require.Equal(t, http.StatusCreated, status, body)

	status, body = s.do(t, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, int64(2), gjson.Get(body, "#").Int())

	status, body = s.do(t, http.MethodGet, "/api/tasks?skip=1&limit=5", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "call mom", gjson.Get(body, "0.title").String())
	assert.Equal(t, int64(1), gjson.Get(body, "#").Int())

	path := fmt.Sprintf("/api/tasks/%d", id)
	status, body = s.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "buy groceries", gjson.Get(body, "title").String())

	status, body = s.do(t, http.MethodPut, path, `{"status":"done"}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "done", gjson.Get(body, "status").String())
	assert.Equal(t, "buy groceries", gjson.Get(body, "title").String())
	assert.Equal(t, "high", gjson.Get(body, "priority").String())

	status, body = s.do(t, http.MethodGet, "/api/tasks/filter?status=done", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, []string{"buy groceries"}, titles(body))

	status, body = s.do(t, http.MethodGet, "/api/tasks/filter?due_before=2025-12-31", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, []string{"buy groceries"}, titles(body))

	status, body = s.do(t, http.MethodGet, "/api/tasks/filter?priority=low", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "[]", strings.TrimSpace(body))

	status, _ = s.do(t, http.MethodDelete, path, "")
	require.Equal(t, http.StatusNoContent, status)

	status, body = s.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusNotFound, status, body)
	assert.Equal(t, "not_found", gjson.Get(body, "error.code").String())
	assert.Equal(t, "Task not found", gjson.Get(body, "error.message").String())

	status, body = s.do(t, http.MethodDelete, path, "")
	require.Equal(t, http.StatusNotFound, status, body)

	status, body = s.do(t, http.MethodPut, path, `{"status":"done"}`)
	require.Equal(t, http.StatusNotFound, status, body)
}

func TestTaskMutationsAreRecordedAsAPIEvents(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, http.MethodPost, "/api/tasks", `{"title":"water plants"}`)
	require.Equal(t, http.StatusCreated, status, body)

	status, body = s.do(t, http.MethodGet, "/api/events?type=task.created", "")
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, int64(1), gjson.Get(body, "#").Int())
	assert.Equal(t, "api", gjson.Get(body, "0.source").String())
	assert.Equal(t, "water plants", gjson.Get(body, "0.payload.title").String())
}

func TestBadRequestsUseErrorEnvelope(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"empty title", http.MethodPost, "/api/tasks", `{"title":""}`},
		{"unknown status", http.MethodPost, "/api/tasks", `{"title":"x","status":"later"}`},
		{"bad due date", http.MethodPost, "/api/tasks", `{"title":"x","due_date":"someday"}`},
		{"bad filter priority", http.MethodGet, "/api/tasks/filter?priority=urgent", ""},
		{"bad filter date", http.MethodGet, "/api/tasks/filter?due_before=soon", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := s.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, status, body)
			assert.Equal(t, "bad_request", gjson.Get(body, "error.code").String(), body)
			assert.NotEmpty(t, gjson.Get(body, "error.message").String())
		})
	}
}

func TestChatMessageAndHistory(t *testing.T) {
	s := newTestServer(t,
		oracletest.Call("create_task", `{"title":"buy groceries","priority":"high"}`),
		oracletest.Reply("Added 'buy groceries' with high priority."),
	)
	status, body := s.do(t, http.MethodPost, "/api/chat/message", `{"message":"add buy groceries, high priority"}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.True(t, gjson.Get(body, "success").Bool(), body)
	assert.Equal(t, "Added 'buy groceries' with high priority.", gjson.Get(body, "response").String())
	assert.Equal(t, "buy groceries", gjson.Get(body, "tasks.0.title").String())
	assert.True(t, gjson.Get(body, "timestamp").Exists())
	sessionID := gjson.Get(body, "session_id").String()
	require.NotEmpty(t, sessionID)

	status, body = s.do(t, http.MethodGet, "/api/chat/sessions/"+sessionID+"/messages", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, []string{"user", "assistant"}, field(body, "role"), body)
	assert.Equal(t, "add buy groceries, high priority", gjson.Get(body, "0.content").String())

	events, err := s.Repo.LatestEvents(context.Background(), 10, "task.created", "", "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "chat", events[0].Source)

	status, body = s.do(t, http.MethodGet, "/api/chat/sessions/00000000-0000-0000-0000-000000000000/messages", "")
	assert.Equal(t, http.StatusNotFound, status, body)
}

func TestChatFailureIsReportedInBody(t *testing.T) {
	s := newTestServer(t, oracletest.Fail(errors.New("model unavailable")))
	status, body := s.do(t, http.MethodPost, "/api/chat/message", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.False(t, gjson.Get(body, "success").Bool())
	assert.Contains(t, gjson.Get(body, "response").String(), "I encountered an error: oracle round 1: model unavailable")
	assert.Contains(t, gjson.Get(body, "response").String(), "Traceback:")
	assert.True(t, gjson.Get(body, "tasks").IsArray())
}

func TestChatSocketRoundTrip(t *testing.T) {
	s := newTestServer(t, oracletest.Reply("Hello! What should we work on?"), oracletest.Reply("Still here."))
	conn := s.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"message": "hi"}))
	var first ChatResponse
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.True(t, first.Success)
	assert.Equal(t, "Hello! What should we work on?", first.Response)
	require.NotEmpty(t, first.SessionID)
	assert.NotNil(t, first.Tasks)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	var bad ChatResponse
	require.NoError(t, wsjson.Read(ctx, conn, &bad))
	assert.False(t, bad.Success)
	assert.True(t, strings.HasPrefix(bad.Response, "Error:"), bad.Response)

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"message": "still there?", "session_id": first.SessionID}))
	var second ChatResponse
	require.NoError(t, wsjson.Read(ctx, conn, &second))
	assert.Equal(t, "Still here.", second.Response)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, s.Script.Calls())

	assert.Equal(t, 1, s.Hub.Count())
	status, body := s.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), gjson.Get(body, "connections").Int())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return s.Hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubCloseAll(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t)
	require.Eventually(t, func() bool { return s.Hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	go s.Hub.CloseAll("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestInfoHealthAndDocs(t *testing.T) {
	s := newTestServer(t)
	_, err := s.Repo.CreateTask(context.Background(), domain.TaskSpec{Title: "one"})
	require.NoError(t, err)

	status, body := s.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "/api/chat/ws", gjson.Get(body, "websocket").String())
	assert.Equal(t, Version, gjson.Get(body, "version").String())

	status, body = s.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "healthy", gjson.Get(body, "status").String())
	assert.Equal(t, int64(1), gjson.Get(body, "task_counts.todo").Int())
	assert.Equal(t, int64(0), gjson.Get(body, "connections").Int())

	status, body = s.do(t, http.MethodGet, "/api/openapi.json", "")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, gjson.Get(body, `paths./api/tasks`).Exists())
	assert.True(t, gjson.Get(body, `paths./api/chat/message.post`).Exists())

	status, body = s.do(t, http.MethodGet, "/docs", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "/api/openapi.json")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, s.URL+"/api/tasks", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
}

func TestEventRelayDeliversWebhooks(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	type delivery struct {
		header http.Header
		body   string
	}
	received := make(chan delivery, 10)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		received <- delivery{header: r.Header.Clone(), body: string(data)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	_, err := s.Repo.CreateTask(ctx, domain.TaskSpec{Title: "before the relay"})
	require.NoError(t, err)

	relay := &EventRelay{
		Repo:     s.Repo,
		Webhooks: []config.WebhookConfig{{URL: hook.URL, Events: []string{"task.created"}, Secret: "s3cret"}},
		Logger:   quiet,
	}
	require.True(t, relay.Active())
	relay.DispatchOnce(ctx)

	created, err := s.Repo.CreateTask(repo.WithSource(ctx, "api"), domain.TaskSpec{Title: "after the relay"})
	require.NoError(t, err)
	done := domain.StatusDone
	_, err = s.Repo.UpdateTask(ctx, created.ID, domain.TaskPatch{Status: &done})
	require.NoError(t, err)
	relay.DispatchOnce(ctx)
	relay.DispatchOnce(ctx)

	require.Len(t, received, 1)
	got := <-received
	assert.Equal(t, "task.created", got.header.Get("X-Tasktalk-Event"))
	assert.Equal(t, "s3cret", got.header.Get("X-Tasktalk-Secret"))
	assert.Equal(t, "after the relay", gjson.Get(got.body, "payload.title").String())
	assert.Equal(t, "api", gjson.Get(got.body, "source").String())
}

func TestEventRelayRetriesFailedDelivery(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	var attempts atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	relay := &EventRelay{Repo: s.Repo, Webhooks: []config.WebhookConfig{{URL: hook.URL}}, Logger: quiet}
	relay.DispatchOnce(ctx)
	_, err := s.Repo.CreateTask(ctx, domain.TaskSpec{Title: "flaky"})
	require.NoError(t, err)

	relay.DispatchOnce(ctx)
	relay.DispatchOnce(ctx)
	relay.DispatchOnce(ctx)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestEventRelayBroadcastsToSockets(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t)
	require.Eventually(t, func() bool { return s.Hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	relay := &EventRelay{Repo: s.Repo, Hub: s.Hub, Logger: quiet}
	relay.DispatchOnce(ctx)
	status, body := s.do(t, http.MethodPost, "/api/tasks", `{"title":"broadcast me"}`)
	require.Equal(t, http.StatusCreated, status, body)
	relay.DispatchOnce(ctx)

	var frame EventFrame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, "event", frame.Type)
	assert.Equal(t, "task.created", frame.Event.Type)
	assert.Equal(t, "broadcast me", frame.Event.Payload["title"])
}

func TestEventRelayInactiveWithoutSinks(t *testing.T) {
	disabled := false
	relay := &EventRelay{Webhooks: []config.WebhookConfig{{URL: "http://example.invalid", Enabled: &disabled}}}
	assert.False(t, relay.Active())
}

func TestAcceptOptions(t *testing.T) {
	assert.True(t, acceptOptions(nil).InsecureSkipVerify)
	assert.True(t, acceptOptions([]string{"*"}).InsecureSkipVerify)
	opts := acceptOptions([]string{"http://localhost:3000", "app.example.com"})
	assert.False(t, opts.InsecureSkipVerify)
	assert.Equal(t, []string{"localhost:3000", "app.example.com"}, opts.OriginPatterns)
}

func TestHandleErrorMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, handleError(fmt.Errorf("get: %w", repo.ErrNotFound)).GetStatus())
	assert.Equal(t, http.StatusBadRequest, handleError(errors.New("title is required")).GetStatus())
	assert.Equal(t, http.StatusBadRequest, handleError(errors.New("title must not be empty")).GetStatus())
	internal := handleError(errors.New("disk I/O error"))
	assert.Equal(t, http.StatusInternalServerError, internal.GetStatus())
	assert.Equal(t, "internal error", internal.Error())
}

func titles(body string) []string {
	return field(body, "title")
}

func field(body, name string) []string {
	var out []string
	for _, v := range gjson.Get(body, "#."+name).Array() {
		out = append(out, v.String())
	}
	return out
}
