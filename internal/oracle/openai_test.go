package oracle_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tasktalk/internal/oracle"
)

type fakeEndpoint struct {
	mu        sync.Mutex
	requests  []string
	responses []string
	status    int
}

func (f *fakeEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, string(body))
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, `{"error":{"message":"upstream exploded","type":"server_error"}}`)
		return
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, resp)
}

const toolCallResponse = `{
  "id": "chatcmpl-1", "object": "chat.completion", "created": 1700000000, "model": "test-model",
  "choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
    "role": "assistant", "content": null,
    "tool_calls": [{"id": "call_1", "type": "function",
      "function": {"name": "create_task", "arguments": "{\"title\":\"buy groceries\",\"priority\":\"high\"}"}}]
  }}]
}`

const textResponse = `{
  "id": "chatcmpl-2", "object": "chat.completion", "created": 1700000001, "model": "test-model",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Created it."}}]
}`

var tools = []oracle.ToolSpec{{
	Name:        "create_task",
	Description: "Create a new task",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"title": map[string]any{"type": "string"}},
		"required":   []string{"title"},
	},
}}

func newClient(t *testing.T, srv *httptest.Server) *oracle.OpenAI {
	t.Helper()
	c, err := oracle.NewOpenAI(oracle.OpenAIOptions{
		BaseURL:     srv.URL + "/v1/",
		APIKey:      "test-key",
		Model:       "test-model",
		Temperature: 0.7,
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestOpenAIToolRoundTrip(t *testing.T) {
	fake := &fakeEndpoint{responses: []string{toolCallResponse, textResponse}}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := newClient(t, srv)
	ctx := context.Background()

	turns := []oracle.Turn{oracle.System("be helpful"), oracle.User("add buy groceries")}
	first, err := client.Complete(ctx, turns, tools)
	require.NoError(t, err)
	assert.Equal(t, oracle.RoleAssistant, first.Role)
	require.Len(t, first.ToolCalls, 1)
	call := first.ToolCalls[0]
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "create_task", call.Name)
	assert.Equal(t, "buy groceries", gjson.Get(call.Arguments, "title").String())

	turns = append(turns, first, oracle.ToolResult(call, `{"success":true,"message":"Task 'buy groceries' created successfully"}`))
	second, err := client.Complete(ctx, turns, tools)
	require.NoError(t, err)
	assert.Empty(t, second.ToolCalls)
	assert.Equal(t, "Created it.", second.Text())

	require.Len(t, fake.requests, 2)
	req := fake.requests[0]
	assert.Equal(t, "test-model", gjson.Get(req, "model").String())
	assert.InDelta(t, 0.7, gjson.Get(req, "temperature").Float(), 1e-9)
	assert.Equal(t, `["system","user"]`, gjson.Get(req, "messages.#.role").Raw)
	assert.Equal(t, "create_task", gjson.Get(req, "tools.0.function.name").String())
	assert.Equal(t, "object", gjson.Get(req, "tools.0.function.parameters.type").String())

	replay := fake.requests[1]
	assert.Equal(t, `["system","user","assistant","tool"]`, gjson.Get(replay, "messages.#.role").Raw)
	assert.Equal(t, "call_1", gjson.Get(replay, "messages.2.tool_calls.0.id").String())
	assert.Equal(t, "call_1", gjson.Get(replay, "messages.3.tool_call_id").String())
}

func TestOpenAIUpstreamError(t *testing.T) {
	fake := &fakeEndpoint{status: http.StatusBadRequest}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := newClient(t, srv)
	_, err := client.Complete(context.Background(), []oracle.Turn{oracle.User("hi")}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat completion")
}

func TestOpenAIRequiresModel(t *testing.T) {
	_, err := oracle.NewOpenAI(oracle.OpenAIOptions{})
	require.Error(t, err)
}

func TestTurnText(t *testing.T) {
	assert.Equal(t, "plain", oracle.Turn{Content: "plain"}.Text())
	mixed := oracle.Turn{Parts: []oracle.Part{
		{Text: "Done. "},
		{Data: map[string]any{"id": 1}},
		{Data: " bye"},
	}}
	assert.Equal(t, `Done. {"id":1} bye`, mixed.Text())
}
