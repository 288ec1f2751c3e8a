package chat_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasktalk/internal/agent"
	"tasktalk/internal/chat"
	"tasktalk/internal/db"
	"tasktalk/internal/domain"
	"tasktalk/internal/engine"
	"tasktalk/internal/migrate"
	"tasktalk/internal/oracle"
	"tasktalk/internal/oracle/oracletest"
	"tasktalk/internal/repo"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type testEnv struct {
	Repo   repo.Repo
	Script *oracletest.Script
	Chat   chat.Service
	Ctx    context.Context
}

func newTestEnv(t *testing.T, steps ...oracletest.Step) *testEnv {
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
		Now:    func() time.Time { return time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	return &testEnv{Repo: r, Script: script, Chat: svc, Ctx: context.Background()}
}

func TestSessionContinuity(t *testing.T) {
	env := newTestEnv(t, oracletest.Reply("first answer"), oracletest.Reply("second answer"))

	first := env.Chat.ProcessMessage(env.Ctx, "first question", "")
	require.True(t, first.Success, first.Reply)
	require.NotEmpty(t, first.SessionID)
	assert.Equal(t, "first answer", first.Reply)
	assert.Equal(t, time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC), first.Timestamp)

	second := env.Chat.ProcessMessage(env.Ctx, "second question", first.SessionID)
	require.True(t, second.Success, second.Reply)
	assert.Equal(t, first.SessionID, second.SessionID)

	seen := env.Script.Seen[1]
	require.Len(t, seen, 4)
	assert.Equal(t, oracle.RoleSystem, seen[0].Role)
	assert.Equal(t, oracle.User("first question"), seen[1])
	assert.Equal(t, oracle.Assistant("first answer"), seen[2])
	assert.Equal(t, oracle.User("second question"), seen[3])

	history, err := env.Chat.History(env.Ctx, first.SessionID)
	require.NoError(t, err)
	var got []string
	for _, m := range history {
		got = append(got, string(m.Role)+":"+m.Content)
	}
	assert.Equal(t, []string{"user:first question", "assistant:first answer", "user:second question", "assistant:second answer"}, got)
}

func TestUnknownSessionIDStartsFreshSession(t *testing.T) {
	env := newTestEnv(t, oracletest.Reply("hi"))
	res := env.Chat.ProcessMessage(env.Ctx, "hello", "definitely-not-a-uuid")
	require.True(t, res.Success)
	assert.NotEqual(t, "definitely-not-a-uuid", res.SessionID)
	require.Len(t, env.Script.Seen[0], 2)
}

func TestGroceriesScenario(t *testing.T) {
	env := newTestEnv(t,
		oracletest.Call("create_task", `{"title":"buy groceries","due_date":"2025-12-01","priority":"high"}`),
		oracletest.Reply("Added 'buy groceries', due December 1st, high priority."),
		oracletest.Call("update_task", `{"title_match":"buy groceries","status":"done"}`),
		oracletest.Reply("Marked 'buy groceries' as done."),
	)
	created := env.Chat.ProcessMessage(env.Ctx, "create a task to buy groceries due 2025-12-01, high priority", "")
	require.True(t, created.Success, created.Reply)
	require.Len(t, created.Tasks, 1)
	task := created.Tasks[0]
	assert.Contains(t, task.Title, "buy groceries")
	assert.Equal(t, domain.PriorityHigh, task.Priority)
	assert.Equal(t, domain.StatusTodo, task.Status)
	assert.Equal(t, "2025-12-01", task.DueDate.Format("2006-01-02"))

	done := env.Chat.ProcessMessage(env.Ctx, "mark buy groceries as done", created.SessionID)
	require.True(t, done.Success, done.Reply)
	require.Len(t, done.Tasks, 1)

	stored, err := env.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, stored.Status)
	assert.Equal(t, task.Title, stored.Title)
	assert.Equal(t, domain.PriorityHigh, stored.Priority)
	assert.True(t, task.DueDate.Equal(*stored.DueDate))
	assert.Equal(t, task.Description, stored.Description)
}

func TestDeleteUnknownTaskScenario(t *testing.T) {
	env := newTestEnv(t,
		oracletest.Call("delete_task", `{"title_match":"foo"}`),
		oracletest.Reply("I couldn't find a task called foo."),
	)
	for _, title := range []string{"buy groceries", "call mom"} {
		_, err := env.Repo.CreateTask(env.Ctx, domain.TaskSpec{Title: title})
		require.NoError(t, err)
	}
	res := env.Chat.ProcessMessage(env.Ctx, "delete the foo task", "")
	assert.True(t, res.Success)
	assert.Contains(t, res.Reply, "foo")
	assert.Contains(t, res.Reply, "Available tasks: buy groceries, call mom")
	assert.Contains(t, res.Reply, "Searched for: 'foo'")

	tasks, err := env.Repo.ListTasks(env.Ctx, repo.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestOracleFailureReturnsTraceback(t *testing.T) {
	env := newTestEnv(t, oracletest.Fail(errors.New("model unavailable")))
	res := env.Chat.ProcessMessage(env.Ctx, "hello", "")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.SessionID)
	assert.True(t, strings.HasPrefix(res.Reply, "I encountered an error: oracle round 1: model unavailable\n\nTraceback:\n"), res.Reply)
	assert.Contains(t, res.Reply, "goroutine")
	assert.NotNil(t, res.Tasks)

	// the user turn was stored, no assistant turn was
	history, err := env.Chat.History(env.Ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.RoleUser, history[0].Role)
}

func TestSessionFailureLeavesSessionEmpty(t *testing.T) {
	svc := chat.Service{Store: brokenStore{}, Agent: panicAgent{}, Logger: quiet}
	res := svc.ProcessMessage(context.Background(), "hello", "")
	assert.False(t, res.Success)
	assert.Empty(t, res.SessionID)
	assert.Contains(t, res.Reply, "I encountered an error: resolve session: database is locked")
}

func TestPanicIsRecovered(t *testing.T) {
	env := newTestEnv(t)
	env.Chat.Agent = panicAgent{}
	res := env.Chat.ProcessMessage(env.Ctx, "hello", "")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.SessionID)
	assert.Contains(t, res.Reply, "I encountered an error: panic: dispatcher blew up")
	assert.Contains(t, res.Reply, "Traceback:\n")
}

type brokenStore struct{}

func (brokenStore) GetOrCreateSession(ctx context.Context, id string) (domain.Session, error) {
	return domain.Session{}, errors.New("database is locked")
}

func (brokenStore) AppendMessage(ctx context.Context, sessionID string, role domain.Role, content string) (domain.Message, error) {
	return domain.Message{}, errors.New("unreachable")
}

func (brokenStore) LoadHistory(ctx context.Context, sessionID string) ([]domain.Message, error) {
	return nil, errors.New("unreachable")
}

type panicAgent struct{}

func (panicAgent) Run(ctx context.Context, history []oracle.Turn, message string) (agent.Result, error) {
	panic("dispatcher blew up")
}
