package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"tasktalk/internal/domain"
	"tasktalk/internal/engine"
	"tasktalk/internal/oracle"
)

const (
	DefaultMaxRounds = 8
	Acknowledgement  = "I processed your request."
)

// Executor runs a resolved intent. engine.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, intent engine.Intent) engine.Outcome
}

// Dispatcher drives the oracle through tool calls until it produces a final reply.
type Dispatcher struct {
	Oracle    oracle.Oracle
	Engine    Executor
	MaxRounds int
	Logger    *slog.Logger
}

type Result struct {
	Reply string
	// Tasks is gathered from tool results on a best-effort basis for display
	// hints. It is not the authoritative state of the store.
	Tasks []domain.Task
	// Turns are the assistant and tool turns produced during the run.
	Turns  []oracle.Turn
	Rounds int
	// Exhausted is set when MaxRounds was reached before a final reply.
	Exhausted bool
}

func (d Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Dispatcher) maxRounds() int {
	if d.MaxRounds > 0 {
		return d.MaxRounds
	}
	return DefaultMaxRounds
}

// Run answers message given the prior conversation. history must not contain
// the system policy or the current message.
func (d Dispatcher) Run(ctx context.Context, history []oracle.Turn, message string) (Result, error) {
	log := d.logger()
	conv := make([]oracle.Turn, 0, len(history)+2)
	conv = append(conv, oracle.System(Policy))
	conv = append(conv, history...)
	conv = append(conv, oracle.User(message))

	tools := Tools()
	var (
		res      Result
		final    *oracle.Turn
		failures []string
	)
	for res.Rounds < d.maxRounds() {
		turn, err := d.Oracle.Complete(ctx, conv, tools)
		res.Rounds++
		if err != nil {
			return res, fmt.Errorf("oracle round %d: %w", res.Rounds, err)
		}
		turn.Role = oracle.RoleAssistant
		log.Debug("oracle turn", "round", res.Rounds, "tool_calls", len(turn.ToolCalls), "text", truncate(turn.Text(), 200))
		conv = append(conv, turn)
		res.Turns = append(res.Turns, turn)
		if len(turn.ToolCalls) == 0 {
			final = &turn
			break
		}
		for _, call := range turn.ToolCalls {
			out := d.invoke(ctx, call)
			data, err := json.Marshal(out)
			if err != nil {
				return res, fmt.Errorf("encode %s outcome: %w", call.Name, err)
			}
			log.Info("tool outcome", "tool", call.Name, "success", out.Success, "message", firstLine(out.Message))
			if !out.Success {
				failures = append(failures, out.Message)
			}
			toolTurn := oracle.ToolResult(call, string(data))
			conv = append(conv, toolTurn)
			res.Turns = append(res.Turns, toolTurn)
		}
	}

	if final != nil {
		res.Reply = final.Text()
	} else {
		res.Exhausted = true
		res.Reply = partialReply(res.Turns, res.Rounds)
		log.Warn("tool loop exhausted", "rounds", res.Rounds)
	}
	if strings.TrimSpace(res.Reply) == "" {
		res.Reply = Acknowledgement
	}
	res.Reply = withFailures(res.Reply, failures)
	res.Tasks = ExtractTasks(res.Turns)
	return res, nil
}

func (d Dispatcher) invoke(ctx context.Context, call oracle.ToolCall) engine.Outcome {
	d.logger().Info("tool call", "tool", call.Name, "args", call.Arguments)
	op, ok := toolOps[call.Name]
	if !ok {
		return engine.Outcome{Message: fmt.Sprintf("Unknown tool '%s'. Available tools: %s", call.Name, strings.Join(toolNames(), ", "))}
	}
	intent, err := engine.DecodeIntent(op, []byte(call.Arguments))
	if err != nil {
		return engine.Outcome{Message: fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err)}
	}
	return d.Engine.Execute(ctx, intent)
}

// withFailures appends every failed outcome message the reply does not already
// quote in full, so fault detail always reaches the user.
func withFailures(reply string, failures []string) string {
	seen := map[string]bool{}
	for _, msg := range failures {
		if seen[msg] || strings.Contains(reply, msg) {
			continue
		}
		seen[msg] = true
		reply = strings.TrimRight(reply, "\n") + "\n\n" + msg
	}
	return reply
}

func partialReply(turns []oracle.Turn, rounds int) string {
	var last string
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == oracle.RoleAssistant && strings.TrimSpace(turns[i].Text()) != "" {
			last = turns[i].Text()
			break
		}
	}
	notice := fmt.Sprintf("I stopped after %d rounds of task operations without finishing.", rounds)
	var done []string
	for _, t := range turns {
		if t.Role != oracle.RoleTool {
			continue
		}
		if msg := gjson.Get(t.Content, "message"); msg.Exists() && gjson.Get(t.Content, "success").Bool() {
			done = append(done, "- "+msg.String())
		}
	}
	parts := []string{}
	if last != "" {
		parts = append(parts, last)
	}
	parts = append(parts, notice)
	if len(done) > 0 {
		parts = append(parts, "Completed so far:\n"+strings.Join(done, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// ExtractTasks collects task payloads from tool turns: a single "task" is
// appended, a "tasks" list is extended. Unparseable content is skipped.
func ExtractTasks(turns []oracle.Turn) []domain.Task {
	tasks := []domain.Task{}
	for _, t := range turns {
		if t.Role != oracle.RoleTool || !gjson.Valid(t.Content) {
			continue
		}
		doc := gjson.Parse(t.Content)
		if single := doc.Get("task"); single.IsObject() {
			var task domain.Task
			if err := json.Unmarshal([]byte(single.Raw), &task); err == nil {
				tasks = append(tasks, task)
			}
			continue
		}
		doc.Get("tasks").ForEach(func(_, item gjson.Result) bool {
			var task domain.Task
			if item.IsObject() && json.Unmarshal([]byte(item.Raw), &task) == nil {
				tasks = append(tasks, task)
			}
			return true
		})
	}
	return tasks
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
