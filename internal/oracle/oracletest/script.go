// Package oracletest provides a scripted oracle for tests.
package oracletest

import (
	"context"
	"fmt"
	"sync"

	"tasktalk/internal/oracle"
)

// Step produces the next assistant turn from the conversation seen so far.
type Step func(turns []oracle.Turn) (oracle.Turn, error)

// Script replays steps in order and records every conversation it was shown.
type Script struct {
	mu    sync.Mutex
	steps []Step
	Seen  [][]oracle.Turn
}

func New(steps ...Step) *Script {
	return &Script{steps: steps}
}

func (s *Script) Complete(ctx context.Context, turns []oracle.Turn, tools []oracle.ToolSpec) (oracle.Turn, error) {
	if err := ctx.Err(); err != nil {
		return oracle.Turn{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Seen = append(s.Seen, append([]oracle.Turn(nil), turns...))
	if len(s.steps) == 0 {
		return oracle.Turn{}, fmt.Errorf("script exhausted after %d calls", len(s.Seen)-1)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step(turns)
}

// Calls returns how many round trips were made.
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Seen)
}

// Reply answers with plain text.
func Reply(text string) Step {
	return func([]oracle.Turn) (oracle.Turn, error) {
		return oracle.Assistant(text), nil
	}
}

// Call requests a single tool invocation with raw JSON arguments.
func Call(name, args string) Step {
	return Calls(oracle.ToolCall{Name: name, Arguments: args})
}

// Calls requests several tool invocations in one turn. Missing IDs are filled in.
func Calls(calls ...oracle.ToolCall) Step {
	return func(turns []oracle.Turn) (oracle.Turn, error) {
		out := make([]oracle.ToolCall, len(calls))
		for i, c := range calls {
			if c.ID == "" {
				c.ID = fmt.Sprintf("call_%d_%d", len(turns), i)
			}
			out[i] = c
		}
		return oracle.Turn{Role: oracle.RoleAssistant, ToolCalls: out}, nil
	}
}

// EchoLastTool replies with the content of the most recent tool turn.
func EchoLastTool(prefix string) Step {
	return func(turns []oracle.Turn) (oracle.Turn, error) {
		for i := len(turns) - 1; i >= 0; i-- {
			if turns[i].Role == oracle.RoleTool {
				return oracle.Assistant(prefix + turns[i].Content), nil
			}
		}
		return oracle.Assistant(prefix), nil
	}
}

// Fail returns err from the round trip.
func Fail(err error) Step {
	return func([]oracle.Turn) (oracle.Turn, error) {
		return oracle.Turn{}, err
	}
}
