// Package oracle defines the conversation shape exchanged with a language model
// that can request tool invocations, plus an OpenAI-compatible client.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a request from the model to run a named tool. Arguments is the raw JSON object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Part is one fragment of a multi-part turn. Fragments without Text are rendered from Data.
type Part struct {
	Text string `json:"text,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Turn is one entry of the conversation. Assistant turns may carry tool calls;
// tool turns answer the call named by ToolCallID.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Parts      []Part     `json:"parts,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`

	// Native holds the provider's own rendition of the turn so it can be
	// replayed without loss on the next round trip.
	Native any `json:"-"`
}

// Text flattens the turn to plain text. A single text block is returned
// verbatim; parts are concatenated in order.
func (t Turn) Text() string {
	if len(t.Parts) == 0 {
		return t.Content
	}
	var out string
	for _, p := range t.Parts {
		switch {
		case p.Text != "":
			out += p.Text
		case p.Data == nil:
		default:
			if s, ok := p.Data.(string); ok {
				out += s
				continue
			}
			if b, err := json.Marshal(p.Data); err == nil {
				out += string(b)
			} else {
				out += fmt.Sprint(p.Data)
			}
		}
	}
	return out
}

// ToolSpec describes a tool the model may call. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Oracle performs one model round trip: given the conversation so far and the
// tool catalogue, it returns the next assistant turn.
type Oracle interface {
	Complete(ctx context.Context, turns []Turn, tools []ToolSpec) (Turn, error)
}

func System(content string) Turn    { return Turn{Role: RoleSystem, Content: content} }
func User(content string) Turn      { return Turn{Role: RoleUser, Content: content} }
func Assistant(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }

func ToolResult(call ToolCall, content string) Turn {
	return Turn{Role: RoleTool, Content: content, ToolCallID: call.ID, Name: call.Name}
}
