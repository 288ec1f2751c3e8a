// Package chat ties the dispatcher to persisted conversation sessions.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"tasktalk/internal/agent"
	"tasktalk/internal/domain"
	"tasktalk/internal/oracle"
)

type ConversationStore interface {
	GetOrCreateSession(ctx context.Context, id string) (domain.Session, error)
	AppendMessage(ctx context.Context, sessionID string, role domain.Role, content string) (domain.Message, error)
	LoadHistory(ctx context.Context, sessionID string) ([]domain.Message, error)
}

type Dispatcher interface {
	Run(ctx context.Context, history []oracle.Turn, message string) (agent.Result, error)
}

type Service struct {
	Store  ConversationStore
	Agent  Dispatcher
	Logger *slog.Logger
	Now    func() time.Time
}

// Result is what transports send back for one message. SessionID is empty only
// when the failure happened before a session was resolved.
type Result struct {
	Success   bool          `json:"success"`
	Reply     string        `json:"response"`
	SessionID string        `json:"session_id,omitempty"`
	Tasks     []domain.Task `json:"tasks"`
	Timestamp time.Time     `json:"timestamp"`
	Exhausted bool          `json:"exhausted,omitempty"`
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ProcessMessage runs one user message through the dispatcher and records both
// sides of the exchange. It always returns a well-formed Result; errors and
// panics are reported in Reply with a stack trace.
func (s Service) ProcessMessage(ctx context.Context, text, sessionID string) (res Result) {
	var resolved string
	defer func() {
		if rec := recover(); rec != nil {
			res = s.failure(fmt.Errorf("panic: %v", rec), debug.Stack(), resolved)
		}
	}()

	session, err := s.Store.GetOrCreateSession(ctx, sessionID)
	if err != nil {
		return s.failure(fmt.Errorf("resolve session: %w", err), debug.Stack(), "")
	}
	resolved = session.ID

	current, err := s.Store.AppendMessage(ctx, session.ID, domain.RoleUser, text)
	if err != nil {
		return s.failure(fmt.Errorf("store user message: %w", err), debug.Stack(), resolved)
	}
	history, err := s.Store.LoadHistory(ctx, session.ID)
	if err != nil {
		return s.failure(fmt.Errorf("load history: %w", err), debug.Stack(), resolved)
	}
	turns := make([]oracle.Turn, 0, len(history))
	for _, m := range history {
		if m.ID == current.ID {
			continue
		}
		turns = append(turns, toTurn(m))
	}

	out, err := s.Agent.Run(ctx, turns, text)
	if err != nil {
		return s.failure(err, debug.Stack(), resolved)
	}
	if _, err := s.Store.AppendMessage(ctx, session.ID, domain.RoleAssistant, out.Reply); err != nil {
		return s.failure(fmt.Errorf("store assistant message: %w", err), debug.Stack(), resolved)
	}
	s.logger().Info("message processed", "session", session.ID, "rounds", out.Rounds, "tasks", len(out.Tasks), "exhausted", out.Exhausted)
	return Result{
		Success:   true,
		Reply:     out.Reply,
		SessionID: session.ID,
		Tasks:     out.Tasks,
		Timestamp: s.now(),
		Exhausted: out.Exhausted,
	}
}

// History returns the session's messages in timestamp order.
func (s Service) History(ctx context.Context, sessionID string) ([]domain.Message, error) {
	return s.Store.LoadHistory(ctx, sessionID)
}

func (s Service) failure(err error, stack []byte, sessionID string) Result {
	s.logger().Error("process message failed", "session", sessionID, "err", err, "stack", string(stack))
	return Result{
		Reply:     fmt.Sprintf("I encountered an error: %v\n\nTraceback:\n%s", err, stack),
		SessionID: sessionID,
		Tasks:     []domain.Task{},
		Timestamp: s.now(),
	}
}

func toTurn(m domain.Message) oracle.Turn {
	switch m.Role {
	case domain.RoleAssistant:
		return oracle.Assistant(m.Content)
	case domain.RoleSystem:
		return oracle.System(m.Content)
	default:
		return oracle.User(m.Content)
	}
}
