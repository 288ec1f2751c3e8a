package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tasktalk/internal/app"
	"tasktalk/internal/domain"
	"tasktalk/internal/repo"
	tasktalksdk "tasktalk/sdk/go"
)

type chatTurn struct {
	Response  string        `json:"response"`
	SessionID string        `json:"session_id"`
	Success   bool          `json:"success"`
	Tasks     []domain.Task `json:"tasks"`
	Timestamp time.Time     `json:"timestamp"`
}

// talker sends chat messages either through a local workspace or a running server.
type talker interface {
	Send(ctx context.Context, message, sessionID string) (chatTurn, error)
	History(ctx context.Context, sessionID string) ([]domain.Message, error)
}

type localTalker struct{ app *app.App }

func (l localTalker) Send(ctx context.Context, message, sessionID string) (chatTurn, error) {
	res := l.app.Chat.ProcessMessage(repo.WithSource(ctx, "chat"), message, sessionID)
	return chatTurn{Response: res.Reply, SessionID: res.SessionID, Success: res.Success, Tasks: res.Tasks, Timestamp: res.Timestamp}, nil
}

func (l localTalker) History(ctx context.Context, sessionID string) ([]domain.Message, error) {
	if _, err := l.app.Repo.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return l.app.Chat.History(ctx, sessionID)
}

type remoteTalker struct{ client *tasktalksdk.Client }

func (r remoteTalker) Send(ctx context.Context, message, sessionID string) (chatTurn, error) {
	reply, err := r.client.SendMessage(ctx, message, sessionID)
	if err != nil {
		return chatTurn{}, err
	}
	turn := chatTurn{Response: reply.Response, SessionID: reply.SessionID, Success: reply.Success, Timestamp: reply.Timestamp}
	for _, t := range reply.Tasks {
		turn.Tasks = append(turn.Tasks, fromSDKTask(t))
	}
	return turn, nil
}

func (r remoteTalker) History(ctx context.Context, sessionID string) ([]domain.Message, error) {
	items, err := r.client.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(items))
	for _, m := range items {
		out = append(out, domain.Message{SessionID: sessionID, Role: domain.Role(m.Role), Content: m.Content, Timestamp: m.Timestamp})
	}
	return out, nil
}

func fromSDKTask(t tasktalksdk.Task) domain.Task {
	return domain.Task{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      domain.Status(t.Status),
		Priority:    domain.Priority(t.Priority),
		DueDate:     t.DueDate,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func withTalker(ctx context.Context, remote string, fn func(context.Context, talker) error) error {
	if remote != "" {
		return fn(ctx, remoteTalker{client: tasktalksdk.New(remote)})
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		a.WarnMissingKey()
		return fn(ctx, localTalker{app: a})
	})
}

func chatCmd() *cobra.Command {
	var sessionID, remote string
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the task assistant",
		Long:  "With a message, sends it once and prints the reply. Without one, starts an interactive session; type exit to leave.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTalker(cmd.Context(), remote, func(ctx context.Context, t talker) error {
				if len(args) > 0 {
					turn, err := t.Send(ctx, strings.Join(args, " "), sessionID)
					if err != nil {
						return err
					}
					if err := printTurn(os.Stdout, turn); err != nil {
						return err
					}
					if !turn.Success {
						return fmt.Errorf("chat request failed")
					}
					return nil
				}
				return interactive(ctx, t, os.Stdin, os.Stdout, sessionID)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "continue an existing session")
	cmd.Flags().StringVar(&remote, "remote", "", "server URL, e.g. http://127.0.0.1:8000 (default: local workspace)")
	return cmd
}

func interactive(ctx context.Context, t talker, in io.Reader, out io.Writer, sessionID string) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	fmt.Fprintln(out, "Chatting about your tasks. Type exit to leave.")
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		turn, err := t.Send(ctx, line, sessionID)
		if err != nil {
			return err
		}
		if turn.SessionID != "" && turn.SessionID != sessionID {
			sessionID = turn.SessionID
			fmt.Fprintf(out, "(session %s)\n", sessionID)
		}
		fmt.Fprintf(out, "assistant> %s\n", turn.Response)
		if len(turn.Tasks) > 0 && !viper.GetBool("json") {
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Due"})
			for _, task := range turn.Tasks {
				tw.AppendRow(taskRow(task))
			}
			tw.Render()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func printTurn(out io.Writer, turn chatTurn) error {
	if viper.GetBool("json") {
		return printJSON(turn)
	}
	fmt.Fprintln(out, turn.Response)
	if len(turn.Tasks) > 0 {
		renderTasks(turn.Tasks)
	}
	if turn.SessionID != "" {
		fmt.Fprintf(os.Stderr, "session: %s\n", turn.SessionID)
	}
	return nil
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Chat sessions",
	}
	s.AddCommand(sessionHistoryCmd())
	return s
}

func sessionHistoryCmd() *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show the messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTalker(cmd.Context(), remote, func(ctx context.Context, t talker) error {
				items, err := t.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Role", "Content"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.Timestamp.Local().Format("2006-01-02 15:04:05"), m.Role, m.Content})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "server URL (default: local workspace)")
	return cmd
}
