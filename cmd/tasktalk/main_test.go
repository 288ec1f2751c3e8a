package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tasktalk/internal/domain"
)

func TestParseRef(t *testing.T) {
	id, title := parseRef(" 42 ")
	require.NotNil(t, id)
	assert.EqualValues(t, 42, *id)
	assert.Nil(t, title)

	for _, ref := range []string{"groceries", "0", "-3", "12 apples"} {
		id, title := parseRef(ref)
		assert.Nil(t, id, ref)
		require.NotNil(t, title, ref)
		assert.Equal(t, strings.TrimSpace(ref), *title)
	}
}

func TestChangedOnlyReturnsSetFlags(t *testing.T) {
	var status, priority string
	cmd := &cobra.Command{Use: "x", RunE: func(*cobra.Command, []string) error { return nil }}
	cmd.Flags().StringVar(&status, "status", "", "")
	cmd.Flags().StringVar(&priority, "priority", "", "")
	require.NoError(t, cmd.ParseFlags([]string{"--status", ""}))

	got := changed(cmd, "status", status)
	require.NotNil(t, got)
	assert.Equal(t, "", *got)
	assert.Nil(t, changed(cmd, "priority", priority))
}

type fakeTalker struct {
	sent     []string
	sessions []string
}

func (f *fakeTalker) Send(_ context.Context, message, sessionID string) (chatTurn, error) {
	f.sent = append(f.sent, message)
	f.sessions = append(f.sessions, sessionID)
	return chatTurn{
		Response:  "ok: " + message,
		SessionID: "s-1",
		Success:   true,
		Tasks:     []domain.Task{{ID: 1, Title: message, Status: domain.StatusTodo, Priority: domain.PriorityMedium}},
	}, nil
}

func (f *fakeTalker) History(context.Context, string) ([]domain.Message, error) { return nil, nil }

func TestInteractiveKeepsSession(t *testing.T) {
	talker := &fakeTalker{}
	var out bytes.Buffer
	in := strings.NewReader("add milk\n\n  add bread  \nexit\nadd never\n")

	require.NoError(t, interactive(context.Background(), talker, in, &out, ""))

	assert.Equal(t, []string{"add milk", "add bread"}, talker.sent)
	assert.Equal(t, []string{"", "s-1"}, talker.sessions)
	assert.Contains(t, out.String(), "assistant> ok: add milk")
	assert.Equal(t, 1, strings.Count(out.String(), "(session s-1)"))
}

func TestInteractiveStopsAtEOF(t *testing.T) {
	talker := &fakeTalker{}
	var out bytes.Buffer
	require.NoError(t, interactive(context.Background(), talker, strings.NewReader("hello"), &out, "given"))
	assert.Equal(t, []string{"given"}, talker.sessions)
}
