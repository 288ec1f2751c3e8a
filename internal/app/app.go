// Package app wires storage, the task engine, the oracle and the chat service
// from a workspace and its tasktalk.yml.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"tasktalk/internal/agent"
	"tasktalk/internal/chat"
	"tasktalk/internal/config"
	"tasktalk/internal/db"
	"tasktalk/internal/engine"
	"tasktalk/internal/migrate"
	"tasktalk/internal/oracle"
	"tasktalk/internal/repo"
	"tasktalk/internal/server"
)

const oracleRetries = 2

type Options struct {
	Workspace string
	// Config overrides tasktalk.yml when set.
	Config *config.Config
	// Oracle overrides the client built from Config.Oracle.
	Oracle    oracle.Oracle
	LogOutput io.Writer
}

type App struct {
	Config *config.Config
	DB     *sql.DB
	Repo   repo.Repo
	Engine engine.Engine
	Chat   chat.Service
	Logger *slog.Logger
}

// NewLogger builds the text logger used across the process.
func NewLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// Open prepares the workspace, migrates the database and assembles the services.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	log := NewLogger(opts.LogOutput, cfg.Log)

	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("database ready", "path", db.Path(opts.Workspace))

	o := opts.Oracle
	if o == nil {
		client, err := oracle.NewOpenAI(oracle.OpenAIOptions{
			BaseURL:     cfg.Oracle.BaseURL,
			APIKey:      cfg.Oracle.APIKey(),
			Model:       cfg.Oracle.Model,
			Temperature: cfg.Oracle.Temperature,
			Timeout:     cfg.Oracle.Timeout.Std(),
			MaxRetries:  oracleRetries,
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		o = client
	}

	r := repo.New(conn)
	e := engine.New(r)
	return &App{
		Config: cfg,
		DB:     conn,
		Repo:   r,
		Engine: e,
		Chat: chat.Service{
			Store:  r,
			Agent:  agent.Dispatcher{Oracle: o, Engine: e, MaxRounds: cfg.Agent.MaxRounds, Logger: log},
			Logger: log,
		},
		Logger: log,
	}, nil
}

// Handler builds the HTTP API around the app's services.
func (a *App) Handler(hub *server.Hub) (http.Handler, error) {
	return server.New(server.Config{
		Repo:        a.Repo,
		Chat:        a.Chat,
		Hub:         hub,
		BasePath:    a.Config.Server.BasePath,
		CORSOrigins: a.Config.Server.CORSOrigins,
		Logger:      a.Logger,
	})
}

// Relay returns the event relay for the configured webhooks. hub is only
// attached when server.broadcast_events is on.
func (a *App) Relay(hub *server.Hub) *server.EventRelay {
	relay := &server.EventRelay{Repo: a.Repo, Webhooks: a.Config.Webhooks, Logger: a.Logger}
	if a.Config.Server.BroadcastEvents {
		relay.Hub = hub
	}
	return relay
}

// WarnMissingKey logs when the oracle key variable is empty, since every chat
// request would then fail upstream.
func (a *App) WarnMissingKey() {
	if a.Config.Oracle.APIKey() == "" {
		a.Logger.Warn("oracle api key is not set; chat requests will fail", "env", a.Config.Oracle.APIKeyEnv)
	}
}

func (a *App) Close() error {
	return a.DB.Close()
}
