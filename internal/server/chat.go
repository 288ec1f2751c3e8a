package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/danielgtaylor/huma/v2"

	"tasktalk/internal/repo"
)

const (
	sourceChat   = "chat"
	maxFrameSize = 1 << 20
)

func registerChat(api huma.API, svc ChatService, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "send-chat-message",
		Method:      http.MethodPost,
		Path:        "/chat/message",
		Summary:     "Send a message to the task assistant",
		Description: "Failures are reported in the response body with success=false.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ChatMessageRequest
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		var sessionID string
		if input.Body.SessionID != nil {
			sessionID = *input.Body.SessionID
		}
		res := svc.ProcessMessage(repo.WithSource(ctx, sourceChat), input.Body.Message, sessionID)
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: chatResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "chat-history",
		Method:      http.MethodGet,
		Path:        "/chat/sessions/{session_id}/messages",
		Summary:     "Conversation history of a session",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body []ChatHistoryMessage `json:"body"`
	}, error) {
		if _, err := r.GetSession(ctx, input.SessionID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "Session not found", map[string]any{"session_id": input.SessionID})
			}
			return nil, handleError(err)
		}
		items, err := svc.History(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ChatHistoryMessage `json:"body"`
		}{Body: historyResponse(items)}, nil
	})
}

// chatSocket serves one WebSocket connection. Every text frame is a
// ChatMessageRequest and gets exactly one ChatResponse back.
func chatSocket(svc ChatService, hub *Hub, origins []string, log *slog.Logger) http.HandlerFunc {
	opts := acceptOptions(origins)
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			log.Warn("websocket accept failed", "err", err)
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(maxFrameSize)
		id := hub.Register(conn)
		defer hub.Unregister(id)
		log.Info("websocket connected", "conn", id, "open", hub.Count())

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					log.Info("websocket closed", "conn", id)
				default:
					log.Warn("websocket read failed", "conn", id, "err", err)
				}
				return
			}
			var frame ChatMessageRequest
			if err := json.Unmarshal(data, &frame); err != nil || strings.TrimSpace(frame.Message) == "" {
				msg := "Error: frames must be JSON objects with a non-empty \"message\""
				if err != nil {
					msg += ": " + err.Error()
				}
				if werr := wsjson.Write(ctx, conn, ChatResponse{Response: msg, Tasks: []TaskResponse{}, Timestamp: time.Now().UTC()}); werr != nil {
					return
				}
				continue
			}
			var sessionID string
			if frame.SessionID != nil {
				sessionID = *frame.SessionID
			}
			res := svc.ProcessMessage(repo.WithSource(ctx, sourceChat), frame.Message, sessionID)
			if err := wsjson.Write(ctx, conn, chatResponse(res)); err != nil {
				log.Warn("websocket write failed", "conn", id, "err", err)
				return
			}
		}
	}
}

// acceptOptions turns CORS origins into host patterns for the handshake check.
func acceptOptions(origins []string) *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, o := range corsOrigins(origins) {
		if o == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
			continue
		}
		opts.OriginPatterns = append(opts.OriginPatterns, o)
	}
	return opts
}
