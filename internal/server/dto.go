package server

import (
	"encoding/json"
	"time"

	"tasktalk/internal/chat"
	"tasktalk/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	Title       string  `json:"title" minLength:"1" maxLength:"200"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"todo,in_progress,done"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high"`
	DueDate     *string `json:"due_date,omitempty" doc:"ISO 8601 date or date-time"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty" minLength:"1" maxLength:"200"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"todo,in_progress,done"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high"`
	DueDate     *string `json:"due_date,omitempty" doc:"ISO 8601 date or date-time"`
}

type ChatMessageRequest struct {
	Message   string  `json:"message" minLength:"1"`
	SessionID *string `json:"session_id,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Status      string     `json:"status" enum:"todo,in_progress,done"`
	Priority    string     `json:"priority" enum:"low,medium,high"`
	DueDate     *time.Time `json:"due_date"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type ChatResponse struct {
	Response  string         `json:"response"`
	SessionID string         `json:"session_id"`
	Tasks     []TaskResponse `json:"tasks"`
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
	Exhausted bool           `json:"exhausted,omitempty"`
}

type ChatHistoryMessage struct {
	Role      string    `json:"role" enum:"user,assistant,system"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Connections int            `json:"connections"`
	TaskCounts  map[string]int `json:"task_counts"`
}

type InfoResponse struct {
	Message   string `json:"message"`
	Version   string `json:"version"`
	Docs      string `json:"docs"`
	OpenAPI   string `json:"openapi"`
	WebSocket string `json:"websocket"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Source     string         `json:"source"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		DueDate:     t.DueDate,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func chatResponse(res chat.Result) ChatResponse {
	return ChatResponse{
		Response:  res.Reply,
		SessionID: res.SessionID,
		Tasks:     mapTasks(res.Tasks),
		Success:   res.Success,
		Timestamp: res.Timestamp,
		Exhausted: res.Exhausted,
	}
}

func historyResponse(items []domain.Message) []ChatHistoryMessage {
	out := make([]ChatHistoryMessage, 0, len(items))
	for _, m := range items {
		out = append(out, ChatHistoryMessage{Role: string(m.Role), Content: m.Content, Timestamp: m.Timestamp})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Source:     e.Source,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
