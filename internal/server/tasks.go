package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"tasktalk/internal/domain"
	"tasktalk/internal/engine"
	"tasktalk/internal/repo"
)

const sourceAPI = "api"

type taskPath struct {
	ID int64 `path:"id"`
}

func registerTasks(api huma.API, r repo.Repo) {
	taskErrors := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError}

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		spec := domain.TaskSpec{Title: input.Body.Title, Description: input.Body.Description}
		var err error
		if spec.Status, err = statusParam(input.Body.Status); err != nil {
			return nil, handleError(err)
		}
		if spec.Priority, err = priorityParam(input.Body.Priority); err != nil {
			return nil, handleError(err)
		}
		if spec.DueDate, err = dateParam("due_date", input.Body.DueDate); err != nil {
			return nil, handleError(err)
		}
		t, err := r.CreateTask(repo.WithSource(ctx, sourceAPI), spec)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Skip  int `query:"skip" default:"0" minimum:"0"`
		Limit int `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := r.ListTasks(ctx, repo.ListOptions{Offset: input.Skip, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "filter-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/filter",
		Summary:     "Filter tasks by status, priority and due date",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" doc:"todo, in_progress or done"`
		Priority  string `query:"priority" doc:"low, medium or high"`
		DueBefore string `query:"due_before" doc:"ISO 8601 date; tasks due on or before it"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		var f domain.TaskFilter
		if input.Status != "" {
			st, ok := domain.ParseStatus(input.Status)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Status})
			}
			f.Status = &st
		}
		if input.Priority != "" {
			p, ok := domain.ParsePriority(input.Priority)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid priority", map[string]any{"priority": input.Priority})
			}
			f.Priority = &p
		}
		if input.DueBefore != "" {
			due, err := dateParam("due_before", &input.DueBefore)
			if err != nil {
				return nil, handleError(err)
			}
			f.DueBefore = due
		}
		items, err := r.FilterTasks(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := r.GetTask(ctx, input.ID)
		if err != nil {
			return nil, taskError(err, input.ID)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body UpdateTaskRequest
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		patch := domain.TaskPatch{Title: input.Body.Title, Description: input.Body.Description}
		st, err := statusParam(input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if st != "" {
			patch.Status = &st
		}
		p, err := priorityParam(input.Body.Priority)
		if err != nil {
			return nil, handleError(err)
		}
		if p != "" {
			patch.Priority = &p
		}
		due, err := dateParam("due_date", input.Body.DueDate)
		if err != nil {
			return nil, handleError(err)
		}
		patch.DueDate = due
		t, err := r.UpdateTask(repo.WithSource(ctx, sourceAPI), input.ID, patch)
		if err != nil {
			return nil, taskError(err, input.ID)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		ok, err := r.DeleteTask(repo.WithSource(ctx, sourceAPI), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, taskError(repo.ErrNotFound, input.ID)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent task events",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := r.LatestEvents(ctx, normalizeEventLimit(input.Limit), input.Type, "", input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func taskError(err error, id int64) huma.StatusError {
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "Task not found", map[string]any{"task_id": strconv.FormatInt(id, 10)})
	}
	return handleError(err)
}

func statusParam(raw *string) (domain.Status, error) {
	if raw == nil || *raw == "" {
		return "", nil
	}
	st, ok := domain.ParseStatus(*raw)
	if !ok {
		return "", fmt.Errorf("invalid status %q", *raw)
	}
	return st, nil
}

func priorityParam(raw *string) (domain.Priority, error) {
	if raw == nil || *raw == "" {
		return "", nil
	}
	p, ok := domain.ParsePriority(*raw)
	if !ok {
		return "", fmt.Errorf("invalid priority %q", *raw)
	}
	return p, nil
}

func dateParam(name string, raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	parsed := engine.ParseDate(raw)
	if parsed == nil {
		return nil, fmt.Errorf("invalid %s %q", name, *raw)
	}
	return parsed, nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 100
	}
	if in > 1000 {
		return 1000
	}
	return in
}

func normalizeEventLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
