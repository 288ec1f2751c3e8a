package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"

	"tasktalk/internal/domain"
	"tasktalk/internal/repo"
)

// TaskStore is the persistence the resolver needs. Lookups report repo.ErrNotFound
// for missing tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, spec domain.TaskSpec) (domain.Task, error)
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	FindTaskByTitle(ctx context.Context, substr string) (domain.Task, error)
	ListTasks(ctx context.Context, opts repo.ListOptions) ([]domain.Task, error)
	FilterTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error)
	UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id int64) (bool, error)
}

// Outcome is the result of one resolved intent. Task is set for create, update
// and delete; Tasks for list and filter.
type Outcome struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Task    *domain.Task  `json:"task,omitempty"`
	Tasks   []domain.Task `json:"tasks,omitempty"`
}

// Engine resolves intents against a TaskStore.
type Engine struct {
	Store TaskStore
}

func New(store TaskStore) Engine {
	return Engine{Store: store}
}

// Execute dispatches intent to its operation. It never returns an error; store
// faults and panics come back as failed outcomes carrying the fault and a stack.
func (e Engine) Execute(ctx context.Context, intent Intent) (out Outcome) {
	op := "process"
	if intent != nil {
		op = string(intent.Op())
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = storeFault(op, fmt.Errorf("panic: %v", rec))
		}
	}()
	switch in := intent.(type) {
	case CreateIntent:
		return e.Create(ctx, in)
	case UpdateIntent:
		return e.Update(ctx, in)
	case DeleteIntent:
		return e.Delete(ctx, in)
	case ListIntent:
		return e.List(ctx)
	case FilterIntent:
		return e.Filter(ctx, in)
	default:
		return Outcome{Message: fmt.Sprintf("Unsupported operation %T", intent)}
	}
}

func (e Engine) Create(ctx context.Context, in CreateIntent) Outcome {
	spec := domain.TaskSpec{
		Title:       in.Title,
		Description: in.Description,
		DueDate:     ParseDate(in.DueDate),
	}
	// unrecognized values fall back to the defaults in Normalize
	spec.Status, _ = parseStatus(in.Status)
	spec.Priority, _ = parsePriority(in.Priority)
	t, err := e.Store.CreateTask(ctx, spec)
	if err != nil {
		return storeFault("create", err)
	}
	return Outcome{Success: true, Message: fmt.Sprintf("Task '%s' created successfully", t.Title), Task: &t}
}

func (e Engine) Update(ctx context.Context, in UpdateIntent) Outcome {
	if !hasReference(in.TaskID, in.TitleMatch) {
		return Outcome{Message: missingReference}
	}
	t, miss, err := e.lookup(ctx, in.TaskID, in.TitleMatch)
	if err != nil {
		return storeFault("update", err)
	}
	if miss != nil {
		return e.notFound(ctx, "update", *miss)
	}
	patch := domain.TaskPatch{
		Title:       trimmed(in.NewTitle),
		Description: in.Description,
		DueDate:     ParseDate(in.DueDate),
	}
	if st, ok := parseStatus(in.Status); ok {
		patch.Status = &st
	}
	if pr, ok := parsePriority(in.Priority); ok {
		patch.Priority = &pr
	}
	updated, err := e.Store.UpdateTask(ctx, t.ID, patch)
	if errors.Is(err, repo.ErrNotFound) {
		return e.notFound(ctx, "update", searchTerm(in.TaskID, in.TitleMatch))
	}
	if err != nil {
		return storeFault("update", err)
	}
	return Outcome{Success: true, Message: fmt.Sprintf("Task '%s' updated successfully", updated.Title), Task: &updated}
}

func (e Engine) Delete(ctx context.Context, in DeleteIntent) Outcome {
	if !hasReference(in.TaskID, in.TitleMatch) {
		return Outcome{Message: missingReference}
	}
	t, miss, err := e.lookup(ctx, in.TaskID, in.TitleMatch)
	if err != nil {
		return storeFault("delete", err)
	}
	if miss != nil {
		return e.notFound(ctx, "delete", *miss)
	}
	ok, err := e.Store.DeleteTask(ctx, t.ID)
	if err != nil {
		return storeFault("delete", err)
	}
	if !ok {
		return Outcome{Message: "Failed to delete task"}
	}
	return Outcome{Success: true, Message: fmt.Sprintf("Task '%s' deleted successfully", t.Title), Task: &t}
}

func (e Engine) List(ctx context.Context) Outcome {
	tasks, err := e.Store.ListTasks(ctx, repo.ListOptions{})
	if err != nil {
		return storeFault("list", err)
	}
	return Outcome{Success: true, Message: fmt.Sprintf("Found %d task(s)", len(tasks)), Tasks: tasks}
}

func (e Engine) Filter(ctx context.Context, in FilterIntent) Outcome {
	var f domain.TaskFilter
	if st, ok := parseStatus(in.Status); ok {
		f.Status = &st
	}
	if pr, ok := parsePriority(in.Priority); ok {
		f.Priority = &pr
	}
	f.DueBefore = ParseDate(in.DueDate)
	tasks, err := e.Store.FilterTasks(ctx, f)
	if err != nil {
		return storeFault("filter", err)
	}
	return Outcome{Success: true, Message: fmt.Sprintf("Found %d task(s) matching filters", len(tasks)), Tasks: tasks}
}

const missingReference = "Either task_id or title_match must be provided"

func hasReference(id *TaskID, titleMatch *string) bool {
	return (id != nil && *id != 0) || trimmed(titleMatch) != nil
}

// lookup resolves a task reference. task_id wins over title_match; a zero id
// counts as absent. miss holds the search term when nothing matched.
func (e Engine) lookup(ctx context.Context, id *TaskID, titleMatch *string) (domain.Task, *string, error) {
	var (
		t   domain.Task
		err error
	)
	if id != nil && *id != 0 {
		t, err = e.Store.GetTask(ctx, int64(*id))
	} else {
		t, err = e.Store.FindTaskByTitle(ctx, *trimmed(titleMatch))
	}
	if errors.Is(err, repo.ErrNotFound) {
		term := searchTerm(id, titleMatch)
		return t, &term, nil
	}
	return t, nil, err
}

func searchTerm(id *TaskID, titleMatch *string) string {
	if tm := trimmed(titleMatch); tm != nil {
		return *tm
	}
	if id != nil {
		return strconv.FormatInt(int64(*id), 10)
	}
	return ""
}

// notFound lists every current title so the caller can retry with a better reference.
func (e Engine) notFound(ctx context.Context, op, term string) Outcome {
	tasks, err := e.Store.ListTasks(ctx, repo.ListOptions{})
	if err != nil {
		return storeFault(op, err)
	}
	available := "No tasks found"
	if len(tasks) > 0 {
		titles := make([]string, 0, len(tasks))
		for _, t := range tasks {
			titles = append(titles, t.Title)
		}
		available = strings.Join(titles, ", ")
	}
	return Outcome{Message: fmt.Sprintf("Task not found. Available tasks: %s. Searched for: '%s'", available, term)}
}

func storeFault(op string, err error) Outcome {
	return Outcome{Message: fmt.Sprintf("Failed to %s task: %v\nTraceback: %s", op, err, debug.Stack())}
}
