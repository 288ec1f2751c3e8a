package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"tasktalk/internal/domain"
	"tasktalk/internal/events"
)

// ListOptions paginates ListTasks. Limit <= 0 means no limit.
type ListOptions struct {
	Offset int
	Limit  int
}

func (r Repo) CreateTask(ctx context.Context, spec domain.TaskSpec) (domain.Task, error) {
	spec = spec.Normalize()
	if spec.Title == "" {
		return domain.Task{}, fmt.Errorf("title is required")
	}
	spec.DueDate = storedTimePtr(spec.DueDate)
	now := r.now()
	t := domain.Task{
		Title:       spec.Title,
		Description: spec.Description,
		Status:      spec.Status,
		Priority:    spec.Priority,
		DueDate:     spec.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(title,description,status,priority,due_date,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		t.Title, nullableStringPtr(t.Description), string(t.Status), string(t.Priority), nullableTimePtr(t.DueDate), formatTS(t.CreatedAt), formatTS(t.UpdatedAt))
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return domain.Task{}, err
	}
	if err := r.Events.Append(ctx, tx, events.TaskCreated, "task", strconv.FormatInt(t.ID, 10), sourceFrom(ctx), events.Payload{
		"title": t.Title, "status": t.Status, "priority": t.Priority,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// FindTaskByTitle returns the first task, in store order, whose title contains
// substr case-insensitively.
func (r Repo) FindTaskByTitle(ctx context.Context, substr string) (domain.Task, error) {
	substr = strings.TrimSpace(substr)
	if substr == "" {
		return domain.Task{}, ErrNotFound
	}
	// SQLite's lower() only folds ASCII, so the match runs here.
	needle := strings.ToLower(substr)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id ASC`)
	if err != nil {
		return domain.Task{}, err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return domain.Task{}, err
		}
		if strings.Contains(strings.ToLower(t.Title), needle) {
			return t, nil
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{}, ErrNotFound
}

func (r Repo) ListTasks(ctx context.Context, opts ListOptions) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY id ASC`
	var args []any
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, max(opts.Offset, 0))
	} else if opts.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, opts.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (r Repo) FilterTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != nil {
		clauses = append(clauses, "status=?")
		args = append(args, string(*f.Status))
	}
	if f.Priority != nil {
		clauses = append(clauses, "priority=?")
		args = append(args, string(*f.Priority))
	}
	if f.DueBefore != nil {
		clauses = append(clauses, "due_date IS NOT NULL AND due_date <= ?")
		args = append(args, formatTS(*f.DueBefore))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// UpdateTask applies patch to the task and returns the refreshed record.
// An empty or no-op patch leaves updated_at untouched.
func (r Repo) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) (domain.Task, error) {
	if patch.Empty() {
		return r.GetTask(ctx, id)
	}
	patch.DueDate = storedTimePtr(patch.DueDate)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return domain.Task{}, err
	}
	if !patch.Apply(&t) {
		return t, tx.Commit()
	}
	if strings.TrimSpace(t.Title) == "" {
		return domain.Task{}, fmt.Errorf("title must not be empty")
	}
	t.UpdatedAt = r.now()
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, priority=?, due_date=?, updated_at=? WHERE id=?`,
		t.Title, nullableStringPtr(t.Description), string(t.Status), string(t.Priority), nullableTimePtr(t.DueDate), formatTS(t.UpdatedAt), t.ID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Task{}, ErrNotFound
	}
	if err := r.Events.Append(ctx, tx, events.TaskUpdated, "task", strconv.FormatInt(t.ID, 10), sourceFrom(ctx), patchPayload(patch)); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DeleteTask reports false when no task with id exists.
func (r Repo) DeleteTask(ctx context.Context, id int64) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var title string
	err = tx.QueryRowContext(ctx, `SELECT title FROM tasks WHERE id=?`, id).Scan(&title)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := r.Events.Append(ctx, tx, events.TaskDeleted, "task", strconv.FormatInt(id, 10), sourceFrom(ctx), events.Payload{"title": title}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.Status(status)] = count
	}
	return res, rows.Err()
}

func patchPayload(p domain.TaskPatch) events.Payload {
	payload := events.Payload{}
	if p.Title != nil {
		payload["title"] = *p.Title
	}
	if p.Description != nil {
		payload["description"] = *p.Description
	}
	if p.Status != nil {
		payload["status"] = *p.Status
	}
	if p.Priority != nil {
		payload["priority"] = *p.Priority
	}
	if p.DueDate != nil {
		payload["due_date"] = formatTS(*p.DueDate)
	}
	return payload
}
