package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tasktalk/internal/domain"
	"tasktalk/internal/events"
)

// Fixed-width UTC layout so stored timestamps compare lexically.
const tsLayout = "2006-01-02T15:04:05.000000Z"

type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = errors.New("not found")

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{}, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return storedTime(r.Now())
	}
	return storedTime(time.Now())
}

// storedTime drops what tsLayout cannot hold, so returned values equal what a later read sees.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func storedTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := storedTime(*t)
	return &v
}

type sourceKey struct{}

// WithSource tags mutations made under ctx with an event source such as "chat" or "api".
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "api"
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTimePtr(v *time.Time) any {
	if v == nil {
		return nil
	}
	return formatTS(*v)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id,title,description,status,priority,due_date,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, dueDate sql.NullString
	var status, priority, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Title, &description, &status, &priority, &dueDate, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Status = domain.Status(status)
	t.Priority = domain.Priority(priority)
	if description.Valid {
		d := description.String
		t.Description = &d
	}
	if dueDate.Valid {
		due, err := parseTS(dueDate.String)
		if err != nil {
			return t, fmt.Errorf("task %d due_date: %w", t.ID, err)
		}
		t.DueDate = &due
	}
	var err error
	if t.CreatedAt, err = parseTS(createdAt); err != nil {
		return t, fmt.Errorf("task %d created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return t, fmt.Errorf("task %d updated_at: %w", t.ID, err)
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
