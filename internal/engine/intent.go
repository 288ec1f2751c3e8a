package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpList   Op = "list"
	OpFilter Op = "filter"
)

// Intent is one of CreateIntent, UpdateIntent, DeleteIntent, ListIntent or FilterIntent.
type Intent interface {
	Op() Op
}

type CreateIntent struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Status      *string `json:"status,omitempty"`
}

type UpdateIntent struct {
	TaskID      *TaskID `json:"task_id,omitempty"`
	TitleMatch  *string `json:"title_match,omitempty"`
	NewTitle    *string `json:"new_title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
}

type DeleteIntent struct {
	TaskID     *TaskID `json:"task_id,omitempty"`
	TitleMatch *string `json:"title_match,omitempty"`
}

type ListIntent struct{}

type FilterIntent struct {
	Status   *string `json:"status,omitempty"`
	Priority *string `json:"priority,omitempty"`
	DueDate  *string `json:"due_date,omitempty"`
}

func (CreateIntent) Op() Op { return OpCreate }
func (UpdateIntent) Op() Op { return OpUpdate }
func (DeleteIntent) Op() Op { return OpDelete }
func (ListIntent) Op() Op   { return OpList }
func (FilterIntent) Op() Op { return OpFilter }

// TaskID accepts a JSON number or a numeric string; oracles emit both.
type TaskID int64

func (id *TaskID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var raw string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	} else {
		raw = string(data)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f != float64(int64(f)) {
			return fmt.Errorf("task_id %q is not an integer", raw)
		}
		n = int64(f)
	}
	*id = TaskID(n)
	return nil
}

// DecodeIntent builds the intent for op from its JSON arguments. Empty args are
// treated as an empty object.
func DecodeIntent(op Op, args []byte) (Intent, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = []byte("{}")
	}
	var (
		intent Intent
		err    error
	)
	switch op {
	case OpCreate:
		var in CreateIntent
		err = json.Unmarshal(args, &in)
		intent = in
	case OpUpdate:
		var in UpdateIntent
		err = json.Unmarshal(args, &in)
		intent = in
	case OpDelete:
		var in DeleteIntent
		err = json.Unmarshal(args, &in)
		intent = in
	case OpList:
		var in ListIntent
		err = json.Unmarshal(args, &in)
		intent = in
	case OpFilter:
		var in FilterIntent
		err = json.Unmarshal(args, &in)
		intent = in
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s arguments: %w", op, err)
	}
	return intent, nil
}
