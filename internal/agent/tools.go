package agent

import (
	"sort"

	"tasktalk/internal/engine"
	"tasktalk/internal/oracle"
)

// Policy is the standing instruction sent ahead of every conversation.
const Policy = `You are a friendly assistant that manages the user's task list.
You can create, update, delete, list and filter tasks by calling the tools you are given.

Guidelines:
- Keep a conversational, helpful tone and understand casual phrasing.
- "mark X as done", "finish X" or "complete X" means update_task with status "done".
- "start X" means update_task with status "in_progress".
- "show me my tasks", "what do I have" and similar mean list_tasks.
- Requests that mention a status, a priority or a deadline ("high priority tasks", "what is due by Friday") mean filter_tasks.
- Refer to existing tasks with title_match using a distinctive part of the title, or with task_id when the user gives a number.
- Dates go to tools as ISO 8601 (YYYY-MM-DD or YYYY-MM-DDTHH:MM:SSZ).
- Confirm every action you took and describe the resulting tasks clearly.
- If a reference is ambiguous, say which tasks could match and ask the user to pick one.

Error reporting (mandatory):
- When a tool result has "success": false you MUST include its "message" in your reply verbatim and in full.
- Never shorten, paraphrase or hide that message. Keep any list of available tasks and any traceback it contains.
- You may add a short explanation before or after the message, but the message itself stays intact.

Task statuses: todo, in_progress, done
Task priorities: low, medium, high`

const (
	ToolCreate = "create_task"
	ToolUpdate = "update_task"
	ToolDelete = "delete_task"
	ToolList   = "list_tasks"
	ToolFilter = "filter_tasks"
)

var toolOps = map[string]engine.Op{
	ToolCreate: engine.OpCreate,
	ToolUpdate: engine.OpUpdate,
	ToolDelete: engine.OpDelete,
	ToolList:   engine.OpList,
	ToolFilter: engine.OpFilter,
}

func toolNames() []string {
	names := make([]string, 0, len(toolOps))
	for name := range toolOps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var (
	statusProp   = stringProp("todo, in_progress or done")
	priorityProp = stringProp("low, medium or high")
	taskIDProp   = map[string]any{"type": "integer", "description": "Exact task id, when the user names one"}
	titleMatch   = stringProp("Case-insensitive part of the task title, used when no task_id is known")
)

// Tools is the catalogue offered to the oracle.
func Tools() []oracle.ToolSpec {
	return []oracle.ToolSpec{
		{
			Name:        ToolCreate,
			Description: "Create a new task. Use when the user wants to add, create or make a task.",
			Parameters: object(map[string]any{
				"title":       stringProp("Task title"),
				"description": stringProp("Longer description"),
				"priority":    priorityProp,
				"due_date":    stringProp("Due date in ISO format (YYYY-MM-DD)"),
				"status":      statusProp,
			}, "title"),
		},
		{
			Name:        ToolUpdate,
			Description: "Update an existing task found by task_id or title_match. Use to modify, rename, reschedule or mark a task as done.",
			Parameters: object(map[string]any{
				"task_id":     taskIDProp,
				"title_match": titleMatch,
				"new_title":   stringProp("Replacement title"),
				"description": stringProp("Replacement description"),
				"status":      statusProp,
				"priority":    priorityProp,
				"due_date":    stringProp("New due date in ISO format"),
			}),
		},
		{
			Name:        ToolDelete,
			Description: "Delete a task found by task_id or title_match. Use to remove or cancel a task.",
			Parameters: object(map[string]any{
				"task_id":     taskIDProp,
				"title_match": titleMatch,
			}),
		},
		{
			Name:        ToolList,
			Description: "List all tasks. Use when the user wants to see or review their tasks.",
			Parameters:  object(map[string]any{}),
		},
		{
			Name:        ToolFilter,
			Description: "Filter tasks by status, priority or due date. All given criteria must match.",
			Parameters: object(map[string]any{
				"status":   statusProp,
				"priority": priorityProp,
				"due_date": stringProp("Return tasks due on or before this date"),
			}),
		},
	}
}
