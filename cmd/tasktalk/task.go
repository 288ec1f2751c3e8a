package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tasktalk/internal/app"
	"tasktalk/internal/domain"
	"tasktalk/internal/engine"
	"tasktalk/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks directly",
		Long:  "The same operations the chat assistant uses. Tasks are referenced by numeric id or by a case-insensitive part of the title.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskFilterCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var in engine.CreateIntent
	var description, status, priority, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Description = changed(cmd, "description", description)
			in.Status = changed(cmd, "status", status)
			in.Priority = changed(cmd, "priority", priority)
			in.DueDate = changed(cmd, "due", due)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printOutcome(e.Execute(ctx, in))
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "todo, in_progress or done (default todo)")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high (default medium)")
	cmd.Flags().StringVar(&due, "due", "", "due date, YYYY-MM-DD or RFC 3339")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var opts repo.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				renderTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&opts.Offset, "skip", 0, "tasks to skip")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum tasks to show (0 for all)")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, id)
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("task %d not found", id)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				renderTasks([]domain.Task{t})
				if t.Description != nil && *t.Description != "" {
					fmt.Println(*t.Description)
				}
				return nil
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, description, status, priority, due string
	cmd := &cobra.Command{
		Use:   "update <id|title>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.UpdateIntent{
				NewTitle:    changed(cmd, "title", title),
				Description: changed(cmd, "description", description),
				Status:      changed(cmd, "status", status),
				Priority:    changed(cmd, "priority", priority),
				DueDate:     changed(cmd, "due", due),
			}
			in.TaskID, in.TitleMatch = parseRef(args[0])
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printOutcome(e.Execute(ctx, in))
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "todo, in_progress or done")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&due, "due", "", "new due date")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|title>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in engine.DeleteIntent
			in.TaskID, in.TitleMatch = parseRef(args[0])
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printOutcome(e.Execute(ctx, in))
			})
		},
	}
}

func taskFilterCmd() *cobra.Command {
	var status, priority, due string
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Filter tasks by status, priority and due date",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.FilterIntent{
				Status:   changed(cmd, "status", status),
				Priority: changed(cmd, "priority", priority),
				DueDate:  changed(cmd, "due-before", due),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printOutcome(e.Execute(ctx, in))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "todo, in_progress or done")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&due, "due-before", "", "tasks due on or before this date")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(repo.WithSource(ctx, "cli"), a.Engine)
	})
}

// parseRef treats a numeric argument as a task id and anything else as a
// title fragment.
func parseRef(ref string) (*engine.TaskID, *string) {
	ref = strings.TrimSpace(ref)
	if n, err := strconv.ParseInt(ref, 10, 64); err == nil && n > 0 {
		id := engine.TaskID(n)
		return &id, nil
	}
	return nil, &ref
}

func changed(cmd *cobra.Command, flag, value string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &value
}

func printOutcome(out engine.Outcome) error {
	if viper.GetBool("json") {
		if err := printJSON(out); err != nil {
			return err
		}
	} else if out.Success {
		fmt.Println(out.Message)
		switch {
		case out.Task != nil:
			renderTasks([]domain.Task{*out.Task})
		case len(out.Tasks) > 0:
			renderTasks(out.Tasks)
		}
	}
	if !out.Success {
		return errors.New(out.Message)
	}
	return nil
}
