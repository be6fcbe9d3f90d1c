package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/denizbac/fleetcore/internal/config"
	"github.com/denizbac/fleetcore/internal/store"
	"github.com/denizbac/fleetcore/pkg/models"
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskCancelCmd())
	cmd.AddCommand(newTaskRetryCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var (
		repoName   string
		taskType   string
		priority   int
		payload    string
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a pending task for a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repoName == "" {
				return errors.New("--repo is required")
			}
			if taskType == "" {
				return errors.New("--type is required")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			repo, err := st.GetRepoByName(cmd.Context(), repoName)
			if err != nil {
				return err
			}
			id, err := st.CreateTask(cmd.Context(), repo.RepoID, taskType, priority, payload, maxRetries)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created task %d (%s, priority %d) for repo %q\n", id, taskType, priority, repoName)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoName, "repo", "", "Repository name")
	cmd.Flags().StringVar(&taskType, "type", "", "Task type (e.g. implement, review, test)")
	cmd.Flags().IntVar(&priority, "priority", models.DefaultPriority, "Priority 1-10 (higher is scheduled first)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Task payload JSON")
	cmd.Flags().IntVar(&maxRetries, "max-retries", models.DefaultMaxRetries, "Total attempts before terminal failure")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tasks, err := st.ListTasks(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			for _, t := range tasks {
				line := fmt.Sprintf("- %d [%s] %s prio=%d retries=%d/%d", t.TaskID, t.Status, t.TaskType, t.Priority, t.RetryCount, t.MaxRetries)
				if t.AssignedAgent != nil {
					line += " agent=" + *t.AssignedAgent
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, in_progress, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max tasks to list (0 = default)")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	var taskID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one task, including its error history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 {
				return errors.New("--id must be a positive task ID")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			task, err := st.GetTask(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "task %d: %s [%s] repo=%s prio=%d retries=%d/%d\n",
				task.TaskID, task.TaskType, task.Status, task.RepoID, task.Priority, task.RetryCount, task.MaxRetries)
			if task.AssignedAgent != nil {
				_, _ = fmt.Fprintf(out, "  agent: %s\n", *task.AssignedAgent)
			}
			if task.NotBefore != nil {
				_, _ = fmt.Fprintf(out, "  not before: %s\n", task.NotBefore.Format(time.RFC3339))
			}
			if task.Result != nil {
				_, _ = fmt.Fprintf(out, "  result: %s\n", *task.Result)
			}
			if task.Error != nil {
				_, _ = fmt.Fprintf(out, "  error: %s\n", *task.Error)
			}
			history, err := st.ListTaskErrors(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			for _, e := range history {
				_, _ = fmt.Fprintf(out, "  attempt %d: %s\n", e.Attempt, e.Detail)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&taskID, "id", 0, "Task ID")
	return cmd
}

func newTaskCancelCmd() *cobra.Command {
	var taskID int64
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a task (terminal status)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 {
				return errors.New("--id must be a positive task ID")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.CancelTask(cmd.Context(), taskID, time.Now().UTC()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %d\n", taskID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&taskID, "id", 0, "Task ID")
	return cmd
}

func newTaskRetryCmd() *cobra.Command {
	var taskID int64
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Requeue a terminally failed task with a fresh retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 {
				return errors.New("--id must be a positive task ID")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.ForceRequeueTask(cmd.Context(), taskID, time.Now().UTC()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Requeued task %d\n", taskID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&taskID, "id", 0, "Task ID")
	return cmd
}
