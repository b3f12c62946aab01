package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для просмотра attempts.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect task attempts",
	}

	cmd.AddCommand(
		newTaskListCmd(clientFn, outputFn),
		newTaskShowCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListTasksOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListTasks(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(tasks))
			for i := range tasks {
				rows[i] = taskRow(&tasks[i])
			}

			out.Print(taskHeaders, rows, tasks)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (READY, RUNNING, RETRY_WAITING, SUCCEEDED, FAILED)")
	cmd.Flags().StringVar(&opts.SessionID, "session-id", "", "Filter by session ID")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of tasks")

	return cmd
}

func newTaskShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show task attempt details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			task, err := client.GetTask(args[0])
			if err != nil {
				return err
			}

			fields := []Field{
				{"ID", task.ID},
				{"SESSION", task.SessionID},
				{"PROJECT", task.ProjectID},
				{"WORKFLOW", task.Workflow},
				{"TYPE", task.Type},
				{"STATUS", task.Status},
				{"AGENT", task.AgentID},
				{"RETRIES", strconv.Itoa(task.RetryCount)},
				{"NEXT_RUN", task.NextRunAt},
				{"STARTED", task.StartedAt},
				{"FINISHED", task.FinishedAt},
			}
			if task.LastError != nil {
				fields = append(fields, Field{"ERROR", task.LastError.Kind + ": " + task.LastError.Message})
			}
			fields = append(fields, mapFields("STATE.", task.StateParams)...)
			fields = append(fields, mapFields("RESULT.", task.Result)...)

			out.Details(fields, task)
			return nil
		},
	}
}

var taskHeaders = []string{"ID", "SESSION_ID", "WORKFLOW", "TYPE", "STATUS", "RETRIES", "NEXT_RUN"}

func taskRow(t *TaskResponse) []string {
	return []string{
		t.ID, t.SessionID, t.Workflow, t.Type, t.Status,
		strconv.Itoa(t.RetryCount), t.NextRunAt,
	}
}
