package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewSessionCmd создаёт группу команд для запуска workflows.
func NewSessionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start and inspect sessions",
	}

	cmd.AddCommand(
		newSessionStartCmd(clientFn, outputFn),
		newSessionShowCmd(clientFn, outputFn),
	)

	return cmd
}

func newSessionStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var sessionTime string
	var retryName string
	var params []string

	cmd := &cobra.Command{
		Use:   "start PROJECT_ID WORKFLOW",
		Short: "Start a workflow session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := StartSessionRequest{
				ProjectID:        args[0],
				Workflow:         args[1],
				RetryAttemptName: retryName,
			}

			if sessionTime != "" {
				t, err := time.Parse(time.RFC3339, sessionTime)
				if err != nil {
					return fmt.Errorf("invalid --time %q, expected RFC3339", sessionTime)
				}
				req.SessionTime = &t
			}

			var err error
			if req.Params, err = parseParams(params); err != nil {
				return err
			}

			session, err := client.StartSession(req)
			if err != nil {
				return err
			}

			if session.Created {
				out.Success(fmt.Sprintf("Session started: %s", session.ID))
			} else {
				out.Success(fmt.Sprintf("Session already exists: %s", session.ID))
			}
			out.Print(sessionHeaders, [][]string{sessionRow(session)}, session)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionTime, "time", "", "Session time in RFC3339 (default: now)")
	cmd.Flags().StringVar(&retryName, "retry-name", "", "Retry attempt name to start the session again")
	cmd.Flags().StringSliceVar(&params, "param", nil, "Override params as KEY=VALUE (repeatable)")

	return cmd
}

func newSessionShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show session details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			session, err := client.GetSession(args[0])
			if err != nil {
				return err
			}

			out.Print(sessionHeaders, [][]string{sessionRow(session)}, session)
			return nil
		},
	}
}

var sessionHeaders = []string{"ID", "PROJECT_ID", "WORKFLOW", "SESSION_TIME", "RETRY", "TASK_ID"}

func sessionRow(s *SessionResponse) []string {
	return []string{s.ID, s.ProjectID, s.Workflow, s.SessionTime, s.RetryAttemptName, s.TaskID}
}
