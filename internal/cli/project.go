package cli

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/project"
)

// NewProjectCmd создаёт группу команд для управления проектами.
func NewProjectCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	cmd.AddCommand(
		newProjectPushCmd(clientFn, outputFn),
		newProjectListCmd(clientFn, outputFn),
		newProjectShowCmd(clientFn, outputFn),
	)

	return cmd
}

func newProjectPushCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "push DIR",
		Short: "Upload a project directory as a new revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			dir := args[0]
			if name == "" {
				abs, err := filepath.Abs(dir)
				if err != nil {
					return err
				}
				name = filepath.Base(abs)
			}

			archive, err := project.Pack(dir)
			if err != nil {
				return fmt.Errorf("pack %s: %w", dir, err)
			}
			// Проверяем manifest локально, чтобы не отправлять заведомо плохой архив.
			if _, err := project.ReadManifest(archive); err != nil {
				return err
			}

			p, err := client.PushProject(name, archive)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Project pushed: %s (revision %d)", p.ID, p.Revision))
			out.Print(projectHeaders, [][]string{projectRow(p)}, p)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Project name (default: directory name)")

	return cmd
}

func newProjectListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			projects, err := client.ListProjects()
			if err != nil {
				return err
			}

			rows := make([][]string, len(projects))
			for i := range projects {
				rows[i] = projectRow(&projects[i])
			}

			out.Print(projectHeaders, rows, projects)
			return nil
		},
	}
}

func newProjectShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show project workflows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			p, err := client.GetProject(args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, len(p.Workflows))
			for i, wf := range p.Workflows {
				rows[i] = []string{wf.Name, wf.Type}
			}

			out.Print([]string{"WORKFLOW", "TYPE"}, rows, p)
			return nil
		},
	}
}

var projectHeaders = []string{"ID", "NAME", "REVISION", "WORKFLOWS", "MD5", "UPDATED"}

func projectRow(p *ProjectResponse) []string {
	names := make([]string, len(p.Workflows))
	for i, wf := range p.Workflows {
		names[i] = wf.Name
	}
	return []string{
		p.ID, p.Name, strconv.Itoa(p.Revision),
		strings.Join(names, ","), p.ArchiveMD5, p.UpdatedAt,
	}
}
