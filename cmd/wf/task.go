package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/workforce/internal/billing"
	"github.com/zulandar/workforce/internal/dispatch"
	"github.com/zulandar/workforce/internal/task"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Task commands",
	}

	cmd.AddCommand(newTaskSubmitCmd())
	cmd.AddCommand(newTaskStatusCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskTreeCmd())
	cmd.AddCommand(newTaskCancelCmd())
	return cmd
}

func newTaskSubmitCmd() *cobra.Command {
	var (
		configPath string
		inputs     string
		opts       dispatch.SubmitOpts
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task for an employee",
		Long:  "Validates and records a task. A running `wf serve` picks it up on its next poll.",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readJSONArg(inputs, os.ReadFile)
			if err != nil {
				return fmt.Errorf("--inputs: %w", err)
			}
			opts.Inputs = in
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			t, err := dispatch.Admit(gormDB, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted task %s (job %s)\n", t.ID, t.JobKey)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.EmployeeID, "employee", "", "employee ID (required)")
	cmd.Flags().StringVar(&opts.JobKey, "job", "", "job key (default: the employee's job)")
	cmd.Flags().StringVar(&inputs, "inputs", "", "task inputs (JSON or @file)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().StringVar(&opts.Initiator, "initiator", "cli", "who submitted the task")
	cmd.Flags().StringVar(&opts.ParentTaskID, "parent", "", "parent task ID")
	cmd.MarkFlagRequired("employee")
	return cmd
}

func newTaskStatusCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a task's status and steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			st, err := dispatch.GetTaskStatus(gormDB, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, st)
			}
			u, err := billing.UsageByTask(gormDB, st.ID)
			if err != nil {
				return err
			}
			printTaskStatus(out, st, u)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func printTaskStatus(out io.Writer, st *dispatch.TaskStatus, u billing.Usage) {
	fmt.Fprintf(out, "Task:      %s\n", st.ID)
	if st.Title != "" {
		fmt.Fprintf(out, "Title:     %s\n", st.Title)
	}
	fmt.Fprintf(out, "Employee:  %s\n", st.EmployeeID)
	fmt.Fprintf(out, "Job:       %s\n", st.JobKey)
	fmt.Fprintf(out, "Status:    %s (%d%%)\n", st.Status, st.Progress)
	if st.ErrorKind != "" {
		fmt.Fprintf(out, "Error:     [%s] %s\n", st.ErrorKind, st.ErrorMessage)
	}
	if st.FailedStep != nil {
		fmt.Fprintf(out, "Failed at: step %d\n", *st.FailedStep)
	}
	fmt.Fprintf(out, "Started:   %s\n", formatTime(st.StartedAt))
	fmt.Fprintf(out, "Finished:  %s\n", formatTime(st.FinishedAt))
	fmt.Fprintf(out, "Usage:     %s calls, %s tokens, cost %s\n",
		formatCount(u.Calls), formatCount(u.TotalTokens()), formatCount(u.Cost))

	if len(st.Steps) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSKILL\tGROUP\tSTATUS\tATTEMPT\tDURATION\tERROR")
	for _, s := range st.Steps {
		group := "-"
		if s.Group != 0 {
			group = fmt.Sprintf("%d", s.Group)
		}
		errMsg := ""
		if s.ErrorKind != "" {
			errMsg = truncate("["+s.ErrorKind+"] "+s.ErrorMessage, 60)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%dms\t%s\n",
			s.Index, s.Skill, group, s.Status, s.Attempt, s.DurationMs, errMsg)
	}
	w.Flush()
}

func newTaskListCmd() *cobra.Command {
	var (
		configPath string
		filters    task.ListFilters
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			tasks, err := task.List(gormDB, filters)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMPLOYEE\tJOB\tSTATUS\tPROGRESS\tTITLE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
					t.ID, t.EmployeeID, t.JobKey, t.Status, t.Progress, truncate(t.Title, 40))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&filters.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&filters.EmployeeID, "employee", "", "filter by employee")
	cmd.Flags().StringVar(&filters.ParentTaskID, "parent", "", "filter by parent task")
	cmd.Flags().IntVar(&filters.Limit, "limit", 50, "maximum number of tasks")
	return cmd
}

func newTaskTreeCmd() *cobra.Command {
	var (
		configPath string
		depth      int
	)

	cmd := &cobra.Command{
		Use:   "tree <id>",
		Short: "Show a task and its sub-tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			root, err := task.Tree(gormDB, args[0], depth)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printTree(out, root, 0)
			counts := root.StatusCounts()
			parts := make([]string, 0, len(counts))
			for _, s := range []string{task.StatusCreated, task.StatusPlanning, task.StatusRunning,
				task.StatusCompleted, task.StatusFailed, task.StatusCancelled} {
				if n := counts[s]; n > 0 {
					parts = append(parts, fmt.Sprintf("%d %s", n, s))
				}
			}
			fmt.Fprintf(out, "\n%d tasks: %s\n", root.Count(), strings.Join(parts, ", "))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&depth, "depth", 5, "maximum depth to walk")
	return cmd
}

func printTree(out io.Writer, n *task.TreeNode, level int) {
	title := n.Task.Title
	if title == "" {
		title = n.Task.JobKey
	}
	fmt.Fprintf(out, "%s%s  %-10s %3d%%  %s\n", strings.Repeat("  ", level), n.Task.ID, n.Task.Status, n.Task.Progress, title)
	for _, c := range n.Children {
		printTree(out, c, level+1)
	}
}

func newTaskCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task",
		Long:  "Cancels a task. Steps not yet started are skipped; a running step finishes first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := dispatch.Cancel(gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
