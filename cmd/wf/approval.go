package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/workforce/internal/approval"
)

func newApprovalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Tool approval commands",
	}

	cmd.AddCommand(newApprovalListCmd())
	cmd.AddCommand(newApprovalResolveCmd())
	return cmd
}

func newApprovalListCmd() *cobra.Command {
	var (
		configPath string
		filters    approval.ListFilters
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tool calls awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if all {
				filters.Status = ""
			}
			entries, err := approval.List(gormDB, filters)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No approvals found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTASK\tTOOL\tRISK\tSTATUS\tAPPROVER\tINPUT")
			for _, a := range entries {
				approver := a.Approver
				if approver == "" {
					approver = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.TaskID, a.ToolName, a.RiskLevel,
					a.Status, approver, truncate(string(a.InputArgs), 50))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&filters.Status, "status", approval.StatusPending, "filter by status")
	cmd.Flags().StringVar(&filters.TaskID, "task", "", "filter by task")
	cmd.Flags().BoolVar(&all, "all", false, "show every status")
	return cmd
}

func newApprovalResolveCmd() *cobra.Command {
	var (
		configPath string
		decision   string
		approver   string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "resolve <audit-id>",
		Short: "Approve or reject a gated tool call",
		Long:  "Records a decision. A running `wf serve` resumes the task on its next poll.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			a, err := approval.Decide(gormDB, args[0], decision, approver, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Audit %s is now %s (task %s)\n", a.ID, a.Status, a.TaskID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&decision, "decision", "", "approve or reject (required)")
	cmd.Flags().StringVar(&approver, "approver", "", "who made the decision (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason, recorded on rejection")
	cmd.MarkFlagRequired("decision")
	cmd.MarkFlagRequired("approver")
	return cmd
}
