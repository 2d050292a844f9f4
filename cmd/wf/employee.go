package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/workforce/internal/billing"
	"github.com/zulandar/workforce/internal/employee"
)

func newEmployeeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "employee",
		Short: "Digital employee commands",
	}

	cmd.AddCommand(newEmployeeProvisionCmd())
	cmd.AddCommand(newEmployeeListCmd())
	cmd.AddCommand(newEmployeeShowCmd())
	cmd.AddCommand(newEmployeeRetireCmd())
	cmd.AddCommand(newEmployeeRaiseCmd())
	return cmd
}

func newEmployeeProvisionCmd() *cobra.Command {
	var (
		configPath string
		experience string
		opts       employee.ProvisionOpts
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision an employee for a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := readJSONArg(experience, os.ReadFile)
			if err != nil {
				return fmt.Errorf("--experience: %w", err)
			}
			opts.Experience = exp
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			emp, err := employee.Provision(gormDB, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provisioned employee %s (job %s, wallet %s, budget %s)\n",
				emp.ID, emp.JobKey, emp.WalletID, formatBudget(emp.SalaryTokenUsed, emp.SalaryTokenLimit))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.JobKey, "job", "", "job key (required)")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&opts.WalletID, "wallet", "", "wallet ID (default: the tenant's wallet)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "external employee ID (default: generated)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Title, "title", "", "job title")
	cmd.Flags().StringVar(&opts.Department, "department", "", "department")
	cmd.Flags().Int64Var(&opts.BudgetLimit, "budget", 0, "salary token limit (0 for unlimited)")
	cmd.Flags().StringVar(&experience, "experience", "", "experience document (JSON or @file)")
	cmd.MarkFlagRequired("job")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func newEmployeeListCmd() *cobra.Command {
	var (
		configPath string
		filters    employee.ListFilters
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List employees",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			emps, err := employee.List(gormDB, filters)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(emps) == 0 {
				fmt.Fprintln(out, "No employees found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTENANT\tJOB\tSTATE\tBUDGET\tKPI")
			for _, e := range emps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.1f\n", e.ID, e.TenantID, e.JobKey, e.WorkState,
					formatBudget(e.SalaryTokenUsed, e.SalaryTokenLimit), e.KPIScore)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&filters.TenantID, "tenant", "", "filter by tenant")
	cmd.Flags().StringVar(&filters.JobKey, "job", "", "filter by job")
	cmd.Flags().StringVar(&filters.WorkState, "state", "", "filter by work state")
	return cmd
}

func newEmployeeShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an employee with its model usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			e, err := employee.Get(gormDB, args[0])
			if err != nil {
				return err
			}
			u, err := billing.UsageByEmployee(gormDB, e.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Employee:  %s\n", e.ID)
			fmt.Fprintf(out, "Tenant:    %s\n", e.TenantID)
			fmt.Fprintf(out, "Job:       %s\n", e.JobKey)
			fmt.Fprintf(out, "Wallet:    %s\n", e.WalletID)
			fmt.Fprintf(out, "State:     %s (%s)\n", e.WorkState, e.OnlineStatus)
			fmt.Fprintf(out, "Budget:    %s tokens\n", formatBudget(e.SalaryTokenUsed, e.SalaryTokenLimit))
			fmt.Fprintf(out, "KPI:       %.1f (%d succeeded, %d failed)\n", e.KPIScore, e.StepsSucceeded, e.StepsFailed)
			fmt.Fprintf(out, "Usage:     %s calls, %s tokens, cost %s\n",
				formatCount(u.Calls), formatCount(u.TotalTokens()), formatCount(u.Cost))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newEmployeeRetireCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "retire <id>",
		Short: "Retire an employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := employee.Retire(gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retired employee %s\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newEmployeeRaiseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "raise <id> <limit>",
		Short: "Set a new salary token limit",
		Long:  "Sets a new salary token limit. A suspended employee with headroom goes back online.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid limit %q: %w", args[1], err)
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := employee.RaiseLimit(gormDB, args[0], limit); err != nil {
				return err
			}
			e, err := employee.Get(gormDB, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Employee %s budget %s, state %s\n",
				e.ID, formatBudget(e.SalaryTokenUsed, e.SalaryTokenLimit), e.WorkState)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
