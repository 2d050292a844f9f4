package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/workforce/internal/lease"
)

func newLeaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Compute lease commands",
	}

	cmd.AddCommand(newLeaseResourceCmd())
	cmd.AddCommand(newLeaseCreateCmd())
	cmd.AddCommand(newLeaseListCmd())
	cmd.AddCommand(newLeaseRenewCmd())
	cmd.AddCommand(newLeaseTerminateCmd())
	cmd.AddCommand(newLeaseSweepCmd())
	return cmd
}

func newLeaseResourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Leasable resource commands",
	}
	cmd.AddCommand(newLeaseResourceCreateCmd())
	cmd.AddCommand(newLeaseResourceListCmd())
	return cmd
}

func newLeaseResourceCreateCmd() *cobra.Command {
	var (
		configPath string
		opts       lease.CreateResourceOpts
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a leasable resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			r, err := lease.CreateResource(gormDB, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created resource %s (%s, capacity %s %s)\n",
				r.ID, r.Name, formatCount(r.MaxCapacity), r.UnitName)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.Name, "name", "", "resource name (required)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "resource type (e.g. gpu)")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "provider")
	cmd.Flags().Int64Var(&opts.PricePerHour, "price", 0, "micro-credits per unit per hour")
	cmd.Flags().StringVar(&opts.UnitName, "unit", "", "capacity unit name")
	cmd.Flags().Int64Var(&opts.MaxCapacity, "capacity", 0, "maximum capacity (required)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("capacity")
	return cmd
}

func newLeaseResourceListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leasable resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			resources, err := lease.ListResources(gormDB)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resources) == 0 {
				fmt.Fprintln(out, "No resources registered.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tUSAGE\tPRICE/H\tSTATUS")
			for _, r := range resources {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s %s\t%s\t%s\n", r.ID, r.Name, r.Type,
					formatCount(r.CurrentUsage), formatCount(r.MaxCapacity), r.UnitName,
					formatCount(r.PricePerHour), r.Status)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newLeaseCreateCmd() *cobra.Command {
	var (
		configPath string
		configDoc  string
		opts       lease.CreateContractOpts
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Lease capacity on a resource",
		Long:  "Reserves capacity for one period and bills the first period to the tenant's wallet.",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readJSONArg(configDoc, os.ReadFile)
			if err != nil {
				return fmt.Errorf("--contract-config: %w", err)
			}
			opts.Config = doc
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			c, err := lease.CreateContract(gormDB, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created contract %s on %s until %s (paid %s)\n",
				c.ID, c.ResourceID, c.EndTime.UTC().Format(time.RFC3339), formatCount(c.TotalPaid))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&opts.WalletID, "wallet", "", "wallet ID (default: the tenant's wallet)")
	cmd.Flags().StringVar(&opts.ResourceID, "resource", "", "resource ID (required)")
	cmd.Flags().Int64Var(&opts.Capacity, "capacity", 1, "units to reserve")
	cmd.Flags().DurationVar(&opts.Duration, "period", time.Hour, "lease period")
	cmd.Flags().BoolVar(&opts.AutoRenew, "auto-renew", false, "renew automatically at period end")
	cmd.Flags().StringVar(&configDoc, "contract-config", "", "contract config document (JSON or @file)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("resource")
	return cmd
}

func newLeaseListCmd() *cobra.Command {
	var (
		configPath string
		filters    lease.ContractFilters
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lease contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			contracts, err := lease.ListContracts(gormDB, filters)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(contracts) == 0 {
				fmt.Fprintln(out, "No contracts found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTENANT\tRESOURCE\tCAPACITY\tSTATUS\tENDS\tRENEW\tPAID")
			for _, c := range contracts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%t\t%s\n", c.ID, c.TenantID, c.ResourceID, c.Capacity,
					c.Status, c.EndTime.UTC().Format(time.RFC3339), c.AutoRenew, formatCount(c.TotalPaid))
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&filters.TenantID, "tenant", "", "filter by tenant")
	cmd.Flags().StringVar(&filters.ResourceID, "resource", "", "filter by resource")
	cmd.Flags().StringVar(&filters.Status, "status", "", "filter by status")
	return cmd
}

func newLeaseRenewCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "renew <contract-id>",
		Short: "Extend a contract by one period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			c, err := lease.Renew(gormDB, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renewed contract %s until %s (paid %s)\n",
				c.ID, c.EndTime.UTC().Format(time.RFC3339), formatCount(c.TotalPaid))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newLeaseTerminateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "terminate <contract-id>",
		Short: "End a contract and release its capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := lease.Terminate(gormDB, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Terminated contract %s\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newLeaseSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Renew or end every expired contract once",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			res, err := lease.Sweep(gormDB, time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Renewed %d, terminated %d, lapsed %d\n", len(res.Renewed), len(res.Terminated), len(res.Lapsed))
			for _, e := range res.Errors {
				fmt.Fprintf(out, "  error: %v\n", e)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
