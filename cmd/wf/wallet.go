package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/zulandar/workforce/internal/billing"
)

func newWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Tenant wallet commands",
	}

	cmd.AddCommand(newWalletCreateCmd())
	cmd.AddCommand(newWalletCreditCmd())
	cmd.AddCommand(newWalletShowCmd())
	return cmd
}

func newWalletCreateCmd() *cobra.Command {
	var (
		configPath string
		opts       billing.CreateWalletOpts
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a wallet for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			w, err := billing.CreateWallet(gormDB, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created wallet %s for %s (balance %s %s)\n",
				w.ID, w.OwnerID, formatCount(w.Balance), w.Currency)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "tenant ID (required)")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency code (default CRD)")
	cmd.Flags().Int64Var(&opts.OpeningBalance, "opening", 0, "opening balance in micro-credits")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func newWalletCreditCmd() *cobra.Command {
	var (
		configPath string
		ref        string
		remark     string
	)

	cmd := &cobra.Command{
		Use:   "credit <wallet-id> <amount>",
		Short: "Top up a wallet",
		Long:  "Credits a wallet. Repeating a credit with the same --ref is a no-op.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if ref == "" {
				ref = uuid.NewString()
			}
			res, err := billing.Credit(gormDB, args[0], amount, billing.Ref{
				RelatedID:   ref,
				RelatedType: "topup",
				Remark:      remark,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Duplicate {
				fmt.Fprintf(out, "Credit %s already applied; balance %s\n", ref, formatCount(res.Balance))
				return nil
			}
			fmt.Fprintf(out, "Credited %s to %s; balance %s\n", formatCount(amount), args[0], formatCount(res.Balance))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&ref, "ref", "", "idempotency reference (default: random)")
	cmd.Flags().StringVar(&remark, "remark", "", "free-text remark")
	return cmd
}

func newWalletShowCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "show <wallet-id>",
		Short: "Show a wallet, its reconciliation and recent ledger rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			w, err := billing.GetWallet(gormDB, args[0])
			if err != nil {
				return err
			}
			rec, err := billing.Reconcile(gormDB, w.ID)
			if err != nil {
				return err
			}
			txs, err := billing.Transactions(gormDB, w.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wallet:    %s\n", w.ID)
			fmt.Fprintf(out, "Owner:     %s\n", w.OwnerID)
			fmt.Fprintf(out, "Balance:   %s %s\n", formatCount(w.Balance), w.Currency)
			fmt.Fprintf(out, "Frozen:    %s\n", formatCount(w.FrozenBalance))
			fmt.Fprintf(out, "Spent:     %s\n", formatCount(w.LifetimeSpend))
			if rec.OK() {
				fmt.Fprintln(out, "Ledger:    reconciled")
			} else {
				fmt.Fprintf(out, "Ledger:    MISMATCH (ledger balance %d, frozen %d)\n", rec.LedgerBalance, rec.LedgerFrozen)
			}

			if len(txs) > limit && limit > 0 {
				txs = txs[len(txs)-limit:]
			}
			if len(txs) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tAMOUNT\tFROZEN\tREF\tREMARK")
			for _, tx := range txs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", tx.ID, tx.Type,
					formatCount(tx.Amount), formatCount(tx.FrozenDelta), tx.RelatedID, truncate(tx.Remark, 40))
			}
			return tw.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent ledger rows to show (0 for all)")
	return cmd
}
