package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborpipe/internal/inspect"
)

// invoicesCmd represents the invoices command
var invoicesCmd = &cobra.Command{
	Use:   "invoices",
	Short: "Inspect invoices written by the invoices consumer",
}

// listInvoicesCmd represents the invoices list command
var listInvoicesCmd = &cobra.Command{
	Use:   "list [tenant-id]",
	Short: "List a tenant's invoices",
	Long: `List invoices of one tenant, newest first. The query runs scoped to the
tenant under the same role the workers use, so row-level security applies.

Example:
  harborctl invoices list 7b0c2a3e-1d7c-4f3e-9a51-3f1f0b7f6d10 --currency usd --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := invoiceFilterFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		repo, err := inspect.Open(databaseURL(cfg), inspect.WithRole(cfg.Tenant.Role))
		if err != nil {
			return err
		}
		defer repo.Close()

		invoices, err := repo.ListInvoices(ctx, filter)
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), invoices)
			return nil
		}
		out := cmd.OutOrStdout()
		if len(invoices) == 0 {
			fmt.Fprintln(out, "No invoices found")
			return nil
		}
		for _, inv := range invoices {
			start, end := inv.PeriodStart, inv.PeriodEnd
			fmt.Fprintf(out, "%s\n", inv.ID)
			fmt.Fprintf(out, "  Subscription: %s (%s)\n", inv.SubscriptionID, inv.PlanID)
			fmt.Fprintf(out, "  Amount: %d %s\n", inv.Amount, inv.Currency)
			fmt.Fprintf(out, "  Period: %s to %s\n", formatTime(&start), formatTime(&end))
			fmt.Fprintf(out, "  Status: %s\n", inv.Status)
		}
		return nil
	},
}

func invoiceFilterFromFlags(cmd *cobra.Command, tenantID string) (inspect.InvoiceFilter, error) {
	subscription, _ := cmd.Flags().GetString("subscription")
	status, _ := cmd.Flags().GetString("status")
	currency, _ := cmd.Flags().GetString("currency")
	sinceStr, _ := cmd.Flags().GetString("since")
	untilStr, _ := cmd.Flags().GetString("until")
	limit, _ := cmd.Flags().GetInt("limit")

	since, err := parseTimestamp(sinceStr)
	if err != nil {
		return inspect.InvoiceFilter{}, fmt.Errorf("invalid 'since' timestamp: %w", err)
	}
	until, err := parseTimestamp(untilStr)
	if err != nil {
		return inspect.InvoiceFilter{}, fmt.Errorf("invalid 'until' timestamp: %w", err)
	}
	return inspect.InvoiceFilter{
		TenantID:       tenantID,
		SubscriptionID: subscription,
		Status:         status,
		Currency:       currency,
		Since:          since,
		Until:          until,
		Limit:          limit,
	}, nil
}

func addInvoiceFilterFlags(c *cobra.Command) {
	c.Flags().String("subscription", "", "filter by subscription id")
	c.Flags().String("status", "", "filter by invoice status")
	c.Flags().String("currency", "", "filter by currency")
	c.Flags().String("since", "", "created at or after (RFC3339)")
	c.Flags().String("until", "", "created before (RFC3339)")
	c.Flags().Int("limit", inspect.DefaultLimit, fmt.Sprintf("maximum invoices (at most %d)", inspect.MaxLimit))
}

func init() {
	rootCmd.AddCommand(invoicesCmd)
	invoicesCmd.AddCommand(listInvoicesCmd)

	addInvoiceFilterFlags(listInvoicesCmd)
}
