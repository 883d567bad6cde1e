package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborpipe/internal/config"
	"github.com/austindbirch/harborpipe/internal/idempotency"
	"github.com/austindbirch/harborpipe/internal/inspect"
)

// idempotencyCmd represents the idempotency command
var idempotencyCmd = &cobra.Command{
	Use:   "idempotency",
	Short: "Inspect and prune idempotency records",
	Long:  `List, look up and prune the records that make consumer processing exactly-once.`,
}

// openStore builds the configured idempotency store and a func releasing its
// connections.
func openStore(ctx context.Context, cfg config.Config) (idempotency.Store, func(), error) {
	switch cfg.Idempotency.Backend {
	case "postgres":
		pool, err := connectDB(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		s, err := idempotency.Open(cfg, pool, nil)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	case "redis":
		rdb := newRedis(cfg)
		s, err := idempotency.Open(cfg, nil, rdb)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return s, func() { _ = rdb.Close() }, nil
	default:
		s, err := idempotency.Open(cfg, nil, nil)
		return s, func() {}, err
	}
}

// pruneCmd represents the idempotency prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete idempotency records past retention",
	Long: `Delete records whose last transition is older than --older-than. The worker
runs the same janitor periodically; this is for one-off cleanups.

Example:
  harborctl idempotency prune --older-than 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			olderThan = cfg.Idempotency.Retention
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		n, err := idempotency.PruneOnce(ctx, store, olderThan)
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]any{
				"backend":   cfg.Idempotency.Backend,
				"olderThan": olderThan.String(),
				"pruned":    n,
			})
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d %s records older than %s\n", n, cfg.Idempotency.Backend, olderThan)
		return nil
	},
}

// getCmd represents the idempotency get command
var getCmd = &cobra.Command{
	Use:   "get [idempotency-key]",
	Short: "Show one idempotency record",
	Long: `Show the record for a key of the form consumer:subscriptionId:messageId.

Example:
  harborctl idempotency get invoices:5d0e8f55-2f43-4d0a-b0b3-8a86a9b1d2c4:msg-1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		rec, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), rec)
			return nil
		}
		printRecord(cmd, rec)
		return nil
	},
}

// listRecordsCmd represents the idempotency list command
var listRecordsCmd = &cobra.Command{
	Use:   "list",
	Short: "List idempotency records",
	Long: `List idempotency records from Postgres, newest first.

Example:
  harborctl idempotency list --consumer invoices --status processing --since 2026-01-01T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := idempotencyFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		repo, err := inspect.Open(databaseURL(cfg))
		if err != nil {
			return err
		}
		defer repo.Close()

		records, err := repo.ListIdempotencyRecords(ctx, filter)
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), records)
			return nil
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No idempotency records found")
			return nil
		}
		for _, rec := range records {
			printRecord(cmd, rec)
		}
		return nil
	},
}

func idempotencyFilterFromFlags(cmd *cobra.Command) (inspect.IdempotencyFilter, error) {
	consumer, _ := cmd.Flags().GetString("consumer")
	status, _ := cmd.Flags().GetString("status")
	prefix, _ := cmd.Flags().GetString("prefix")
	sinceStr, _ := cmd.Flags().GetString("since")
	untilStr, _ := cmd.Flags().GetString("until")
	limit, _ := cmd.Flags().GetInt("limit")

	switch idempotency.Status(status) {
	case "", idempotency.StatusProcessing, idempotency.StatusCompleted, idempotency.StatusFailed:
	default:
		return inspect.IdempotencyFilter{}, fmt.Errorf("invalid status %q", status)
	}
	since, err := parseTimestamp(sinceStr)
	if err != nil {
		return inspect.IdempotencyFilter{}, fmt.Errorf("invalid 'since' timestamp: %w", err)
	}
	until, err := parseTimestamp(untilStr)
	if err != nil {
		return inspect.IdempotencyFilter{}, fmt.Errorf("invalid 'until' timestamp: %w", err)
	}
	return inspect.IdempotencyFilter{
		Consumer:  consumer,
		Status:    idempotency.Status(status),
		KeyPrefix: prefix,
		Since:     since,
		Until:     until,
		Limit:     limit,
	}, nil
}

func addRecordFilterFlags(c *cobra.Command) {
	c.Flags().String("consumer", "", "filter by consumer name")
	c.Flags().String("status", "", "filter by status: processing, completed or failed")
	c.Flags().String("prefix", "", "filter by idempotency key prefix")
	c.Flags().String("since", "", "processed at or after (RFC3339)")
	c.Flags().String("until", "", "processed before (RFC3339)")
	c.Flags().Int("limit", inspect.DefaultLimit, fmt.Sprintf("maximum records (at most %d)", inspect.MaxLimit))
}

func printRecord(cmd *cobra.Command, rec idempotency.Record) {
	out := cmd.OutOrStdout()
	processed := rec.ProcessedAt
	fmt.Fprintf(out, "%s\n", rec.Key)
	fmt.Fprintf(out, "  Consumer: %s\n", rec.Consumer)
	fmt.Fprintf(out, "  Status: %s\n", rec.Status)
	fmt.Fprintf(out, "  Processed: %s\n", formatTime(&processed))
	fmt.Fprintf(out, "  Completed: %s\n", formatTime(rec.CompletedAt))
}

func init() {
	rootCmd.AddCommand(idempotencyCmd)
	idempotencyCmd.AddCommand(pruneCmd)
	idempotencyCmd.AddCommand(getCmd)
	idempotencyCmd.AddCommand(listRecordsCmd)

	pruneCmd.Flags().Duration("older-than", 0, "age cutoff (default IDEMPOTENCY_RETENTION)")

	addRecordFilterFlags(listRecordsCmd)
	_ = listRecordsCmd.RegisterFlagCompletionFunc("status", completeStatuses)
	_ = listRecordsCmd.RegisterFlagCompletionFunc("consumer", completeConsumers)
}
