package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborpipe/internal/channel/nsqchan"
	"github.com/austindbirch/harborpipe/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the pipeline's dependencies",
	Long: `Check Postgres, Redis (when it backs idempotency) and the nsqd stats
endpoint for every enabled consumer channel. Exits non-zero when any check fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var checks []health.Check
		pool, err := connectDB(ctx, cfg)
		if err != nil {
			dbErr := err
			checks = append(checks, health.Check{Name: "database", Fn: func(context.Context) error { return dbErr }})
		} else {
			defer pool.Close()
			checks = append(checks, health.Postgres(pool))
		}
		if cfg.Idempotency.Backend == "redis" {
			rdb := newRedis(cfg)
			defer rdb.Close()
			checks = append(checks, health.Redis(rdb))
		}
		for _, cons := range cfg.EnabledConsumers() {
			live, dlq := nsqchan.ForConsumer(cfg.NSQ, cons, nil)
			checks = append(checks, health.Channel(live), health.Channel(dlq))
		}

		st := health.Run(ctx, 5*time.Second, checks...)
		if outputJSON {
			printOutput(cmd.OutOrStdout(), st)
		} else {
			printHealth(cmd, st)
		}
		if !st.OK {
			return fmt.Errorf("unhealthy: %s", st.Message)
		}
		return nil
	},
}

func printHealth(cmd *cobra.Command, st health.Status) {
	out := cmd.OutOrStdout()
	if st.OK {
		fmt.Fprintln(out, "✓ Pipeline dependencies are healthy")
	} else {
		fmt.Fprintf(out, "✗ Pipeline is unhealthy: %s\n", st.Message)
	}
	names := make([]string, 0, len(st.Checks))
	for name := range st.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s: %s\n", name, st.Checks[name])
	}
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
