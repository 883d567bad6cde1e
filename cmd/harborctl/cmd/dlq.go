package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborpipe/internal/channel"
	"github.com/austindbirch/harborpipe/internal/channel/nsqchan"
	"github.com/austindbirch/harborpipe/internal/config"
	"github.com/austindbirch/harborpipe/internal/reprocess"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered messages",
	Long:  `Show dead-letter queue depths and move dead letters back onto a consumer channel.`,
}

type depthRow struct {
	Consumer string `json:"consumer"`
	Depth    int    `json:"depth"`
	DLQDepth int    `json:"dlqDepth"`
}

// depthCmd represents the dlq depth command
var depthCmd = &cobra.Command{
	Use:   "depth [consumer...]",
	Short: "Show channel and DLQ depth per consumer",
	Long: `Show how many messages wait on each consumer channel and its dead-letter queue.

Example:
  harborctl dlq depth invoices`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		consumers, err := selectConsumers(cfg, args)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		rows := make([]depthRow, 0, len(consumers))
		for _, cons := range consumers {
			live, dlq := nsqchan.ForConsumer(cfg.NSQ, cons, nil)
			row := depthRow{Consumer: cons.Name}
			if row.Depth, err = live.Depth(ctx); err != nil {
				return fmt.Errorf("depth of %s: %w", live.Name(), err)
			}
			if row.DLQDepth, err = dlq.Depth(ctx); err != nil {
				return fmt.Errorf("depth of %s: %w", dlq.Name(), err)
			}
			rows = append(rows, row)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), rows)
			return nil
		}
		out := cmd.OutOrStdout()
		for _, r := range rows {
			fmt.Fprintf(out, "%s\n", r.Consumer)
			fmt.Fprintf(out, "  Channel depth: %d\n", r.Depth)
			fmt.Fprintf(out, "  DLQ depth: %d\n", r.DLQDepth)
		}
		return nil
	},
}

// replayCmd represents the dlq replay command
var replayCmd = &cobra.Command{
	Use:   "replay [consumer]",
	Short: "Replay dead letters onto a consumer channel",
	Long: `Move up to --max-messages dead letters of a consumer back onto a channel,
keeping their message id, body and attributes. The target defaults to the
consumer's own channel. Messages that fail to replay stay in the DLQ.

Example:
  harborctl dlq replay invoices --max-messages 50`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		maxMessages, _ := cmd.Flags().GetInt("max-messages")
		if target == "" {
			target = args[0]
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, ok := cfg.Consumer(args[0]); !ok {
			return fmt.Errorf("unknown consumer %q", args[0])
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		producer, err := newProducer(cfg)
		if err != nil {
			return err
		}
		defer producer.Stop()

		reg, dlqs := channelRegistry(cfg, producer)
		dlq := dlqs[args[0]]
		if err := dlq.Connect(cfg.NSQ.NsqdTCPAddr, ""); err != nil {
			return fmt.Errorf("failed to read %s: %w", dlq.Name(), err)
		}
		defer dlq.Stop()

		r := reprocess.New(reg, reprocessOptions(cfg), newLogger())
		res, err := r.Replay(ctx, reprocess.Request{
			DLQRef:           dlq.Name(),
			TargetChannelRef: target,
			MaxMessages:      maxMessages,
		})
		if err != nil {
			return fmt.Errorf("failed to replay: %w", err)
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), res)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Replayed %d of %d dead letters from %s to %s\n", res.TotalReplayed, res.TotalProcessed, dlq.Name(), target)
		if res.TotalFailed > 0 {
			fmt.Fprintf(out, "  Failed: %d (still in the DLQ)\n", res.TotalFailed)
		}
		if res.Remaining >= 0 {
			fmt.Fprintf(out, "  Remaining in DLQ: %d\n", res.Remaining)
		}
		return nil
	},
}

// channelRegistry registers the live and DLQ channel of every consumer. The
// DLQ channels are returned by consumer name so the caller can connect the one
// it reads from; sending never needs a connection.
func channelRegistry(cfg config.Config, pub nsqchan.Publisher) (*channel.Registry, map[string]*nsqchan.Channel) {
	reg := channel.NewRegistry()
	dlqs := make(map[string]*nsqchan.Channel, len(cfg.Consumers))
	for _, cons := range cfg.Consumers {
		live, dlq := nsqchan.ForConsumer(cfg.NSQ, cons, pub)
		reg.Register(live)
		reg.Register(dlq)
		dlqs[cons.Name] = dlq
	}
	return reg, dlqs
}

func reprocessOptions(cfg config.Config) reprocess.Options {
	return reprocess.Options{
		DefaultMaxMessages: cfg.Reprocessor.DefaultMaxMessages,
		MaxMessagesCap:     cfg.Reprocessor.MaxMessagesCap,
		BatchSize:          cfg.Reprocessor.BatchSize,
		ReceiveWait:        cfg.Reprocessor.ReceiveWait,
		RetryDelay:         cfg.Reprocessor.RetryDelay,
	}
}

// selectConsumers resolves names to registrations; no names selects all.
func selectConsumers(cfg config.Config, names []string) ([]config.Consumer, error) {
	if len(names) == 0 {
		return cfg.Consumers, nil
	}
	out := make([]config.Consumer, 0, len(names))
	for _, n := range names {
		cons, ok := cfg.Consumer(n)
		if !ok {
			return nil, fmt.Errorf("unknown consumer %q", n)
		}
		out = append(out, cons)
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(depthCmd)
	dlqCmd.AddCommand(replayCmd)

	replayCmd.Flags().String("target", "", "channel to replay into (default the consumer's channel)")
	replayCmd.Flags().Int("max-messages", 0, fmt.Sprintf("dead letters to move (default %d, at most %d)",
		reprocess.DefaultMaxMessages, reprocess.MaxMessagesCap))

	depthCmd.ValidArgsFunction = completeConsumers
	replayCmd.ValidArgsFunction = completeOneConsumer
	_ = replayCmd.RegisterFlagCompletionFunc("target", completeChannels)
}
