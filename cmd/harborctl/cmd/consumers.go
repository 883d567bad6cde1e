package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborpipe/internal/channel"
	"github.com/austindbirch/harborpipe/internal/channel/nsqchan"
	"github.com/austindbirch/harborpipe/internal/config"
)

type consumerInfo struct {
	Name                    string `json:"name"`
	Enabled                 bool   `json:"enabled"`
	Topic                   string `json:"topic"`
	DLQ                     string `json:"dlq"`
	BatchSize               int    `json:"batchSize"`
	Concurrency             int    `json:"concurrency"`
	MaxReceiveCount         int    `json:"maxReceiveCount"`
	VisibilityTimeout       string `json:"visibilityTimeout"`
	ProcessingTimeout       string `json:"processingTimeout"`
	NeedsTransactionalStore bool   `json:"needsTransactionalStore"`
}

func describeConsumers(cfg config.Config) []consumerInfo {
	enabled := cfg.EnabledConsumers()
	out := make([]consumerInfo, 0, len(cfg.Consumers))
	for _, c := range cfg.Consumers {
		topic := nsqchan.Topic(cfg.NSQ.TopicPrefix, c.Name)
		out = append(out, consumerInfo{
			Name: c.Name,
			Enabled: slices.ContainsFunc(enabled, func(e config.Consumer) bool {
				return e.Name == c.Name
			}),
			Topic:                   topic,
			DLQ:                     channel.DLQName(topic),
			BatchSize:               c.BatchSize,
			Concurrency:             c.Concurrency,
			MaxReceiveCount:         c.MaxReceiveCount,
			VisibilityTimeout:       c.VisibilityTimeout.String(),
			ProcessingTimeout:       c.ProcessingTimeout.String(),
			NeedsTransactionalStore: c.NeedsTransactionalStore,
		})
	}
	return out
}

// consumersCmd represents the consumers command
var consumersCmd = &cobra.Command{
	Use:   "consumers",
	Short: "Show consumer registrations",
	Long: `Show every consumer registration after environment overrides, and whether
this configuration's workers run it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		infos := describeConsumers(cfg)
		if outputJSON {
			printOutput(cmd.OutOrStdout(), infos)
			return nil
		}
		out := cmd.OutOrStdout()
		for _, c := range infos {
			state := "enabled"
			if !c.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(out, "%s (%s)\n", c.Name, state)
			fmt.Fprintf(out, "  Topic: %s\n", c.Topic)
			fmt.Fprintf(out, "  DLQ: %s\n", c.DLQ)
			fmt.Fprintf(out, "  Batch size: %d, concurrency: %d\n", c.BatchSize, c.Concurrency)
			fmt.Fprintf(out, "  Max receives: %d\n", c.MaxReceiveCount)
			fmt.Fprintf(out, "  Visibility timeout: %s, processing timeout: %s\n", c.VisibilityTimeout, c.ProcessingTimeout)
			fmt.Fprintf(out, "  Transactional: %t\n", c.NeedsTransactionalStore)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(consumersCmd)
}
