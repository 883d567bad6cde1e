package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborpipe/internal/broker"
	"github.com/austindbirch/harborpipe/internal/channel/nsqchan"
	"github.com/austindbirch/harborpipe/internal/config"
	"github.com/austindbirch/harborpipe/internal/event"
	"github.com/austindbirch/harborpipe/internal/ingest"
	"github.com/austindbirch/harborpipe/internal/tenant"
)

// analyticsTarget is the broker target name of the Kafka copy.
const analyticsTarget = "analytics"

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [tenant-id] [subscription-id]",
	Short: "Publish a subscription.created event",
	Long: `Record a subscription.created event and fan it out to every consumer channel.

Publishing the same idempotency key again is a no-op once every target received
its copy. If some targets failed, publishing again only reaches those.

Example:
  harborctl publish 7b0c2a3e-1d7c-4f3e-9a51-3f1f0b7f6d10 5d0e8f55-2f43-4d0a-b0b3-8a86a9b1d2c4 \
    --plan pro --cycle monthly --amount 9900 --currency usd`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := envelopeFromFlags(cmd, args)
		if err != nil {
			return err
		}
		if err := event.StandardRegistry().Validate(env); err != nil {
			return err
		}
		idempotencyKey, _ := cmd.Flags().GetString("idempotency-key")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		pool, err := connectDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		producer, err := newProducer(cfg)
		if err != nil {
			return err
		}
		defer producer.Stop()

		b, closeBroker := newBroker(cfg, producer)
		defer closeBroker()

		logger := newLogger()
		exec := tenant.NewPgExecutor(pool, tenant.WithRole(cfg.Tenant.Role))
		svc := ingest.NewService(exec, b, nil, logger)

		res, err := svc.Publish(ctx, env, idempotencyKey)
		if res.EventID != "" {
			if outputJSON {
				printOutput(cmd.OutOrStdout(), res)
			} else {
				printPublishResult(cmd, res)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		return nil
	},
}

// envelopeFromFlags builds the envelope from the positional ids and flags.
// The period defaults to one billing cycle starting now.
func envelopeFromFlags(cmd *cobra.Command, args []string) (event.Envelope, error) {
	plan, _ := cmd.Flags().GetString("plan")
	cycle, _ := cmd.Flags().GetString("cycle")
	amount, _ := cmd.Flags().GetInt64("amount")
	currency, _ := cmd.Flags().GetString("currency")
	startStr, _ := cmd.Flags().GetString("period-start")
	endStr, _ := cmd.Flags().GetString("period-end")

	start, err := parseTimestamp(startStr)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("invalid 'period-start': %w", err)
	}
	if start.IsZero() {
		start = time.Now().UTC().Truncate(time.Second)
	}
	end, err := parseTimestamp(endStr)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("invalid 'period-end': %w", err)
	}
	if end.IsZero() {
		if cycle == "annual" {
			end = start.AddDate(1, 0, 0)
		} else {
			end = start.AddDate(0, 1, 0)
		}
	}
	return event.NewSubscriptionCreated(args[0], args[1], plan, cycle, amount, currency, start, end), nil
}

// newBroker registers one NSQ target per consumer registration, plus the Kafka
// analytics target when brokers are configured. Disabled consumers still get
// their copy so they can catch up once enabled.
func newBroker(cfg config.Config, pub nsqchan.Publisher) (*broker.Broker, func()) {
	b := broker.New()
	for _, cons := range cfg.Consumers {
		live, _ := nsqchan.ForConsumer(cfg.NSQ, cons, pub)
		b.Register(live)
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return b, func() {}
	}
	kt := broker.NewKafkaTarget(analyticsTarget, broker.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	b.Register(kt)
	return b, func() { _ = kt.Close() }
}

func printPublishResult(cmd *cobra.Command, res ingest.Result) {
	out := cmd.OutOrStdout()
	if res.Duplicate {
		fmt.Fprintf(out, "Event %s was already published; nothing sent\n", res.EventID)
		return
	}
	fmt.Fprintf(out, "Published event: %s\n", res.EventID)
	fmt.Fprintf(out, "  Delivered to: %v\n", res.Delivered)
	if len(res.Failed) > 0 {
		fmt.Fprintf(out, "  Failed: %v (publish again to retry them)\n", res.Failed)
	}
}

func addPublishFlags(c *cobra.Command) {
	c.Flags().String("plan", "", "plan id (required)")
	c.Flags().String("cycle", "monthly", "billing cycle: monthly or annual")
	c.Flags().Int64("amount", 0, "amount in minor currency units")
	c.Flags().String("currency", "usd", "ISO 4217 currency code")
	c.Flags().String("period-start", "", "billing period start (RFC3339, default now)")
	c.Flags().String("period-end", "", "billing period end (RFC3339, default one cycle after start)")
	c.Flags().String("idempotency-key", "", "idempotency key for deduplication (default eventType:subscriptionId)")
	_ = c.MarkFlagRequired("plan")
}

func init() {
	rootCmd.AddCommand(publishCmd)
	addPublishFlags(publishCmd)
}
