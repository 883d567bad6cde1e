package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// VisibilityRatio is the minimum visibility timeout expressed as a multiple of the
// processing timeout. A slow but successful handler must finish well before the
// channel makes its message visible again.
const VisibilityRatio = 6

// DLQRetention is how long dead-lettered messages stay recoverable.
const DLQRetention = 14 * 24 * time.Hour

var consumerName = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// Consumer is the static registration of one event consumer. It is fixed at
// deployment and never changes while the process runs.
type Consumer struct {
	Name                    string
	BatchSize               int
	Concurrency             int // concurrent pollers, and concurrent messages per batch
	MaxReceiveCount         int
	VisibilityTimeout       time.Duration
	ProcessingTimeout       time.Duration
	NeedsTransactionalStore bool
}

func (c Consumer) Validate() error {
	if !consumerName.MatchString(c.Name) {
		return fmt.Errorf("consumer name %q is invalid", c.Name)
	}
	if c.BatchSize < 1 || c.BatchSize > 10 {
		return fmt.Errorf("consumer %s: batch size %d must be within [1, 10]", c.Name, c.BatchSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("consumer %s: concurrency must be at least 1", c.Name)
	}
	if c.MaxReceiveCount < 1 {
		return fmt.Errorf("consumer %s: max receive count must be at least 1", c.Name)
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("consumer %s: processing timeout must be positive", c.Name)
	}
	if c.VisibilityTimeout < VisibilityRatio*c.ProcessingTimeout {
		return fmt.Errorf("consumer %s: visibility timeout %s must be at least %dx the processing timeout %s",
			c.Name, c.VisibilityTimeout, VisibilityRatio, c.ProcessingTimeout)
	}
	return nil
}

// DefaultConsumers are the registrations for subscription.created. Invoices are
// heavy and go one message per batch; the others batch up to ten.
func DefaultConsumers() []Consumer {
	return []Consumer{
		{
			Name:                    "invoices",
			BatchSize:               1,
			Concurrency:             4,
			MaxReceiveCount:         3,
			ProcessingTimeout:       30 * time.Second,
			VisibilityTimeout:       180 * time.Second,
			NeedsTransactionalStore: true,
		},
		{
			Name:                    "entitlements",
			BatchSize:               10,
			Concurrency:             2,
			MaxReceiveCount:         5,
			ProcessingTimeout:       10 * time.Second,
			VisibilityTimeout:       60 * time.Second,
			NeedsTransactionalStore: true,
		},
		{
			Name:                    "notifications",
			BatchSize:               10,
			Concurrency:             2,
			MaxReceiveCount:         5,
			ProcessingTimeout:       10 * time.Second,
			VisibilityTimeout:       60 * time.Second,
			NeedsTransactionalStore: false,
		},
	}
}

// consumersFromEnv applies CONSUMER_<NAME>_* overrides to the given registrations.
func consumersFromEnv(base []Consumer) []Consumer {
	out := make([]Consumer, len(base))
	for i, c := range base {
		prefix := "CONSUMER_" + strings.ToUpper(strings.ReplaceAll(c.Name, "-", "_")) + "_"
		c.BatchSize = getenvInt(prefix+"BATCH_SIZE", c.BatchSize)
		c.Concurrency = getenvInt(prefix+"CONCURRENCY", c.Concurrency)
		c.MaxReceiveCount = getenvInt(prefix+"MAX_RECEIVE_COUNT", c.MaxReceiveCount)
		c.VisibilityTimeout = getenvDuration(prefix+"VISIBILITY_TIMEOUT", c.VisibilityTimeout)
		c.ProcessingTimeout = getenvDuration(prefix+"PROCESSING_TIMEOUT", c.ProcessingTimeout)
		c.NeedsTransactionalStore = getenvBool(prefix+"TRANSACTIONAL", c.NeedsTransactionalStore)
		out[i] = c
	}
	return out
}
