package idempotency

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harborpipe/internal/config"
)

// StaleAfterRatio bounds how long a processing record blocks its key, as a
// multiple of the consumer's processing timeout. It stays below
// config.VisibilityRatio so a claim abandoned by a crashed worker is stale by
// the time the channel redelivers the message.
const StaleAfterRatio = 2

// StalenessFor derives each consumer's staleness window from its processing
// timeout. A live handler holds its claim for at most one processing timeout
// plus the release after it.
func StalenessFor(consumers []config.Consumer) Staleness {
	s := make(Staleness, len(consumers))
	for _, c := range consumers {
		s[c.Name] = StaleAfterRatio * c.ProcessingTimeout
	}
	return s
}

// Open builds the store named by cfg.Idempotency.Backend. pool is required for
// postgres and rdb for redis.
func Open(cfg config.Config, pool DB, rdb redis.UniversalClient) (Store, error) {
	staleness := StalenessFor(cfg.Consumers)
	switch cfg.Idempotency.Backend {
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("postgres idempotency backend needs a database pool")
		}
		return NewPgStore(pool, staleness), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis idempotency backend needs a redis client")
		}
		return NewRedisStore(rdb, staleness, cfg.Idempotency.Retention), nil
	case "memory":
		return NewMemoryStore(staleness), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Idempotency.Backend)
	}
}
