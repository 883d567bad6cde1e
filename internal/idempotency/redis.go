package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// compare-and-set: replace KEYS[1] only while it still holds ARGV[1]
const casScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	redis.call("set", KEYS[1], ARGV[2], "px", ARGV[3])
	return 1
end
return 0
`

// compare-and-delete
const cadScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// claimAttempts bounds how often Claim re-reads a record that expired or
// changed between its round trips.
const claimAttempts = 2

// RedisStore keeps one string key per record. A processing record is written
// with SET NX and a TTL equal to the consumer's staleness window, so an
// abandoned claim simply expires. Completed records live for the retention
// window and Prune has nothing to do.
type RedisStore struct {
	rdb       redis.UniversalClient
	prefix    string
	staleness Staleness
	retention time.Duration
	now       func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient, staleness Staleness, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RedisStore{
		rdb:       rdb,
		prefix:    "harborpipe:idem:",
		staleness: staleness,
		retention: retention,
		now:       time.Now,
	}
}

func (s *RedisStore) encode(r Record) string {
	b, _ := json.Marshal(r)
	return string(b)
}

func (s *RedisStore) Claim(ctx context.Context, key, consumer string) (Claim, error) {
	rec := Record{
		Key:         key,
		Consumer:    consumer,
		Status:      StatusProcessing,
		OwnerToken:  uuid.NewString(),
		ProcessedAt: s.now().UTC(),
	}
	val := s.encode(rec)
	ttl := s.staleness.For(consumer)

	for attempt := 0; attempt < claimAttempts; attempt++ {
		ok, err := s.rdb.SetNX(ctx, s.prefix+key, val, ttl).Result()
		if err != nil {
			return Claim{}, fmt.Errorf("claim %s: %w", key, err)
		}
		if ok {
			return Claim{Key: key, Consumer: consumer, Token: rec.OwnerToken, Claimed: true, lease: val}, nil
		}

		// a failed record may be taken over; anything else is a duplicate
		cur, err := s.rdb.Get(ctx, s.prefix+key).Result()
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			continue
		}
		if err != nil {
			return Claim{}, fmt.Errorf("claim %s: %w", key, err)
		}
		var existing Record
		if err := json.Unmarshal([]byte(cur), &existing); err != nil || existing.Status != StatusFailed {
			return Claim{Key: key, Consumer: consumer}, nil
		}
		swapped, err := s.rdb.Eval(ctx, casScript, []string{s.prefix + key}, cur, val, ttl.Milliseconds()).Int()
		if err != nil {
			return Claim{}, fmt.Errorf("claim %s: %w", key, err)
		}
		if swapped == 1 {
			return Claim{Key: key, Consumer: consumer, Token: rec.OwnerToken, Claimed: true, TookOver: true, lease: val}, nil
		}
		// the failed record changed under us; look again
	}
	return Claim{}, fmt.Errorf("claim %s: %w", key, ErrClaimContended)
}

func (s *RedisStore) Complete(ctx context.Context, c Claim) error {
	if !c.Claimed || c.lease == "" {
		return fmt.Errorf("complete %s: %w", c.Key, ErrClaimLost)
	}
	var rec Record
	if err := json.Unmarshal([]byte(c.lease), &rec); err != nil {
		return fmt.Errorf("complete %s: %w", c.Key, err)
	}
	done := s.now().UTC()
	rec.Status = StatusCompleted
	rec.CompletedAt = &done

	n, err := s.rdb.Eval(ctx, casScript, []string{s.prefix + c.Key}, c.lease, s.encode(rec), s.retention.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("complete %s: %w", c.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("complete %s: %w", c.Key, ErrClaimLost)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, c Claim) error {
	if !c.Claimed || c.lease == "" {
		return fmt.Errorf("release %s: %w", c.Key, ErrClaimLost)
	}
	n, err := s.rdb.Eval(ctx, cadScript, []string{s.prefix + c.Key}, c.lease).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", c.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", c.Key, ErrClaimLost)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	cur, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(cur), &rec); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return rec, nil
}

// Prune is a no-op; key TTLs enforce retention.
func (s *RedisStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}
