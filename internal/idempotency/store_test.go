package idempotency

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type storeFactory func(t *testing.T) (Store, func(time.Duration))

func memoryFactory(t *testing.T) (Store, func(time.Duration)) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(Staleness{"invoices": time.Minute})
	s.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	return s, func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
}

func redisFactory(t *testing.T) (Store, func(time.Duration)) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, Staleness{"invoices": time.Minute}, time.Hour), mr.FastForward
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store, advance func(time.Duration))) {
	for name, f := range map[string]storeFactory{"memory": memoryFactory, "redis": redisFactory} {
		t.Run(name, func(t *testing.T) {
			s, advance := f(t)
			fn(t, s, advance)
		})
	}
}

func TestKey(t *testing.T) {
	if got := Key("invoices", "sub-1", "msg-1"); got != "invoices:sub-1:msg-1" {
		t.Errorf("Key() = %q", got)
	}
}

func TestStore_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		var winners atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, err := s.Claim(context.Background(), "invoices:sub-1:msg-1", "invoices")
				if err != nil {
					t.Errorf("Claim() error: %v", err)
					return
				}
				if c.Claimed {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := winners.Load(); got != 1 {
			t.Errorf("%d claimants won, want exactly 1", got)
		}
	})
}

func TestStore_CompleteBlocksFurtherClaims(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, advance func(time.Duration)) {
		ctx := context.Background()
		c, err := s.Claim(ctx, "k", "invoices")
		if err != nil || !c.Claimed {
			t.Fatalf("Claim() = %+v, %v", c, err)
		}
		if err := s.Complete(ctx, c); err != nil {
			t.Fatalf("Complete() error: %v", err)
		}

		rec, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if rec.Status != StatusCompleted || rec.CompletedAt == nil {
			t.Errorf("record = %+v, want completed", rec)
		}

		// completed records are never stale
		advance(2 * time.Minute)
		again, err := s.Claim(ctx, "k", "invoices")
		if err != nil {
			t.Fatalf("Claim() error: %v", err)
		}
		if again.Claimed {
			t.Error("completed key was claimed again")
		}
	})
}

func TestStore_ReleaseMakesKeyClaimable(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		c, _ := s.Claim(ctx, "k", "invoices")
		if err := s.Release(ctx, c); err != nil {
			t.Fatalf("Release() error: %v", err)
		}
		if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() after release error = %v, want ErrNotFound", err)
		}

		again, err := s.Claim(ctx, "k", "invoices")
		if err != nil || !again.Claimed {
			t.Fatalf("reclaim = %+v, %v", again, err)
		}
		if again.TookOver {
			t.Error("fresh claim after release should not be a takeover")
		}
	})
}

func TestStore_StaleProcessingIsTakenOver(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, advance func(time.Duration)) {
		ctx := context.Background()
		crashed, _ := s.Claim(ctx, "k", "invoices")

		advance(30 * time.Second)
		if c, _ := s.Claim(ctx, "k", "invoices"); c.Claimed {
			t.Fatal("live processing record was taken over")
		}

		advance(31 * time.Second)
		next, err := s.Claim(ctx, "k", "invoices")
		if err != nil || !next.Claimed {
			t.Fatalf("stale claim not taken over: %+v, %v", next, err)
		}

		// the crashed owner can no longer touch the record
		if err := s.Complete(ctx, crashed); !errors.Is(err, ErrClaimLost) {
			t.Errorf("Complete() by old owner error = %v, want ErrClaimLost", err)
		}
		if err := s.Release(ctx, crashed); !errors.Is(err, ErrClaimLost) {
			t.Errorf("Release() by old owner error = %v, want ErrClaimLost", err)
		}
		if err := s.Complete(ctx, next); err != nil {
			t.Errorf("Complete() by new owner error: %v", err)
		}
	})
}

func TestStore_UnclaimedCannotComplete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		_, _ = s.Claim(ctx, "k", "invoices")
		dup, _ := s.Claim(ctx, "k", "invoices")

		if err := s.Complete(ctx, dup); !errors.Is(err, ErrClaimLost) {
			t.Errorf("Complete(duplicate) error = %v, want ErrClaimLost", err)
		}
		if err := s.Release(ctx, dup); !errors.Is(err, ErrClaimLost) {
			t.Errorf("Release(duplicate) error = %v, want ErrClaimLost", err)
		}
	})
}

func TestMemoryStore_FailedRecordIsReclaimable(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	c, _ := s.Claim(ctx, "k", "notifications")
	s.records["k"].Status = StatusFailed

	next, err := s.Claim(ctx, "k", "notifications")
	if err != nil || !next.Claimed || !next.TookOver {
		t.Fatalf("failed record claim = %+v, %v", next, err)
	}
	if err := s.Complete(ctx, c); !errors.Is(err, ErrClaimLost) {
		t.Errorf("old owner Complete() error = %v", err)
	}
}

func TestMemoryStore_Prune(t *testing.T) {
	s := NewMemoryStore(nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	old, _ := s.Claim(ctx, "old", "invoices")
	_ = s.Complete(ctx, old)
	now = now.Add(48 * time.Hour)
	fresh, _ := s.Claim(ctx, "fresh", "invoices")
	_ = s.Complete(ctx, fresh)

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if len(s.Records()) != 1 {
		t.Errorf("records left = %d, want 1", len(s.Records()))
	}
}

// raceHook runs a callback before each command with the given name reaches Redis.
type raceHook map[string]func()

func (h raceHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h raceHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if f, ok := h[cmd.Name()]; ok {
			f()
		}
		return next(ctx, cmd)
	}
}

func (h raceHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisStore_ClaimRecordExpiresBetweenRoundTrips(t *testing.T) {
	const held = `{"idempotencyKey":"k","consumer":"invoices","status":"processing","ownerToken":"other","processedAt":"2026-01-01T00:00:00Z"}`

	tests := []struct {
		name        string
		hook        func(mr *miniredis.Miniredis) raceHook
		wantClaimed bool
		wantErr     error
	}{
		{
			name: "expires once",
			hook: func(mr *miniredis.Miniredis) raceHook {
				var gets atomic.Int32
				return raceHook{"get": func() {
					if gets.Add(1) == 1 {
						mr.Del("harborpipe:idem:k")
					}
				}}
			},
			wantClaimed: true,
		},
		{
			name: "keeps expiring",
			hook: func(mr *miniredis.Miniredis) raceHook {
				return raceHook{
					"set": func() { _ = mr.Set("harborpipe:idem:k", held) },
					"get": func() { mr.Del("harborpipe:idem:k") },
				}
			},
			wantErr: ErrClaimContended,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			defer rdb.Close()
			if err := mr.Set("harborpipe:idem:k", held); err != nil {
				t.Fatal(err)
			}
			rdb.AddHook(tt.hook(mr))
			s := NewRedisStore(rdb, nil, time.Hour)

			c, err := s.Claim(context.Background(), "k", "invoices")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Claim() error = %v, want %v", err, tt.wantErr)
			}
			if c.Claimed != tt.wantClaimed {
				t.Errorf("Claimed = %v, want %v", c.Claimed, tt.wantClaimed)
			}
			// a missing record must never read as a duplicate
			if err == nil && !c.Claimed {
				t.Error("Claim() reported an expired record as a duplicate")
			}
		})
	}
}

func TestRedisStore_FailedRecordIsReclaimable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb, nil, time.Hour)
	ctx := context.Background()

	mr.Set("harborpipe:idem:k", `{"idempotencyKey":"k","consumer":"notifications","status":"failed","processedAt":"2026-01-01T00:00:00Z"}`)

	c, err := s.Claim(ctx, "k", "notifications")
	if err != nil || !c.Claimed || !c.TookOver {
		t.Fatalf("Claim() = %+v, %v", c, err)
	}
	if ttl := mr.TTL("harborpipe:idem:k"); ttl != DefaultStaleAfter {
		t.Errorf("processing TTL = %v, want %v", ttl, DefaultStaleAfter)
	}
}

func TestRedisStore_CompletedRecordUsesRetentionTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb, Staleness{"invoices": time.Minute}, 2*time.Hour)
	ctx := context.Background()

	c, _ := s.Claim(ctx, "k", "invoices")
	if ttl := mr.TTL("harborpipe:idem:k"); ttl != time.Minute {
		t.Errorf("processing TTL = %v, want 1m", ttl)
	}
	if err := s.Complete(ctx, c); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if ttl := mr.TTL("harborpipe:idem:k"); ttl != 2*time.Hour {
		t.Errorf("completed TTL = %v, want 2h", ttl)
	}
	if n, err := s.Prune(ctx, time.Now()); n != 0 || err != nil {
		t.Errorf("Prune() = %d, %v; want no-op", n, err)
	}
}

func TestRedisStore_BackendErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb, nil, time.Hour)

	mr.SetError("LOADING")
	if _, err := s.Claim(context.Background(), "k", "invoices"); err == nil {
		t.Error("Claim() should surface backend errors")
	}
}

func TestStaleness(t *testing.T) {
	s := Staleness{"invoices": 3 * time.Minute, "broken": 0}
	if s.For("invoices") != 3*time.Minute {
		t.Errorf("For(invoices) = %v", s.For("invoices"))
	}
	if s.For("broken") != DefaultStaleAfter || s.For("unknown") != DefaultStaleAfter {
		t.Error("unset or zero staleness should fall back to the default")
	}
}

func TestPruneOnce(t *testing.T) {
	s := NewMemoryStore(nil)
	c, _ := s.Claim(context.Background(), "k", "invoices")
	_ = s.Complete(context.Background(), c)
	s.records["k"].ProcessedAt = time.Now().Add(-72 * time.Hour)
	done := time.Now().Add(-72 * time.Hour)
	s.records["k"].CompletedAt = &done

	n, err := PruneOnce(context.Background(), s, 24*time.Hour)
	if err != nil || n != 1 {
		t.Errorf("PruneOnce() = %d, %v; want 1", n, err)
	}
}
