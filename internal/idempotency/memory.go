package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store for tests and single-process runs.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*Record
	staleness Staleness
	now       func() time.Time
}

func NewMemoryStore(staleness Staleness) *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*Record),
		staleness: staleness,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Claim(ctx context.Context, key, consumer string) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	tookOver := false
	if cur, ok := s.records[key]; ok {
		stale := cur.Status == StatusProcessing && now.Sub(cur.ProcessedAt) > s.staleness.For(cur.Consumer)
		if cur.Status != StatusFailed && !stale {
			return Claim{Key: key, Consumer: consumer}, nil
		}
		tookOver = true
	}
	token := uuid.NewString()
	s.records[key] = &Record{
		Key:         key,
		Consumer:    consumer,
		Status:      StatusProcessing,
		OwnerToken:  token,
		ProcessedAt: now,
	}
	return Claim{Key: key, Consumer: consumer, Token: token, Claimed: true, TookOver: tookOver}, nil
}

// owned returns the record held by c. Callers hold s.mu.
func (s *MemoryStore) owned(c Claim) (*Record, bool) {
	r, ok := s.records[c.Key]
	if !ok || !c.Claimed || r.OwnerToken != c.Token || r.Status != StatusProcessing {
		return nil, false
	}
	return r, true
}

func (s *MemoryStore) Complete(ctx context.Context, c Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.owned(c)
	if !ok {
		return fmt.Errorf("complete %s: %w", c.Key, ErrClaimLost)
	}
	done := s.now()
	r.Status = StatusCompleted
	r.CompletedAt = &done
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, c Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owned(c); !ok {
		return fmt.Errorf("release %s: %w", c.Key, ErrClaimLost)
	}
	delete(s.records, c.Key)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return *r, nil
}

func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, r := range s.records {
		last := r.ProcessedAt
		if r.CompletedAt != nil {
			last = *r.CompletedAt
		}
		if last.Before(olderThan) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Records returns a snapshot of every record.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}
