// Package idempotency is the claim ledger that turns at-least-once delivery
// into exactly-once side effects. A worker claims a key before running the
// handler, completes it on success and releases it on failure. Claims are
// atomic in every backend: of any number of concurrent claimants exactly one
// wins. A processing record older than its staleness window belongs to an
// attempt that is presumed dead and the next claimant takes it over.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	// StatusFailed is never written by the worker, which deletes failed claims.
	// Operators may set it to force a record to be claimable again.
	StatusFailed Status = "failed"
)

// DefaultStaleAfter applies to consumers without an explicit staleness window.
const DefaultStaleAfter = 15 * time.Minute

var (
	ErrClaimLost = errors.New("claim no longer owned")
	ErrNotFound  = errors.New("idempotency record not found")

	// ErrClaimContended means the record kept changing while a claim was
	// attempted. The delivery should be retried.
	ErrClaimContended = errors.New("claim contended")
)

// Key builds consumer:businessEntityId:messageId.
func Key(consumer, entityID, messageID string) string {
	return strings.Join([]string{consumer, entityID, messageID}, ":")
}

type Record struct {
	Key         string     `json:"idempotencyKey"`
	Consumer    string     `json:"consumer"`
	Status      Status     `json:"status"`
	OwnerToken  string     `json:"ownerToken,omitempty"`
	ProcessedAt time.Time  `json:"processedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Claim is the outcome of a claim attempt. Only a Claimed claim may be
// completed or released.
type Claim struct {
	Key      string
	Consumer string
	Token    string
	Claimed  bool
	// TookOver is set when a stale or failed record was replaced.
	TookOver bool

	lease string // backend specific compare value
}

type Store interface {
	Claim(ctx context.Context, key, consumer string) (Claim, error)
	Complete(ctx context.Context, c Claim) error
	Release(ctx context.Context, c Claim) error
	Get(ctx context.Context, key string) (Record, error)
	// Prune removes records whose last transition is older than olderThan.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Execer is satisfied by pgx transactions and pools.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TxCompleter is implemented by stores that can complete a claim inside the
// caller's transaction, so the side effect and the completion commit together.
type TxCompleter interface {
	CompleteTx(ctx context.Context, tx Execer, c Claim) error
}

// Staleness maps consumer names to how long a processing record blocks its key.
type Staleness map[string]time.Duration

func (s Staleness) For(consumer string) time.Duration {
	if d, ok := s[consumer]; ok && d > 0 {
		return d
	}
	return DefaultStaleAfter
}
