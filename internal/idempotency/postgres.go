package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the Postgres store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	claimSQL = `
		INSERT INTO harborpipe.idempotency_records AS r (idempotency_key, consumer, status, owner_token, processed_at)
		VALUES ($1, $2, 'processing', $3, now())
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'processing', owner_token = EXCLUDED.owner_token, processed_at = now(), completed_at = NULL
		WHERE r.status = 'failed'
		   OR (r.status = 'processing' AND r.processed_at < now() - make_interval(secs => $4))
		RETURNING (xmax <> 0) AS took_over`

	completeSQL = `
		UPDATE harborpipe.idempotency_records
		SET status = 'completed', completed_at = now()
		WHERE idempotency_key = $1 AND owner_token = $2 AND status = 'processing'`

	releaseSQL = `
		DELETE FROM harborpipe.idempotency_records
		WHERE idempotency_key = $1 AND owner_token = $2 AND status = 'processing'`

	getSQL = `
		SELECT idempotency_key, consumer, status, owner_token, processed_at, completed_at
		FROM harborpipe.idempotency_records
		WHERE idempotency_key = $1`

	pruneSQL = `
		DELETE FROM harborpipe.idempotency_records
		WHERE COALESCE(completed_at, processed_at) < $1`
)

// PgStore keeps records in harborpipe.idempotency_records. The primary key on
// idempotency_key is the distributed lock.
type PgStore struct {
	db        DB
	staleness Staleness
	newToken  func() string
}

func NewPgStore(db DB, staleness Staleness) *PgStore {
	return &PgStore{db: db, staleness: staleness, newToken: uuid.NewString}
}

func (s *PgStore) Claim(ctx context.Context, key, consumer string) (Claim, error) {
	token := s.newToken()
	var tookOver bool
	err := s.db.QueryRow(ctx, claimSQL, key, consumer, token, s.staleness.For(consumer).Seconds()).Scan(&tookOver)
	if errors.Is(err, pgx.ErrNoRows) {
		// conflict with a live or completed record
		return Claim{Key: key, Consumer: consumer}, nil
	}
	if err != nil {
		return Claim{}, fmt.Errorf("claim %s: %w", key, err)
	}
	return Claim{Key: key, Consumer: consumer, Token: token, Claimed: true, TookOver: tookOver}, nil
}

func (s *PgStore) Complete(ctx context.Context, c Claim) error {
	return s.CompleteTx(ctx, s.db, c)
}

func (s *PgStore) CompleteTx(ctx context.Context, tx Execer, c Claim) error {
	if !c.Claimed {
		return fmt.Errorf("complete %s: %w", c.Key, ErrClaimLost)
	}
	tag, err := tx.Exec(ctx, completeSQL, c.Key, c.Token)
	if err != nil {
		return fmt.Errorf("complete %s: %w", c.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete %s: %w", c.Key, ErrClaimLost)
	}
	return nil
}

func (s *PgStore) Release(ctx context.Context, c Claim) error {
	if !c.Claimed {
		return fmt.Errorf("release %s: %w", c.Key, ErrClaimLost)
	}
	tag, err := s.db.Exec(ctx, releaseSQL, c.Key, c.Token)
	if err != nil {
		return fmt.Errorf("release %s: %w", c.Key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release %s: %w", c.Key, ErrClaimLost)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, key string) (Record, error) {
	var (
		r         Record
		status    string
		completed *time.Time
	)
	err := s.db.QueryRow(ctx, getSQL, key).Scan(&r.Key, &r.Consumer, &status, &r.OwnerToken, &r.ProcessedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	r.Status = Status(status)
	r.CompletedAt = completed
	return r, nil
}

func (s *PgStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, pruneSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
