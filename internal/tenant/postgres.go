package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Beginner is satisfied by *pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Option func(*PgExecutor)

// WithRole makes every transaction SET LOCAL ROLE to role, so row level
// security applies even when the pool connects as a table owner.
func WithRole(role string) Option {
	return func(e *PgExecutor) { e.role = role }
}

type PgExecutor struct {
	db   Beginner
	role string
}

func NewPgExecutor(db Beginner, opts ...Option) *PgExecutor {
	e := &PgExecutor{db: db}
	for _, o := range opts {
		o(e)
	}
	return e
}

// WithTenant begins a transaction, scopes it to tenantID, runs fn and commits.
// Any error or panic from fn rolls back. The pooled connection leaves with no
// tenant setting because set_config is transaction local.
func (e *PgExecutor) WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) (err error) {
	id, err := Validate(tenantID)
	if err != nil {
		return err
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tenant tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			rollback(ctx, tx)
			panic(p)
		} else if err != nil {
			rollback(ctx, tx)
		}
	}()

	if e.role != "" {
		if _, err = tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{e.role}.Sanitize()); err != nil {
			return fmt.Errorf("set tenant role: %w", err)
		}
	}
	if _, err = tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", id); err != nil {
		return fmt.Errorf("set tenant scope: %w", err)
	}

	if err = fn(WithTenantID(ctx, id), tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tenant tx: %w", err)
	}
	return nil
}

// rollback survives a cancelled ctx; a timed out handler still has to release
// its transaction.
func rollback(ctx context.Context, tx pgx.Tx) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = tx.Rollback(rctx)
}
