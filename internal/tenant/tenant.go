// Package tenant runs units of work confined to one tenant. Two layers do the
// confining: every transaction sets app.tenant_id with set_config(..., true),
// which Postgres discards at commit or rollback, and row level security on
// every tenant table filters on that setting whatever SQL the handler sends.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrInvalidTenant = errors.New("invalid tenant id")
	ErrNoStore       = errors.New("consumer has no transactional store")
)

// Tx is what a handler may use to touch tenant data.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Executor runs fn scoped to tenantID.
type Executor interface {
	WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) error
}

type ctxKey struct{}

// WithTenantID stores the tenant id on ctx.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext returns the tenant id set by an Executor, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Validate canonicalises a tenant id.
func Validate(tenantID string) (string, error) {
	id, err := uuid.Parse(tenantID)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return id.String(), nil
}

// NoStore is the Tx handed to consumers that do not need the database. Every
// call fails with ErrNoStore.
type NoStore struct{}

func (NoStore) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, ErrNoStore
}

func (NoStore) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, ErrNoStore
}

func (NoStore) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{ErrNoStore}
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// ContextOnly scopes ctx to the tenant without opening a transaction. Handlers
// get NoStore.
type ContextOnly struct{}

func (ContextOnly) WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) error {
	id, err := Validate(tenantID)
	if err != nil {
		return err
	}
	return fn(WithTenantID(ctx, id), NoStore{})
}
