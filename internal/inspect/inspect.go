// Package inspect answers operator list queries over the idempotency ledger
// and tenant data. Filters are parameter objects turned into gorm query
// chains; tenant reads run inside a transaction scoped like the workers'.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/austindbirch/harborpipe/internal/idempotency"
	"github.com/austindbirch/harborpipe/internal/tenant"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

type idempotencyModel struct {
	IdempotencyKey string `gorm:"primaryKey"`
	Consumer       string
	Status         string
	OwnerToken     string
	ProcessedAt    time.Time
	CompletedAt    *time.Time
}

func (idempotencyModel) TableName() string { return "harborpipe.idempotency_records" }

func (m idempotencyModel) toRecord() idempotency.Record {
	return idempotency.Record{
		Key:         m.IdempotencyKey,
		Consumer:    m.Consumer,
		Status:      idempotency.Status(m.Status),
		OwnerToken:  m.OwnerToken,
		ProcessedAt: m.ProcessedAt,
		CompletedAt: m.CompletedAt,
	}
}

type Invoice struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	SubscriptionID string    `json:"subscriptionId"`
	PlanID         string    `json:"planId"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	PeriodStart    time.Time `json:"periodStart"`
	PeriodEnd      time.Time `json:"periodEnd"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (Invoice) TableName() string { return "harborpipe.invoices" }

type IdempotencyFilter struct {
	Consumer  string
	Status    idempotency.Status
	KeyPrefix string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (f IdempotencyFilter) apply(tx *gorm.DB) *gorm.DB {
	if c := strings.TrimSpace(f.Consumer); c != "" {
		tx = tx.Where("consumer = ?", c)
	}
	if f.Status != "" {
		tx = tx.Where("status = ?", string(f.Status))
	}
	if p := strings.TrimSpace(f.KeyPrefix); p != "" {
		tx = tx.Where("idempotency_key LIKE ?", escapeLike(p)+"%")
	}
	if !f.Since.IsZero() {
		tx = tx.Where("processed_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		tx = tx.Where("processed_at < ?", f.Until.UTC())
	}
	return tx.Order("processed_at DESC").Limit(limit(f.Limit))
}

type InvoiceFilter struct {
	TenantID       string
	SubscriptionID string
	Status         string
	Currency       string
	Since          time.Time
	Until          time.Time
	Limit          int
}

// apply never filters on tenant_id; the row policy does.
func (f InvoiceFilter) apply(tx *gorm.DB) *gorm.DB {
	if s := strings.TrimSpace(f.SubscriptionID); s != "" {
		tx = tx.Where("subscription_id = ?", s)
	}
	if f.Status != "" {
		tx = tx.Where("status = ?", f.Status)
	}
	if c := strings.TrimSpace(f.Currency); c != "" {
		tx = tx.Where("currency = ?", strings.ToLower(c))
	}
	if !f.Since.IsZero() {
		tx = tx.Where("created_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		tx = tx.Where("created_at < ?", f.Until.UTC())
	}
	return tx.Order("created_at DESC").Limit(limit(f.Limit))
}

func limit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

type Repository struct {
	db   *gorm.DB
	role string
}

type Option func(*Repository)

// WithRole makes tenant reads assume role, as the workers do.
func WithRole(role string) Option {
	return func(r *Repository) { r.role = role }
}

func Open(dsn string, opts ...Option) (*Repository, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	return New(db, opts...), nil
}

func New(db *gorm.DB, opts ...Option) *Repository {
	r := &Repository{db: db}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *Repository) ListIdempotencyRecords(ctx context.Context, f IdempotencyFilter) ([]idempotency.Record, error) {
	var rows []idempotencyModel
	if err := f.apply(r.db.WithContext(ctx).Model(&idempotencyModel{})).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list idempotency records: %w", err)
	}
	out := make([]idempotency.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (r *Repository) ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error) {
	id, err := tenant.Validate(f.TenantID)
	if err != nil {
		return nil, err
	}
	var rows []Invoice
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.role != "" {
			if err := tx.Exec("SET LOCAL ROLE " + pgx.Identifier{r.role}.Sanitize()).Error; err != nil {
				return fmt.Errorf("set role: %w", err)
			}
		}
		if err := tx.Exec("SELECT set_config('app.tenant_id', ?, true)", id).Error; err != nil {
			return fmt.Errorf("scope tenant: %w", err)
		}
		return f.apply(tx.Model(&Invoice{})).Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return rows, nil
}
