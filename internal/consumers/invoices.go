package consumers

import (
	"context"
	"fmt"

	"github.com/austindbirch/harborpipe/internal/event"
	"github.com/austindbirch/harborpipe/internal/tenant"
)

// tenant_id is filled from app.tenant_id and checked by the row policy.
const insertInvoiceSQL = `
	INSERT INTO harborpipe.invoices (subscription_id, plan_id, amount, currency, period_start, period_end)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (tenant_id, subscription_id, period_start) DO NOTHING`

// InvoiceHandler opens the first invoice of a new subscription.
type InvoiceHandler struct{}

func (InvoiceHandler) Handle(ctx context.Context, tx tenant.Tx, env event.Envelope) error {
	_, err := tx.Exec(ctx, insertInvoiceSQL,
		env.SubscriptionID, env.PlanID, env.Amount, env.Currency, env.PeriodStart, env.PeriodEnd)
	if err != nil {
		return fmt.Errorf("insert invoice for %s: %w", env.SubscriptionID, err)
	}
	return nil
}
