package consumers

import (
	"context"
	"fmt"

	"github.com/austindbirch/harborpipe/internal/event"
	"github.com/austindbirch/harborpipe/internal/tenant"
)

const upsertEntitlementSQL = `
	INSERT INTO harborpipe.entitlements (subscription_id, plan_id, valid_from, valid_until)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (tenant_id, subscription_id) DO UPDATE
	SET plan_id = EXCLUDED.plan_id,
	    valid_from = EXCLUDED.valid_from,
	    valid_until = EXCLUDED.valid_until,
	    updated_at = now()`

// EntitlementHandler grants the plan for the first billing period.
type EntitlementHandler struct{}

func (EntitlementHandler) Handle(ctx context.Context, tx tenant.Tx, env event.Envelope) error {
	tag, err := tx.Exec(ctx, upsertEntitlementSQL, env.SubscriptionID, env.PlanID, env.PeriodStart, env.PeriodEnd)
	if err != nil {
		return fmt.Errorf("upsert entitlement for %s: %w", env.SubscriptionID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("upsert entitlement for %s: %d rows affected", env.SubscriptionID, tag.RowsAffected())
	}
	return nil
}
