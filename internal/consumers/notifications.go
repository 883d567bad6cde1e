package consumers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/harborpipe/internal/event"
	"github.com/austindbirch/harborpipe/internal/tenant"
	"github.com/austindbirch/harborpipe/internal/tracing"
)

const WelcomeNotification = "subscription.welcome"

type Notification struct {
	Type           string            `json:"type"`
	TenantID       string            `json:"tenantId"`
	SubscriptionID string            `json:"subscriptionId"`
	PlanID         string            `json:"planId"`
	BillingCycle   string            `json:"billingCycle"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	At             time.Time         `json:"at"`
	Trace          map[string]string `json:"trace,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotificationHandler needs no database; it hands a welcome notice to the
// notifier.
type NotificationHandler struct {
	Notifier Notifier
}

func (h NotificationHandler) Handle(ctx context.Context, _ tenant.Tx, env event.Envelope) error {
	if h.Notifier == nil {
		return fmt.Errorf("notifications: no notifier configured")
	}
	n := Notification{
		Type:           WelcomeNotification,
		TenantID:       env.TenantID,
		SubscriptionID: env.SubscriptionID,
		PlanID:         env.PlanID,
		BillingCycle:   env.BillingCycle,
		Amount:         env.Amount,
		Currency:       env.Currency,
		At:             env.Timestamp,
	}
	if err := h.Notifier.Notify(ctx, n); err != nil {
		return fmt.Errorf("notify %s: %w", env.SubscriptionID, err)
	}
	return nil
}

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQNotifier publishes notifications as JSON to an NSQ topic read by the
// delivery service.
type NSQNotifier struct {
	pub   Publisher
	topic string
}

func NewNSQNotifier(pub Publisher, topic string) *NSQNotifier {
	if topic == "" {
		topic = "notifications"
	}
	return &NSQNotifier{pub: pub, topic: topic}
}

// Notify does nothing once ctx is done. The worker has given up on the
// delivery by then and will retry it.
func (n *NSQNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish %s: %w", n.topic, err)
	}
	note.Trace = tracing.InjectAttributes(ctx, nil)
	if len(note.Trace) == 0 {
		note.Trace = nil
	}
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	if err := n.pub.Publish(n.topic, body); err != nil {
		return fmt.Errorf("publish %s: %w", n.topic, err)
	}
	return nil
}
