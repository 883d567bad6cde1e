package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const SubscriptionCreated = "subscription.created"

var ErrInvalidEnvelope = errors.New("invalid event envelope")

// Envelope is the single producer-side record for one business action. It is
// published once and never mutated afterwards.
type Envelope struct {
	EventType      string    `json:"eventType"`
	TenantID       string    `json:"tenantId"`
	SubscriptionID string    `json:"subscriptionId"`
	PlanID         string    `json:"planId"`
	BillingCycle   string    `json:"billingCycle"` // monthly or annual
	Amount         int64     `json:"amount"`       // minor units
	Currency       string    `json:"currency"`
	PeriodStart    time.Time `json:"periodStart"`
	PeriodEnd      time.Time `json:"periodEnd"`
	Timestamp      time.Time `json:"timestamp"`
}

// BusinessEntityID is the entity part of an idempotency key.
func (e Envelope) BusinessEntityID() string {
	return e.SubscriptionID
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a raw envelope body. It does not validate business fields.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: missing eventType", ErrInvalidEnvelope)
	}
	return env, nil
}

// ValidateSubscriptionCreated checks the fields every subscription.created
// consumer relies on.
func ValidateSubscriptionCreated(e Envelope) error {
	var problems []string
	if e.EventType != SubscriptionCreated {
		problems = append(problems, fmt.Sprintf("eventType %q", e.EventType))
	}
	if _, err := uuid.Parse(e.TenantID); err != nil {
		problems = append(problems, "tenantId is not a uuid")
	}
	if _, err := uuid.Parse(e.SubscriptionID); err != nil {
		problems = append(problems, "subscriptionId is not a uuid")
	}
	if strings.TrimSpace(e.PlanID) == "" {
		problems = append(problems, "planId is empty")
	}
	if e.BillingCycle != "monthly" && e.BillingCycle != "annual" {
		problems = append(problems, fmt.Sprintf("billingCycle %q", e.BillingCycle))
	}
	if e.Amount < 0 {
		problems = append(problems, "amount is negative")
	}
	if len(e.Currency) != 3 {
		problems = append(problems, fmt.Sprintf("currency %q", e.Currency))
	}
	if e.PeriodStart.IsZero() || e.PeriodEnd.IsZero() || !e.PeriodEnd.After(e.PeriodStart) {
		problems = append(problems, "period bounds")
	}
	if e.Timestamp.IsZero() {
		problems = append(problems, "timestamp is missing")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEnvelope, strings.Join(problems, "; "))
	}
	return nil
}

// NewSubscriptionCreated fills the envelope constants for a new subscription.
func NewSubscriptionCreated(tenantID, subscriptionID, planID, cycle string, amount int64, currency string, start, end time.Time) Envelope {
	return Envelope{
		EventType:      SubscriptionCreated,
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		PlanID:         planID,
		BillingCycle:   cycle,
		Amount:         amount,
		Currency:       strings.ToLower(currency),
		PeriodStart:    start.UTC(),
		PeriodEnd:      end.UTC(),
		Timestamp:      time.Now().UTC(),
	}
}
