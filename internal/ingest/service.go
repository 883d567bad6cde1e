// Package ingest is the publishing side of the pipeline. It records each
// business event once per tenant and idempotency key, fans it out through the
// broker and remembers which targets accepted a copy, so a retried publish
// only reaches the targets that missed it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harborpipe/internal/broker"
	"github.com/austindbirch/harborpipe/internal/event"
	"github.com/austindbirch/harborpipe/internal/logging"
	"github.com/austindbirch/harborpipe/internal/metrics"
	"github.com/austindbirch/harborpipe/internal/tenant"
	"github.com/austindbirch/harborpipe/internal/tracing"
)

const (
	insertEventSQL = `
		INSERT INTO harborpipe.events (event_type, idempotency_key, payload)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT ON CONSTRAINT uq_events_tenant_idem DO NOTHING`

	// The row lock serialises concurrent publishes of the same key.
	lockEventSQL = `
		SELECT id, delivered_targets, fanned_out_at IS NOT NULL
		FROM harborpipe.events
		WHERE idempotency_key = $1
		FOR UPDATE`

	markEventSQL = `
		UPDATE harborpipe.events
		SET delivered_targets = $2,
		    fanned_out_at = CASE WHEN $3::bool THEN now() ELSE NULL END
		WHERE id = $1`
)

// Publisher is satisfied by *broker.Broker.
type Publisher interface {
	Targets() []string
	PublishRawTo(ctx context.Context, body []byte, attrs map[string]string, only []string) (broker.Result, error)
}

type Result struct {
	EventID   string   `json:"eventId"`
	Duplicate bool     `json:"duplicate"`
	Delivered []string `json:"delivered,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

type Service struct {
	exec     tenant.Executor
	pub      Publisher
	registry *event.Registry
	logger   *logging.Logger
}

func NewService(exec tenant.Executor, pub Publisher, registry *event.Registry, logger *logging.Logger) *Service {
	if registry == nil {
		registry = event.StandardRegistry()
	}
	if logger == nil {
		logger = logging.New("harborpipe-ingest")
	}
	return &Service{exec: exec, pub: pub, registry: registry, logger: logger}
}

// DefaultKey is the publish key used when the caller supplies none: a
// subscription is created once.
func DefaultKey(env event.Envelope) string {
	return env.EventType + ":" + env.BusinessEntityID()
}

// Publish validates env and fans it out at most once per idempotency key. A
// partial failure is returned as an error after the successful targets were
// recorded; publishing again reaches only the failed ones.
func (s *Service) Publish(ctx context.Context, env event.Envelope, idempotencyKey string) (Result, error) {
	ctx, span := tracing.StartPublishSpan(ctx, "ingest.Publish", env.EventType, env.TenantID)
	defer span.End()

	if err := s.registry.Validate(env); err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordEventPublished(env.EventType, "invalid")
		return Result{}, err
	}
	if idempotencyKey == "" {
		idempotencyKey = DefaultKey(env)
	}
	span.SetAttributes(tracing.AttrIdempotencyKey.String(idempotencyKey))
	log := s.logger.WithContext(ctx).WithTenant(env.TenantID).WithIdempotencyKey(idempotencyKey)

	body, err := env.Marshal()
	if err != nil {
		return Result{}, fmt.Errorf("marshal envelope: %w", err)
	}

	var (
		res        Result
		publishErr error
	)
	err = s.exec.WithTenant(ctx, env.TenantID, func(ctx context.Context, tx tenant.Tx) error {
		tracing.AddSpanEvent(ctx, "db.insert_event_idempotent")
		if _, err := tx.Exec(ctx, insertEventSQL, env.EventType, idempotencyKey, string(body)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		var (
			delivered []string
			fannedOut bool
		)
		if err := tx.QueryRow(ctx, lockEventSQL, idempotencyKey).Scan(&res.EventID, &delivered, &fannedOut); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("event %s vanished after insert", idempotencyKey)
			}
			return fmt.Errorf("lock event: %w", err)
		}
		if fannedOut {
			res.Duplicate = true
			res.Delivered = delivered
			return nil
		}

		pending := remaining(s.pub.Targets(), delivered)
		attrs := map[string]string{
			"eventType": env.EventType,
			"tenantId":  env.TenantID,
			"eventId":   res.EventID,
		}
		var out broker.Result
		if len(pending) > 0 {
			out, publishErr = s.pub.PublishRawTo(ctx, body, attrs, pending)
		}
		delivered = union(delivered, out.Delivered)
		res.Delivered = delivered
		for name := range out.Failed {
			res.Failed = append(res.Failed, name)
		}
		sort.Strings(res.Failed)

		complete := len(res.Failed) == 0
		if _, err := tx.Exec(ctx, markEventSQL, res.EventID, delivered, complete); err != nil {
			return fmt.Errorf("record fan-out: %w", err)
		}
		return nil
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordEventPublished(env.EventType, "failed")
		log.WithError(err).Error("publish failed")
		return Result{}, err
	}

	span.SetAttributes(attribute.String("event_id", res.EventID), attribute.Bool("duplicate", res.Duplicate))
	log = log.WithField("event_id", res.EventID)
	switch {
	case res.Duplicate:
		metrics.RecordEventPublished(env.EventType, "duplicate")
		log.Info("duplicate publish ignored")
	case publishErr != nil:
		tracing.SetSpanError(ctx, publishErr)
		metrics.RecordEventPublished(env.EventType, "partial")
		log.WithError(publishErr).WithField("failed_targets", res.Failed).Warn("fan-out incomplete")
		return res, publishErr
	default:
		metrics.RecordEventPublished(env.EventType, "published")
		log.WithField("targets", res.Delivered).Info("event published")
	}
	return res, nil
}

func remaining(targets, delivered []string) []string {
	out := []string{}
	for _, t := range targets {
		if !slices.Contains(delivered, t) {
			out = append(out, t)
		}
	}
	return out
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}
