// Package broker fans one published envelope out to every registered target.
// Each target gets its own copy with its own message id; a failing target never
// holds up the others. The broker neither deduplicates nor inspects envelopes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/austindbirch/harborpipe/internal/delivery"
	"github.com/austindbirch/harborpipe/internal/event"
	"github.com/austindbirch/harborpipe/internal/logging"
	"github.com/austindbirch/harborpipe/internal/metrics"
	"github.com/austindbirch/harborpipe/internal/tracing"
)

// Target receives copies. channel.Channel satisfies it.
type Target interface {
	Name() string
	Send(ctx context.Context, msg delivery.Message) error
}

type Result struct {
	Delivered []string
	Failed    map[string]error
}

type Broker struct {
	mu      sync.RWMutex
	targets map[string]Target
	logger  *logging.Logger
	newID   func() string
}

func New(targets ...Target) *Broker {
	b := &Broker{
		targets: make(map[string]Target, len(targets)),
		logger:  logging.New("harborpipe-broker"),
		newID:   uuid.NewString,
	}
	for _, t := range targets {
		b.Register(t)
	}
	return b
}

func (b *Broker) Register(t Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets[t.Name()] = t
}

func (b *Broker) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targets, name)
}

// Targets lists registered target names in sorted order.
func (b *Broker) Targets() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.targets))
	for name := range b.targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Publish sends env to every target. The returned error joins the per-target
// failures; Result is always populated.
func (b *Broker) Publish(ctx context.Context, env event.Envelope) (Result, error) {
	body, err := env.Marshal()
	if err != nil {
		return Result{}, fmt.Errorf("marshal envelope: %w", err)
	}
	attrs := map[string]string{
		"eventType": env.EventType,
		"tenantId":  env.TenantID,
	}
	return b.PublishRaw(ctx, body, attrs)
}

func (b *Broker) PublishRaw(ctx context.Context, body []byte, attrs map[string]string) (Result, error) {
	return b.PublishRawTo(ctx, body, attrs, nil)
}

// PublishRawTo is PublishRaw restricted to the named targets. A nil list means
// every target; unknown names are ignored.
func (b *Broker) PublishRawTo(ctx context.Context, body []byte, attrs map[string]string, only []string) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "broker.Publish")
	defer span.End()

	b.mu.RLock()
	targets := make([]Target, 0, len(b.targets))
	if only == nil {
		for _, t := range b.targets {
			targets = append(targets, t)
		}
	} else {
		for _, name := range only {
			if t, ok := b.targets[name]; ok {
				targets = append(targets, t)
			}
		}
	}
	b.mu.RUnlock()
	span.SetAttributes(tracing.AttrTargets.Int(len(targets)))

	attrs = tracing.InjectAttributes(ctx, copyAttrs(attrs))

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res = Result{Failed: make(map[string]error)}
	)
	for _, t := range targets {
		msg := delivery.Message{ID: b.newID(), Body: body, Attributes: copyAttrs(attrs)}
		wg.Add(1)
		go func(t Target, msg delivery.Message) {
			defer wg.Done()
			err := t.Send(ctx, msg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[t.Name()] = err
				metrics.RecordFanOut(t.Name(), "failed")
				b.logger.WithContext(ctx).WithMessage(msg.ID).WithField("target", t.Name()).WithError(err).Error("fan-out send failed")
				return
			}
			res.Delivered = append(res.Delivered, t.Name())
			metrics.RecordFanOut(t.Name(), "delivered")
		}(t, msg)
	}
	wg.Wait()
	sort.Strings(res.Delivered)

	if len(res.Failed) == 0 {
		return res, nil
	}
	names := make([]string, 0, len(res.Failed))
	for name := range res.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("target %s: %w", name, res.Failed[name]))
	}
	err := errors.Join(errs...)
	tracing.SetSpanError(ctx, err)
	return res, err
}

func copyAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
