// Package worker drives one consumer registration: it polls the consumer's
// channel, processes each message exactly once through the idempotency store
// and a tenant-scoped handler, and settles the batch with per-message acks and
// nacks so that one bad message never holds back the rest.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harborpipe/internal/channel"
	"github.com/austindbirch/harborpipe/internal/config"
	"github.com/austindbirch/harborpipe/internal/delivery"
	"github.com/austindbirch/harborpipe/internal/event"
	"github.com/austindbirch/harborpipe/internal/idempotency"
	"github.com/austindbirch/harborpipe/internal/logging"
	"github.com/austindbirch/harborpipe/internal/metrics"
	"github.com/austindbirch/harborpipe/internal/tenant"
	"github.com/austindbirch/harborpipe/internal/tracing"
)

// settleTimeout bounds releases, acks and nacks, which run on a context
// detached from the batch so they still happen during shutdown.
const settleTimeout = 5 * time.Second

// Handler applies one envelope's side effects inside the tenant scope.
type Handler interface {
	Handle(ctx context.Context, tx tenant.Tx, env event.Envelope) error
}

type HandlerFunc func(ctx context.Context, tx tenant.Tx, env event.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, tx tenant.Tx, env event.Envelope) error {
	return f(ctx, tx, env)
}

type BatchResult struct {
	Acknowledged []string
	Failed       []string
}

// BatchResponse is the partial batch failure report.
type BatchResponse struct {
	FailedMessageIDs []string `json:"failedMessageIds"`
}

func (r BatchResult) Response() BatchResponse {
	ids := r.Failed
	if ids == nil {
		ids = []string{}
	}
	return BatchResponse{FailedMessageIDs: ids}
}

func (r BatchResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Response())
}

type Options struct {
	Consumer config.Consumer
	Channel  channel.Channel
	Store    idempotency.Store
	// Executor opens tenant transactions. Consumers that do not need the
	// transactional store always get tenant.ContextOnly.
	Executor tenant.Executor
	Handler  Handler
	Registry *event.Registry
	Sink     metrics.Sink
	Logger   *logging.Logger

	PollWait time.Duration
	// RedeliveryDelay is the nack delay before jitter. Defaults to the
	// consumer's visibility timeout.
	RedeliveryDelay time.Duration
	JitterPercent   float64
}

type Worker struct {
	cons     config.Consumer
	ch       channel.Channel
	store    idempotency.Store
	exec     tenant.Executor
	handler  Handler
	registry *event.Registry
	sink     metrics.Sink
	logger   *logging.Logger

	pollWait  time.Duration
	redeliver time.Duration
	jitterPct float64
	rnd       func() float64
}

func New(opts Options) (*Worker, error) {
	if err := opts.Consumer.Validate(); err != nil {
		return nil, err
	}
	if opts.Channel == nil || opts.Store == nil || opts.Handler == nil {
		return nil, fmt.Errorf("worker %s: channel, store and handler are required", opts.Consumer.Name)
	}
	exec := opts.Executor
	if !opts.Consumer.NeedsTransactionalStore || exec == nil {
		if opts.Consumer.NeedsTransactionalStore {
			return nil, fmt.Errorf("worker %s: transactional consumer needs an executor", opts.Consumer.Name)
		}
		exec = tenant.ContextOnly{}
	}
	w := &Worker{
		cons:      opts.Consumer,
		ch:        opts.Channel,
		store:     opts.Store,
		exec:      exec,
		handler:   opts.Handler,
		registry:  opts.Registry,
		sink:      opts.Sink,
		logger:    opts.Logger,
		pollWait:  opts.PollWait,
		redeliver: opts.RedeliveryDelay,
		jitterPct: opts.JitterPercent,
		rnd:       rand.Float64,
	}
	if w.registry == nil {
		w.registry = event.StandardRegistry()
	}
	if w.sink == nil {
		w.sink = metrics.Nop{}
	}
	if w.logger == nil {
		w.logger = logging.New("harborpipe-worker")
	}
	w.logger = w.logger.Component(w.cons.Name)
	if w.pollWait <= 0 {
		w.pollWait = 5 * time.Second
	}
	if w.redeliver <= 0 {
		w.redeliver = w.cons.VisibilityTimeout
	}
	return w, nil
}

func (w *Worker) Consumer() config.Consumer { return w.cons }

// ProcessBatch handles every message independently and reports which ones may
// be acknowledged. Handler errors, panics and timeouts never escape; they show
// up as failed ids.
func (w *Worker) ProcessBatch(ctx context.Context, msgs []delivery.Message) BatchResult {
	errs := w.process(ctx, msgs)
	var res BatchResult
	for i, m := range msgs {
		if errs[i] != nil {
			res.Failed = append(res.Failed, m.ID)
		} else {
			res.Acknowledged = append(res.Acknowledged, m.ID)
		}
	}
	return res
}

func (w *Worker) process(ctx context.Context, msgs []delivery.Message) []error {
	errs := make([]error, len(msgs))
	var g errgroup.Group
	g.SetLimit(w.cons.Concurrency)
	for i := range msgs {
		g.Go(func() error {
			errs[i] = w.handleMessage(ctx, msgs[i])
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// handleMessage returns nil when the message may be acknowledged.
func (w *Worker) handleMessage(ctx context.Context, m delivery.Message) error {
	ctx, span := tracing.StartConsumeSpan(ctx, w.cons.Name, m.ID, m.ReceiveCount, m.Attributes)
	defer span.End()

	log := w.logger.ForDelivery(ctx, w.cons.Name, m.ID).
		WithField("receive_count", m.ReceiveCount)

	env, err := w.registry.Parse(m.Body)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("undecodable envelope")
		w.record("failed")
		return err
	}
	log = log.WithTenant(env.TenantID)
	key := idempotency.Key(w.cons.Name, env.BusinessEntityID(), m.ID)
	log = log.WithIdempotencyKey(key)
	span.SetAttributes(tracing.AttrTenant.String(env.TenantID), tracing.AttrIdempotencyKey.String(key))

	claim, err := w.store.Claim(ctx, key, w.cons.Name)
	if err != nil {
		metrics.RecordClaim(w.cons.Name, "error")
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("claim failed")
		w.record("failed")
		return err
	}
	if !claim.Claimed {
		metrics.RecordClaim(w.cons.Name, "duplicate")
		tracing.AddSpanEvent(ctx, tracing.EventDuplicate)
		log.Info("duplicate delivery, acknowledging")
		w.record("duplicate")
		return nil
	}
	if claim.TookOver {
		metrics.RecordClaim(w.cons.Name, "taken_over")
		tracing.AddSpanEvent(ctx, tracing.EventTakeover)
		log.Warn("took over stale claim")
	} else {
		metrics.RecordClaim(w.cons.Name, "claimed")
	}

	start := time.Now()
	completed, err := w.run(ctx, env, claim)
	elapsed := time.Since(start)
	metrics.ObserveHandler(w.cons.Name, elapsed)
	w.sink.Emit("handlerDuration", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds,
		map[string]string{"consumer": w.cons.Name})

	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).WithField("elapsed_ms", elapsed.Milliseconds()).Error("handler failed, releasing claim")
		w.release(ctx, claim, log)
		w.record("failed")
		return err
	}

	if !completed {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		err := w.store.Complete(cctx, claim)
		cancel()
		if err != nil {
			// The side effect happened and the claim still blocks the key, so
			// a redelivery is acknowledged as a duplicate either way.
			log.WithError(err).Error("complete failed after successful handler")
		}
	}
	tracing.AddSpanEvent(ctx, tracing.EventCompleted)
	log.WithField("elapsed_ms", elapsed.Milliseconds()).Info("message processed")
	w.record("acknowledged")
	return nil
}

// run executes the handler in the tenant scope under the processing timeout.
// completed reports whether the claim was completed inside the transaction.
func (w *Worker) run(ctx context.Context, env event.Envelope, claim idempotency.Claim) (completed bool, err error) {
	hctx, cancel := context.WithTimeout(ctx, w.cons.ProcessingTimeout)
	defer cancel()

	txc, inTx := w.store.(idempotency.TxCompleter)
	inTx = inTx && w.cons.NeedsTransactionalStore

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- w.exec.WithTenant(hctx, env.TenantID, func(ctx context.Context, tx tenant.Tx) error {
			if err := w.handler.Handle(ctx, tx, env); err != nil {
				return err
			}
			if inTx {
				return txc.CompleteTx(ctx, tx, claim)
			}
			return nil
		})
	}()

	select {
	case err = <-done:
	case <-hctx.Done():
		select {
		case err = <-done:
		default:
			err = fmt.Errorf("processing timeout after %s: %w", w.cons.ProcessingTimeout, hctx.Err())
		}
	}
	return inTx && err == nil, err
}

func (w *Worker) release(ctx context.Context, claim idempotency.Claim, log *logging.LogEntry) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := w.store.Release(rctx, claim); err != nil {
		if errors.Is(err, idempotency.ErrClaimLost) {
			log.Warn("claim already gone at release")
			return
		}
		log.WithError(err).Error("release failed, key stays blocked until stale")
		return
	}
	tracing.AddSpanEvent(ctx, tracing.EventReleased)
}

func (w *Worker) record(outcome string) {
	metrics.RecordMessage(w.cons.Name, outcome)
	w.sink.Emit("messages", 1, metrics.UnitCount, map[string]string{"consumer": w.cons.Name, "outcome": outcome})
}

// Run polls the channel with Concurrency pollers until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Plain().WithFields(map[string]any{
		"channel":     w.ch.Name(),
		"batch_size":  w.cons.BatchSize,
		"concurrency": w.cons.Concurrency,
	}).Info("worker started")

	var g errgroup.Group
	for i := 0; i < w.cons.Concurrency; i++ {
		g.Go(func() error { return w.poll(ctx) })
	}
	err := g.Wait()
	w.logger.Plain().Info("worker stopped")
	return err
}

func (w *Worker) poll(ctx context.Context) error {
	errBackoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := w.ch.Receive(ctx, w.cons.BatchSize, w.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Plain().WithError(err).Warn("receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errBackoff):
			}
			errBackoff = min(errBackoff*2, 10*time.Second)
			continue
		}
		errBackoff = 100 * time.Millisecond
		if len(msgs) == 0 {
			continue
		}
		w.settle(ctx, msgs, w.process(ctx, msgs))
	}
}

func (w *Worker) settle(ctx context.Context, msgs []delivery.Message, errs []error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	for i, m := range msgs {
		log := w.logger.Plain().WithConsumer(w.cons.Name).WithMessage(m.ID)
		if errs[i] == nil {
			if err := w.ch.Ack(sctx, m.ReceiptHandle); err != nil {
				log.WithError(err).Warn("ack failed, message will be redelivered")
			}
			continue
		}
		delay := w.nackDelay()
		if err := w.ch.Nack(sctx, m.ReceiptHandle, delay); err != nil {
			log.WithError(err).Warn("nack failed, message reappears after visibility timeout")
			continue
		}
		log.WithFields(map[string]any{
			"receive_count": m.ReceiveCount,
			"delay":         delay.String(),
		}).Info("requeue message")
	}
}

// nackDelay is the redelivery delay with +/- jitter.
func (w *Worker) nackDelay() time.Duration {
	j := 1 + (w.rnd()*2-1)*w.jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(w.redeliver) * j)
}
