// Package reprocess moves dead-lettered messages back onto a live channel on
// operator request. A message leaves the DLQ only after its copy was accepted
// by the target, so a replay can be interrupted at any point without loss.
package reprocess

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harborpipe/internal/channel"
	"github.com/austindbirch/harborpipe/internal/delivery"
	"github.com/austindbirch/harborpipe/internal/logging"
	"github.com/austindbirch/harborpipe/internal/metrics"
)

const (
	DefaultMaxMessages = 100
	MaxMessagesCap     = 1000
)

var ErrTooManyMessages = errors.New("maxMessages exceeds the replay cap")

type Request struct {
	DLQRef           string `json:"dlqRef"`
	TargetChannelRef string `json:"targetChannelRef"`
	MaxMessages      int    `json:"maxMessages,omitempty"`
}

type Result struct {
	TotalProcessed int `json:"totalProcessed"`
	TotalReplayed  int `json:"totalReplayed"`
	TotalFailed    int `json:"totalFailed"`
	// Remaining is the DLQ depth after the run, or -1 when it could not be read.
	Remaining int `json:"remaining"`
}

type Options struct {
	DefaultMaxMessages int
	MaxMessagesCap     int
	BatchSize          int
	ReceiveWait        time.Duration
	// RetryDelay keeps a message that failed to replay invisible in the DLQ
	// for the rest of the run.
	RetryDelay time.Duration
}

type Reprocessor struct {
	channels *channel.Registry
	opts     Options
	logger   *logging.Logger
}

func New(channels *channel.Registry, opts Options, logger *logging.Logger) *Reprocessor {
	if opts.DefaultMaxMessages <= 0 {
		opts.DefaultMaxMessages = DefaultMaxMessages
	}
	if opts.MaxMessagesCap <= 0 {
		opts.MaxMessagesCap = MaxMessagesCap
	}
	if opts.BatchSize <= 0 || opts.BatchSize > 10 {
		opts.BatchSize = 10
	}
	if opts.ReceiveWait <= 0 {
		opts.ReceiveWait = 2 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.New("harborpipe-reprocessor")
	}
	return &Reprocessor{channels: channels, opts: opts, logger: logger}
}

// Replay re-sends up to MaxMessages dead letters to the target channel keeping
// their id, body and attributes. It stops early when the DLQ is drained or
// only returns messages already handled in this run.
func (r *Reprocessor) Replay(ctx context.Context, req Request) (Result, error) {
	limit := req.MaxMessages
	if limit == 0 {
		limit = r.opts.DefaultMaxMessages
	}
	if limit < 0 {
		return Result{}, fmt.Errorf("maxMessages must be positive, got %d", limit)
	}
	if limit > r.opts.MaxMessagesCap {
		return Result{}, fmt.Errorf("%w: %d > %d", ErrTooManyMessages, limit, r.opts.MaxMessagesCap)
	}
	dlq, err := r.channels.Get(req.DLQRef)
	if err != nil {
		return Result{}, fmt.Errorf("dlq: %w", err)
	}
	target, err := r.channels.Get(req.TargetChannelRef)
	if err != nil {
		return Result{}, fmt.Errorf("target: %w", err)
	}
	if req.DLQRef == req.TargetChannelRef {
		return Result{}, fmt.Errorf("dlq and target are both %q", req.DLQRef)
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"dlq":          req.DLQRef,
		"target":       req.TargetChannelRef,
		"max_messages": limit,
	})
	log.Info("replay started")

	var res Result
	seen := make(map[string]bool)
	for res.TotalProcessed < limit {
		batch := min(r.opts.BatchSize, limit-res.TotalProcessed)
		msgs, err := dlq.Receive(ctx, batch, r.opts.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return r.finish(ctx, dlq, res, log), fmt.Errorf("receive from %s: %w", req.DLQRef, err)
		}
		if len(msgs) == 0 {
			break
		}
		fresh := 0
		for _, m := range msgs {
			if seen[m.ID] {
				// Hand it back untouched for a later run.
				_ = dlq.Nack(ctx, m.ReceiptHandle, r.opts.RetryDelay)
				continue
			}
			seen[m.ID] = true
			fresh++
			res.TotalProcessed++
			if err := r.replayOne(ctx, dlq, target, m); err != nil {
				res.TotalFailed++
				log.WithMessage(m.ID).WithError(err).Warn("replay failed, message stays in dlq")
				continue
			}
			res.TotalReplayed++
		}
		if fresh == 0 {
			break
		}
	}

	metrics.RecordReplay(req.DLQRef, "replayed", res.TotalReplayed)
	metrics.RecordReplay(req.DLQRef, "failed", res.TotalFailed)
	res = r.finish(ctx, dlq, res, log)
	return res, nil
}

func (r *Reprocessor) replayOne(ctx context.Context, dlq, target channel.Channel, m delivery.Message) error {
	out := delivery.Message{ID: m.ID, Body: m.Body, Attributes: m.Attributes}
	if err := target.Send(ctx, out); err != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if nerr := dlq.Nack(nctx, m.ReceiptHandle, r.opts.RetryDelay); nerr != nil {
			return errors.Join(fmt.Errorf("send: %w", err), fmt.Errorf("nack: %w", nerr))
		}
		return fmt.Errorf("send: %w", err)
	}
	if err := dlq.Ack(ctx, m.ReceiptHandle); err != nil {
		// The copy is already on the target; a second copy after redelivery
		// is absorbed by the idempotency store.
		r.logger.Plain().WithMessage(m.ID).WithError(err).Warn("dlq delete failed after replay")
	}
	return nil
}

func (r *Reprocessor) finish(ctx context.Context, dlq channel.Channel, res Result, log *logging.LogEntry) Result {
	res.Remaining = -1
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if n, err := dlq.Depth(dctx); err == nil {
		res.Remaining = n
	}
	log.WithFields(map[string]any{
		"processed": res.TotalProcessed,
		"replayed":  res.TotalReplayed,
		"failed":    res.TotalFailed,
		"remaining": res.Remaining,
	}).Info("replay finished")
	return res
}
