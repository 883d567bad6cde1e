package idempotency

import (
	"context"
	"time"

	"github.com/austindbirch/harborpipe/internal/logging"
	"github.com/austindbirch/harborpipe/internal/metrics"
)

// PruneOnce deletes records older than retention and records the count.
func PruneOnce(ctx context.Context, s Store, retention time.Duration) (int64, error) {
	n, err := s.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	metrics.RecordPruned(n)
	return n, nil
}

// RunPruner prunes every interval until ctx is done. It never touches the
// processing hot path; a failed run is logged and retried on the next tick.
func RunPruner(ctx context.Context, s Store, retention, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := PruneOnce(ctx, s, retention)
			if err != nil {
				logger.Plain().WithError(err).Error("idempotency prune failed")
				continue
			}
			if n > 0 {
				logger.Plain().WithField("pruned", n).Info("idempotency records pruned")
			}
		}
	}
}
