package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harborpipe/internal/channel"
	"github.com/austindbirch/harborpipe/internal/channel/nsqchan"
	"github.com/austindbirch/harborpipe/internal/config"
	"github.com/austindbirch/harborpipe/internal/health"
	"github.com/austindbirch/harborpipe/internal/logging"
	"github.com/austindbirch/harborpipe/internal/metrics"
)

type monitor struct {
	channels []channel.Channel
	logger   *logging.Logger
}

// monitoredChannels returns the live and dead-letter channel of every enabled
// consumer. Depth reads never publish, so no producer is attached.
func monitoredChannels(cfg config.Config) []channel.Channel {
	var out []channel.Channel
	for _, cons := range cfg.EnabledConsumers() {
		live, dlq := nsqchan.ForConsumer(cfg.NSQ, cons, nil)
		out = append(out, live, dlq)
	}
	return out
}

// update refreshes the depth gauge of every channel. A failing channel keeps
// its last value.
func (m *monitor) update(ctx context.Context) error {
	var errs []error
	for _, ch := range m.channels {
		n, err := ch.Depth(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		metrics.UpdateChannelDepth(ch.Name(), float64(n))
	}
	return errors.Join(errs...)
}

func (m *monitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.update(ctx); err != nil {
			m.logger.Plain().WithError(err).Error("Error updating channel depth")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("harborpipe-nsq-monitor")
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8084"
	}
	interval := 15 * time.Second
	if v, err := time.ParseDuration(os.Getenv("POLL_INTERVAL")); err == nil && v > 0 {
		interval = v
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	m := &monitor{channels: monitoredChannels(cfg), logger: logger}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go m.run(ctx, interval)

	var checks []health.Check
	for _, ch := range m.channels {
		checks = append(checks, health.Channel(ch))
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.HTTPHandler(checks...))
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":     srv.Addr,
			"nsqd":     cfg.NSQ.NsqdHTTPAddr,
			"interval": interval.String(),
			"channels": len(m.channels),
		}).Info("NSQ monitor starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("monitor HTTP server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("NSQ monitor stopped")
}
