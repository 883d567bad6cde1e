package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harborpipe/internal/channel"
	"github.com/austindbirch/harborpipe/internal/channel/nsqchan"
	"github.com/austindbirch/harborpipe/internal/config"
	"github.com/austindbirch/harborpipe/internal/consumers"
	"github.com/austindbirch/harborpipe/internal/db"
	"github.com/austindbirch/harborpipe/internal/health"
	"github.com/austindbirch/harborpipe/internal/idempotency"
	"github.com/austindbirch/harborpipe/internal/logging"
	"github.com/austindbirch/harborpipe/internal/metrics"
	"github.com/austindbirch/harborpipe/internal/tenant"
	"github.com/austindbirch/harborpipe/internal/tracing"
	"github.com/austindbirch/harborpipe/internal/worker"
)

// deps are the shared collaborators every consumer's worker is built from.
type deps struct {
	store    idempotency.Store
	executor tenant.Executor
	handlers map[string]worker.Handler
	sink     metrics.Sink
	logger   *logging.Logger
	// open returns the channel a consumer reads, ready to receive.
	open func(config.Consumer) (channel.Channel, error)
}

// buildWorkers creates one worker per enabled consumer. Channels opened before
// a failure are returned so the caller can stop them.
func buildWorkers(cfg config.Config, d deps) ([]*worker.Worker, []channel.Channel, error) {
	var (
		workers []*worker.Worker
		opened  []channel.Channel
	)
	for _, cons := range cfg.EnabledConsumers() {
		h, err := consumers.Lookup(d.handlers, cons.Name)
		if err != nil {
			return nil, opened, err
		}
		ch, err := d.open(cons)
		if err != nil {
			return nil, opened, fmt.Errorf("open channel for %s: %w", cons.Name, err)
		}
		opened = append(opened, ch)

		w, err := worker.New(worker.Options{
			Consumer:      cons,
			Channel:       ch,
			Store:         d.store,
			Executor:      d.executor,
			Handler:       h,
			Sink:          d.sink,
			Logger:        d.logger,
			PollWait:      cfg.Worker.PollWait,
			JitterPercent: cfg.Worker.JitterPercent,
		})
		if err != nil {
			return nil, opened, err
		}
		workers = append(workers, w)
	}
	if len(workers) == 0 {
		return nil, opened, errors.New("no consumers enabled")
	}
	return workers, opened, nil
}

// runWorkers blocks until ctx is cancelled and every worker has settled its
// in-flight batch.
func runWorkers(ctx context.Context, workers []*worker.Worker) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// stopper is implemented by channels holding a broker connection.
type stopper interface {
	Stop()
}

func stopChannels(chs []channel.Channel) {
	for _, ch := range chs {
		if s, ok := ch.(stopper); ok {
			s.Stop()
		}
	}
}

func healthChecks(pinger health.Pinger, rdb redis.UniversalClient, chs []channel.Channel) []health.Check {
	var checks []health.Check
	if pinger != nil {
		checks = append(checks, health.Postgres(pinger))
	}
	if rdb != nil {
		checks = append(checks, health.Redis(rdb))
	}
	for _, ch := range chs {
		checks = append(checks, health.Channel(ch))
	}
	return checks
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("harborpipe-worker")
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.Init(ctx, "harborpipe-worker", cfg.Tracing)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect
	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	var rdb *redis.Client
	if cfg.Idempotency.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}
	// keep the interface nil when redis is unused
	var redisClient redis.UniversalClient
	if rdb != nil {
		redisClient = rdb
	}
	store, err := idempotency.Open(cfg, pool, redisClient)
	if err != nil {
		logger.Plain().WithError(err).Fatal("idempotency store setup failed")
	}

	// Producer for dead letters and notifications
	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	workers, chs, err := buildWorkers(cfg, deps{
		store:    store,
		executor: tenant.NewPgExecutor(pool, tenant.WithRole(cfg.Tenant.Role)),
		handlers: consumers.Handlers(consumers.NewNSQNotifier(producer, "")),
		sink:     metrics.NewPromSink(reg, "harborpipe_consumer_"),
		logger:   logger,
		open: func(cons config.Consumer) (channel.Channel, error) {
			live, _ := nsqchan.ForConsumer(cfg.NSQ, cons, producer)
			if err := live.Connect(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr); err != nil {
				return nil, err
			}
			return live, nil
		},
	})
	if err != nil {
		stopChannels(chs)
		logger.Plain().WithError(err).Fatal("worker setup failed")
	}

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(healthChecks(pool, redisClient, chs)...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	go idempotency.RunPruner(ctx, store, cfg.Idempotency.Retention, cfg.Idempotency.PruneInterval, logger)

	logger.Plain().WithFields(map[string]any{
		"consumers": len(workers),
		"backend":   cfg.Idempotency.Backend,
	}).Info("worker running")

	if err := runWorkers(ctx, workers); err != nil {
		logger.Plain().WithError(err).Error("worker exited with error")
	}

	logger.Plain().Info("worker shutting down")
	stopChannels(chs)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
