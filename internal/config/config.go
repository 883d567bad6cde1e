package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32 // upper bound on pooled connections; callers wait when exhausted
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, used for /stats depth queries
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	TopicPrefix    string // per-consumer topics are <prefix>.<consumer>
	RawDelivery    bool   // publish bare envelopes without the message frame
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Kafka struct {
	Brokers []string // empty disables the analytics fan-out target
	Topic   string
}

type Idempotency struct {
	Backend       string        // postgres, redis or memory
	Retention     time.Duration // completed records older than this are pruned
	PruneInterval time.Duration // 0 disables the worker janitor
}

type Reprocessor struct {
	DefaultMaxMessages int
	MaxMessagesCap     int
	BatchSize          int
	ReceiveWait        time.Duration
	RetryDelay         time.Duration // how long a failed replay stays invisible in the DLQ
}

type Worker struct {
	HTTPPort      string        // Worker HTTP metrics/health port
	PollWait      time.Duration // long-poll duration per receive call
	JitterPercent float64       // redelivery delay jitter (0.0-1.0)
	Consumers     []string      // enabled consumer names; empty enables all
}

type Tracing struct {
	Enabled        bool
	Endpoint       string  // OTLP/HTTP collector, host:port or URL
	SampleRatio    float64 // fraction of new traces recorded; parents decide for continued ones
	ServiceVersion string
	InstanceID     string
}

type Tenant struct {
	Role string // role assumed with SET LOCAL ROLE inside tenant transactions
}

type Config struct {
	AppName     string
	LogLevel    string
	DB          DB
	NSQ         NSQ
	Redis       Redis
	Kafka       Kafka
	Idempotency Idempotency
	Reprocessor Reprocessor
	Worker      Worker
	Tenant      Tenant
	Tracing     Tracing
	Consumers   []Consumer
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvList splits a comma separated env var, dropping empty items
func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harborpipe"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "harborpipe"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			TopicPrefix:    getenv("NSQ_TOPIC_PREFIX", "subscription_events"),
			RawDelivery:    getenvBool("NSQ_RAW_DELIVERY", false),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Kafka: Kafka{
			Brokers: getenvList("KAFKA_BROKERS"),
			Topic:   getenv("KAFKA_ANALYTICS_TOPIC", "subscription-events"),
		},
		Idempotency: Idempotency{
			Backend:       getenv("IDEMPOTENCY_BACKEND", "postgres"),
			Retention:     getenvDuration("IDEMPOTENCY_RETENTION", 30*24*time.Hour),
			PruneInterval: getenvDuration("IDEMPOTENCY_PRUNE_INTERVAL", time.Hour),
		},
		Reprocessor: Reprocessor{
			DefaultMaxMessages: getenvInt("REPLAY_DEFAULT_MAX_MESSAGES", 100),
			MaxMessagesCap:     getenvInt("REPLAY_MAX_MESSAGES_CAP", 1000),
			BatchSize:          getenvInt("REPLAY_BATCH_SIZE", 10),
			ReceiveWait:        getenvDuration("REPLAY_RECEIVE_WAIT", 2*time.Second),
			RetryDelay:         getenvDuration("REPLAY_RETRY_DELAY", 5*time.Minute),
		},
		Worker: Worker{
			HTTPPort:      ":" + getenv("WORKER_HTTP_PORT", "8083"),
			PollWait:      getenvDuration("WORKER_POLL_WAIT", 5*time.Second),
			JitterPercent: getenvFloat("REDELIVERY_JITTER_PCT", 0.25),
			Consumers:     getenvList("WORKER_CONSUMERS"),
		},
		Tenant: Tenant{
			Role: getenv("TENANT_DB_ROLE", "harborpipe_app"),
		},
		Tracing: Tracing{
			Enabled:        getenvBool("TRACING_ENABLED", true),
			Endpoint:       getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "tempo:4318"),
			SampleRatio:    getenvFloat("TRACE_SAMPLE_RATIO", 1.0),
			ServiceVersion: getenv("SERVICE_VERSION", "dev"),
			InstanceID:     getenv("HOSTNAME", getenv("POD_NAME", "unknown")),
		},
		Consumers: consumersFromEnv(DefaultConsumers()),
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Validate checks every consumer registration and the reprocessor bounds.
func (c Config) Validate() error {
	if len(c.Consumers) == 0 {
		return fmt.Errorf("no consumers registered")
	}
	seen := make(map[string]bool, len(c.Consumers))
	for _, cons := range c.Consumers {
		if seen[cons.Name] {
			return fmt.Errorf("consumer %q registered twice", cons.Name)
		}
		seen[cons.Name] = true
		if err := cons.Validate(); err != nil {
			return err
		}
	}
	for _, name := range c.Worker.Consumers {
		if !seen[name] {
			return fmt.Errorf("WORKER_CONSUMERS names unknown consumer %q", name)
		}
	}
	switch c.Idempotency.Backend {
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("unknown idempotency backend %q", c.Idempotency.Backend)
	}
	if c.Reprocessor.MaxMessagesCap <= 0 {
		return fmt.Errorf("replay cap must be positive")
	}
	if c.Reprocessor.DefaultMaxMessages <= 0 || c.Reprocessor.DefaultMaxMessages > c.Reprocessor.MaxMessagesCap {
		return fmt.Errorf("replay default %d must be within (0, %d]", c.Reprocessor.DefaultMaxMessages, c.Reprocessor.MaxMessagesCap)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO %v must be within [0, 1]", c.Tracing.SampleRatio)
	}
	if c.DB.MaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive")
	}
	return nil
}

// EnabledConsumers returns the registrations this process should run.
func (c Config) EnabledConsumers() []Consumer {
	if len(c.Worker.Consumers) == 0 {
		return c.Consumers
	}
	want := make(map[string]bool, len(c.Worker.Consumers))
	for _, n := range c.Worker.Consumers {
		want[n] = true
	}
	var out []Consumer
	for _, cons := range c.Consumers {
		if want[cons.Name] {
			out = append(out, cons)
		}
	}
	return out
}

// Consumer looks up a registration by name.
func (c Config) Consumer(name string) (Consumer, bool) {
	for _, cons := range c.Consumers {
		if cons.Name == name {
			return cons, true
		}
	}
	return Consumer{}, false
}
