package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/harborpipe/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time           time.Time      `json:"time"`
	Level          LogLevel       `json:"level"`
	Message        string         `json:"msg"`
	Service        string         `json:"service,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	Consumer       string         `json:"consumer,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`

	out *output
}

// output serializes writes so concurrent workers never interleave lines. It
// is shared by a logger and its components, and so is the level threshold.
type output struct {
	mu  sync.Mutex
	w   io.Writer
	min LogLevel
}

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel maps a LOG_LEVEL value to a level, defaulting to info.
func ParseLevel(s string) LogLevel {
	lvl := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[lvl]; ok {
		return lvl
	}
	return LevelInfo
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	out     *output
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

// NewWithWriter creates a logger that writes JSON lines to w
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{
		service: service,
		out:     &output{w: w, min: LevelInfo},
	}
}

// SetLevel drops entries below lvl for this logger and its components.
func (l *Logger) SetLevel(lvl LogLevel) {
	l.out.mu.Lock()
	l.out.min = ParseLevel(string(lvl))
	l.out.mu.Unlock()
}

// Component returns a logger sharing this logger's output under another service name
func (l *Logger) Component(name string) *Logger {
	return &Logger{service: l.service + "." + name, out: l.out}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	entry.TraceID = tracing.GetTraceID(ctx)
	return entry
}

// ForDelivery starts an entry for one message delivered to a consumer.
func (l *Logger) ForDelivery(ctx context.Context, consumer, messageID string) *LogEntry {
	return l.WithContext(ctx).WithConsumer(consumer).WithMessage(messageID)
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		out:     l.out,
	}
}

// WithTenant sets the tenant ID for the log entry
func (e *LogEntry) WithTenant(tenantID string) *LogEntry {
	e.TenantID = tenantID
	return e
}

// WithConsumer sets the consumer name for the log entry
func (e *LogEntry) WithConsumer(consumer string) *LogEntry {
	e.Consumer = consumer
	return e
}

// WithMessage sets the delivery message ID for the log entry
func (e *LogEntry) WithMessage(messageID string) *LogEntry {
	e.MessageID = messageID
	return e
}

// WithIdempotencyKey sets the idempotency key for the log entry
func (e *LogEntry) WithIdempotencyKey(key string) *LogEntry {
	e.IdempotencyKey = key
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }

func (e *LogEntry) Info(message string) { e.log(LevelInfo, message) }

func (e *LogEntry) Warn(message string) { e.log(LevelWarn, message) }

func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

// Fatal logs regardless of the level threshold and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

// log writes the entry as one JSON line when lvl passes the threshold
func (e *LogEntry) log(lvl LogLevel, message string) {
	e.Level = lvl
	e.Message = message
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	out := e.out
	out.mu.Lock()
	defer out.mu.Unlock()
	if levelRank[lvl] < levelRank[out.min] {
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(out.w, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	fmt.Fprintln(out.w, string(data))
}
