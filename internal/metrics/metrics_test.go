package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Record some values so vector metrics appear in Gather()
	RecordEventPublished("subscription.created", "published")
	RecordFanOut("invoices", "delivered")
	RecordMessage("invoices", "acknowledged")
	ObserveHandler("invoices", 100*time.Millisecond)
	RecordClaim("invoices", "claimed")
	RecordPruned(3)
	UpdateChannelDepth("invoices.dlq", 0)
	RecordReplay("invoices.dlq", "replayed", 1)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"harborpipe_events_published_total",
		"harborpipe_fanout_total",
		"harborpipe_messages_total",
		"harborpipe_handler_latency_seconds",
		"harborpipe_idempotency_claims_total",
		"harborpipe_idempotency_pruned_total",
		"harborpipe_channel_depth",
		"harborpipe_replay_total",
	}

	registeredMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		registeredMetrics[mf.GetName()] = true
	}
	for _, expected := range expectedMetrics {
		if !registeredMetrics[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordMessage(t *testing.T) {
	MessagesTotal.Reset()

	tests := []struct {
		name     string
		consumer string
		outcome  string
		calls    int
	}{
		{name: "acknowledged invoices", consumer: "invoices", outcome: "acknowledged", calls: 3},
		{name: "duplicate invoices", consumer: "invoices", outcome: "duplicate", calls: 1},
		{name: "failed notifications", consumer: "notifications", outcome: "failed", calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordMessage(tt.consumer, tt.outcome)
			}
			got := testutil.ToFloat64(MessagesTotal.WithLabelValues(tt.consumer, tt.outcome))
			if got != float64(tt.calls) {
				t.Errorf("MessagesTotal{%s,%s} = %v, want %d", tt.consumer, tt.outcome, got, tt.calls)
			}
		})
	}
}

func TestUpdateChannelDepth(t *testing.T) {
	ChannelDepth.Reset()

	UpdateChannelDepth("invoices.dlq", 4)
	UpdateChannelDepth("invoices.dlq", 1)

	if got := testutil.ToFloat64(ChannelDepth.WithLabelValues("invoices.dlq")); got != 1 {
		t.Errorf("ChannelDepth = %v, want 1 (gauge keeps the latest value)", got)
	}
}

func TestRecordReplay(t *testing.T) {
	ReplayTotal.Reset()

	RecordReplay("invoices.dlq", "replayed", 5)
	RecordReplay("invoices.dlq", "failed", 2)

	if got := testutil.ToFloat64(ReplayTotal.WithLabelValues("invoices.dlq", "replayed")); got != 5 {
		t.Errorf("replayed = %v, want 5", got)
	}
	if got := testutil.ToFloat64(ReplayTotal.WithLabelValues("invoices.dlq", "failed")); got != 2 {
		t.Errorf("failed = %v, want 2", got)
	}
}

func TestPromSink_Emit(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPromSink(reg, "harborpipe_")

	sink.Emit("MessagesProcessed", 1, UnitCount, map[string]string{"consumer": "invoices", "outcome": "acknowledged"})
	sink.Emit("MessagesProcessed", 2, UnitCount, map[string]string{"outcome": "acknowledged", "consumer": "invoices"})
	sink.Emit("HandlerDuration", 250, UnitMilliseconds, map[string]string{"consumer": "invoices"})
	sink.Emit("DLQDepth", 7, UnitNone, map[string]string{"channel": "invoices.dlq"})

	expected := `
# HELP harborpipe_messages_processed_total MessagesProcessed (emitted).
# TYPE harborpipe_messages_processed_total counter
harborpipe_messages_processed_total{consumer="invoices",outcome="acknowledged"} 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "harborpipe_messages_processed_total"); err != nil {
		t.Errorf("counter mismatch: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{"harborpipe_handler_duration_seconds", "harborpipe_dlqdepth"} {
		if !found[name] {
			t.Errorf("metric %s not registered; have %v", name, found)
		}
	}
}

func TestPromSink_LabelMismatchIsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPromSink(reg, "test_")

	sink.Emit("Claims", 1, UnitCount, map[string]string{"consumer": "invoices"})
	sink.Emit("Claims", 1, UnitCount, map[string]string{"consumer": "invoices", "result": "duplicate"})

	if sink.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", sink.Dropped())
	}
	if got := testutil.CollectAndCount(sink.counters["test_claims_total"]); got != 1 {
		t.Errorf("series = %d, want 1", got)
	}
}

func TestPromSink_MetricName(t *testing.T) {
	sink := NewPromSink(prometheus.NewRegistry(), "hp_")
	tests := map[string]string{
		"MessagesProcessed": "hp_messages_processed",
		"claim.duplicate":   "hp_claim_duplicate",
		"replay-failed":     "hp_replay_failed",
	}
	for in, want := range tests {
		if got := sink.metricName(in); got != want {
			t.Errorf("metricName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNopSink(t *testing.T) {
	var s Sink = Nop{}
	s.Emit("anything", 1, UnitCount, nil)
}
