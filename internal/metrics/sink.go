package metrics

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Units accepted by Sink.Emit.
const (
	UnitCount        = "Count"
	UnitSeconds      = "Seconds"
	UnitMilliseconds = "Milliseconds"
	UnitNone         = "None"
)

// Sink accepts (name, value, unit, dimensions) tuples.
type Sink interface {
	Emit(name string, value float64, unit string, dims map[string]string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Emit(string, float64, string, map[string]string) {}

// PromSink turns emitted tuples into Prometheus collectors, created on first
// use and registered on reg. Counts become counters, durations histograms in
// seconds and everything else gauges. A name keeps the label set it was first
// emitted with; later emits with different dimensions are dropped and counted
// in Dropped.
type PromSink struct {
	reg    prometheus.Registerer
	prefix string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labels     map[string][]string
	dropped    int
}

func NewPromSink(reg prometheus.Registerer, prefix string) *PromSink {
	return &PromSink{
		reg:        reg,
		prefix:     prefix,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		labels:     make(map[string][]string),
	}
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// metricName converts MessagesProcessed to <prefix>messages_processed.
func (s *PromSink) metricName(name string) string {
	snake := strings.ToLower(camelBoundary.ReplaceAllString(name, "${1}_${2}"))
	snake = strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(snake)
	return s.prefix + snake
}

func (s *PromSink) Emit(name string, value float64, unit string, dims map[string]string) {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = dims[k]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.metricName(name)
	var id string
	switch unit {
	case UnitCount:
		id = base + "_total"
	case UnitSeconds, UnitMilliseconds:
		id = base + "_seconds"
	default:
		id = base
	}
	if known, ok := s.labels[id]; ok && strings.Join(known, ",") != strings.Join(keys, ",") {
		s.dropped++
		return
	}

	switch unit {
	case UnitCount:
		c, ok := s.counters[id]
		if !ok {
			c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: id, Help: fmt.Sprintf("%s (emitted).", name)}, keys)
			if !s.register(c) {
				return
			}
			s.counters[id] = c
			s.labels[id] = keys
		}
		if value >= 0 {
			c.WithLabelValues(values...).Add(value)
		}
	case UnitSeconds, UnitMilliseconds:
		h, ok := s.histograms[id]
		if !ok {
			h = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: id, Help: fmt.Sprintf("%s (emitted).", name), Buckets: prometheus.DefBuckets}, keys)
			if !s.register(h) {
				return
			}
			s.histograms[id] = h
			s.labels[id] = keys
		}
		if unit == UnitMilliseconds {
			value /= 1000
		}
		h.WithLabelValues(values...).Observe(value)
	default:
		g, ok := s.gauges[id]
		if !ok {
			g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: id, Help: fmt.Sprintf("%s (emitted).", name)}, keys)
			if !s.register(g) {
				return
			}
			s.gauges[id] = g
			s.labels[id] = keys
		}
		g.WithLabelValues(values...).Set(value)
	}
}

// register reports whether c was registered. Callers hold s.mu.
func (s *PromSink) register(c prometheus.Collector) bool {
	if err := s.reg.Register(c); err != nil {
		s.dropped++
		return false
	}
	return true
}

// Dropped counts emits that could not be recorded.
func (s *PromSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
