package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harborpipe/internal/channel"
	"github.com/austindbirch/harborpipe/internal/config"
	"github.com/austindbirch/harborpipe/internal/logging"
	"github.com/austindbirch/harborpipe/internal/metrics"
)

const statsPayload = `{
	"topics": [
		{
			"topic_name": "subscription_events.invoices",
			"depth": 0,
			"channels": [
				{"channel_name": "workers", "depth": 10, "in_flight_count": 4, "deferred_count": 1}
			]
		},
		{
			"topic_name": "subscription_events.invoices.dlq",
			"depth": 2,
			"channels": []
		}
	]
}`

func testConfig(addr string) config.Config {
	cfg := config.FromEnv()
	cfg.NSQ.NsqdHTTPAddr = addr
	cfg.NSQ.TopicPrefix = "subscription_events"
	cfg.Worker.Consumers = []string{"invoices"}
	return cfg
}

func TestMonitoredChannels(t *testing.T) {
	chs := monitoredChannels(testConfig("nsqd:4151"))
	if len(chs) != 2 {
		t.Fatalf("got %d channels, want live and dlq", len(chs))
	}
	if chs[0].Name() != "invoices" || chs[1].Name() != channel.DLQName("invoices") {
		t.Errorf("names = %q, %q", chs[0].Name(), chs[1].Name())
	}
}

func TestUpdateMetrics(t *testing.T) {
	testCases := []struct {
		name     string
		payload  string
		status   int
		wantErr  bool
		wantLive float64
		wantDLQ  float64
	}{
		{
			name:     "live channel and dlq topic",
			payload:  statsPayload,
			status:   http.StatusOK,
			wantLive: 15,
			wantDLQ:  2,
		},
		{
			name:    "nsqd error keeps going",
			payload: `oops`,
			status:  http.StatusInternalServerError,
			wantErr: true,
		},
		{
			name:    "invalid json",
			payload: `{"topics": [`,
			status:  http.StatusOK,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			metrics.ChannelDepth.Reset()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.payload))
			}))
			defer srv.Close()

			m := &monitor{
				channels: monitoredChannels(testConfig(strings.TrimPrefix(srv.URL, "http://"))),
				logger:   logging.NewWithWriter("monitor-test", &bytes.Buffer{}),
			}
			err := m.update(context.Background())
			if (err != nil) != tc.wantErr {
				t.Fatalf("update() error = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr {
				if n := testutil.CollectAndCount(metrics.ChannelDepth); n != 0 {
					t.Errorf("failed update set %d gauges", n)
				}
				return
			}
			if got := testutil.ToFloat64(metrics.ChannelDepth.WithLabelValues("invoices")); got != tc.wantLive {
				t.Errorf("invoices depth = %v, want %v", got, tc.wantLive)
			}
			if got := testutil.ToFloat64(metrics.ChannelDepth.WithLabelValues("invoices.dlq")); got != tc.wantDLQ {
				t.Errorf("dlq depth = %v, want %v", got, tc.wantDLQ)
			}
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(statsPayload))
	}))
	defer srv.Close()

	m := &monitor{
		channels: monitoredChannels(testConfig(strings.TrimPrefix(srv.URL, "http://"))),
		logger:   logging.NewWithWriter("monitor-test", &bytes.Buffer{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.run(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run() did not stop")
	}
}
