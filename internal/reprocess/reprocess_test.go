package reprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/austindbirch/harborpipe/internal/channel"
	"github.com/austindbirch/harborpipe/internal/delivery"
	"github.com/austindbirch/harborpipe/internal/logging"
)

// flakyChannel rejects sends for the listed message ids.
type flakyChannel struct {
	channel.Channel
	reject map[string]bool
}

func (f *flakyChannel) Send(ctx context.Context, m delivery.Message) error {
	if f.reject["*"] || f.reject[m.ID] {
		return errors.New("target unavailable")
	}
	return f.Channel.Send(ctx, m)
}

func setup(t *testing.T, dead int, opts Options) (*Reprocessor, *channel.Memory, *channel.Memory) {
	t.Helper()
	dlq := channel.NewMemory("invoices.dlq", channel.MemoryOptions{Retention: 14 * 24 * time.Hour})
	target := channel.NewMemory("invoices", channel.MemoryOptions{})
	for i := 0; i < dead; i++ {
		m := delivery.Message{
			ID:         fmt.Sprintf("msg-%d", i),
			Body:       []byte(fmt.Sprintf(`{"eventType":"subscription.created","n":%d}`, i)),
			Attributes: map[string]string{"tenantId": "t-1"},
		}
		if err := dlq.Send(context.Background(), m); err != nil {
			t.Fatal(err)
		}
	}
	if opts.ReceiveWait == 0 {
		opts.ReceiveWait = 20 * time.Millisecond
	}
	r := New(channel.NewRegistry(dlq, target), opts, logging.NewWithWriter("reprocess-test", &bytes.Buffer{}))
	return r, dlq, target
}

func drain(t *testing.T, ch channel.Channel) []delivery.Message {
	t.Helper()
	var out []delivery.Message
	for {
		msgs, err := ch.Receive(context.Background(), 10, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) == 0 {
			return out
		}
		out = append(out, msgs...)
	}
}

func TestReplay_MovesMessagesPreservingIdentity(t *testing.T) {
	r, dlq, target := setup(t, 3, Options{})

	res, err := r.Replay(context.Background(), Request{DLQRef: "invoices.dlq", TargetChannelRef: "invoices"})
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	want := Result{TotalProcessed: 3, TotalReplayed: 3, TotalFailed: 0, Remaining: 0}
	if res != want {
		t.Errorf("Replay() = %+v, want %+v", res, want)
	}

	got := drain(t, target)
	if len(got) != 3 {
		t.Fatalf("target received %d messages, want 3", len(got))
	}
	for _, m := range got {
		if m.Attributes["tenantId"] != "t-1" {
			t.Errorf("%s lost its attributes: %v", m.ID, m.Attributes)
		}
		if !bytes.Contains(m.Body, []byte(`"eventType":"subscription.created"`)) {
			t.Errorf("%s body changed: %s", m.ID, m.Body)
		}
	}
	if n, _ := dlq.Depth(context.Background()); n != 0 {
		t.Errorf("dlq depth = %d, want 0", n)
	}
}

func TestReplay_RespectsMaxMessages(t *testing.T) {
	r, _, target := setup(t, 5, Options{})

	res, err := r.Replay(context.Background(), Request{DLQRef: "invoices.dlq", TargetChannelRef: "invoices", MaxMessages: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalProcessed != 2 || res.TotalReplayed != 2 || res.Remaining != 3 {
		t.Errorf("Replay() = %+v", res)
	}
	if n := len(drain(t, target)); n != 2 {
		t.Errorf("target received %d, want 2", n)
	}
}

func TestReplay_RejectsBadRequests(t *testing.T) {
	r, dlq, _ := setup(t, 1, Options{MaxMessagesCap: 50})

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{name: "over cap", req: Request{DLQRef: "invoices.dlq", TargetChannelRef: "invoices", MaxMessages: 51}, wantErr: ErrTooManyMessages},
		{name: "unknown dlq", req: Request{DLQRef: "nope.dlq", TargetChannelRef: "invoices"}, wantErr: channel.ErrUnknownChannel},
		{name: "unknown target", req: Request{DLQRef: "invoices.dlq", TargetChannelRef: "nope"}, wantErr: channel.ErrUnknownChannel},
		{name: "negative", req: Request{DLQRef: "invoices.dlq", TargetChannelRef: "invoices", MaxMessages: -1}},
		{name: "same channel", req: Request{DLQRef: "invoices.dlq", TargetChannelRef: "invoices.dlq"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Replay(context.Background(), tt.req)
			if err == nil {
				t.Fatal("Replay() should fail")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Replay() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if n, _ := dlq.Depth(context.Background()); n != 1 {
		t.Errorf("rejected requests touched the dlq: depth %d", n)
	}
}

func TestReplay_FailedSendStaysInDLQ(t *testing.T) {
	r, dlq, target := setup(t, 3, Options{})
	flaky := &flakyChannel{Channel: target, reject: map[string]bool{"msg-1": true}}
	r.channels.Register(flaky)

	res, err := r.Replay(context.Background(), Request{DLQRef: "invoices.dlq", TargetChannelRef: "invoices"})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalProcessed != 3 || res.TotalReplayed != 2 || res.TotalFailed != 1 || res.Remaining != 1 {
		t.Errorf("Replay() = %+v", res)
	}
	if n, _ := dlq.Depth(context.Background()); n != 1 {
		t.Errorf("dlq depth = %d, want the failed message kept", n)
	}
}

func TestReplay_DoesNotRevisitMessagesInOneRun(t *testing.T) {
	r, _, target := setup(t, 1, Options{RetryDelay: time.Nanosecond})
	r.channels.Register(&flakyChannel{Channel: target, reject: map[string]bool{"*": true}})

	res, err := r.Replay(context.Background(), Request{DLQRef: "invoices.dlq", TargetChannelRef: "invoices", MaxMessages: 10})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalProcessed != 1 || res.TotalFailed != 1 {
		t.Errorf("Replay() = %+v, want one attempt", res)
	}
}

func TestReplay_EmptyDLQ(t *testing.T) {
	r, _, _ := setup(t, 0, Options{})
	res, err := r.Replay(context.Background(), Request{DLQRef: "invoices.dlq", TargetChannelRef: "invoices"})
	if err != nil {
		t.Fatal(err)
	}
	if res != (Result{}) {
		t.Errorf("Replay() = %+v, want zero result", res)
	}
}

func TestResult_JSON(t *testing.T) {
	body, _ := json.Marshal(Result{TotalProcessed: 3, TotalReplayed: 2, TotalFailed: 1, Remaining: 4})
	want := `{"totalProcessed":3,"totalReplayed":2,"totalFailed":1,"remaining":4}`
	if string(body) != want {
		t.Errorf("json = %s, want %s", body, want)
	}
	var req Request
	if err := json.Unmarshal([]byte(`{"dlqRef":"a.dlq","targetChannelRef":"a","maxMessages":7}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.DLQRef != "a.dlq" || req.TargetChannelRef != "a" || req.MaxMessages != 7 {
		t.Errorf("request = %+v", req)
	}
}
