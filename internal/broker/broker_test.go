package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/austindbirch/harborpipe/internal/channel"
	"github.com/austindbirch/harborpipe/internal/delivery"
	"github.com/austindbirch/harborpipe/internal/event"
)

type failingTarget struct {
	name string
	err  error
}

func (f failingTarget) Name() string { return f.name }
func (f failingTarget) Send(context.Context, delivery.Message) error {
	return f.err
}

type blockingTarget struct {
	name    string
	release chan struct{}
}

func (b blockingTarget) Name() string { return b.name }
func (b blockingTarget) Send(ctx context.Context, _ delivery.Message) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testEnvelope() event.Envelope {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return event.NewSubscriptionCreated(
		"7b0c2a3e-1d7c-4f3e-9a51-3f1f0b7f6d10",
		"5d0e8f55-2f43-4d0a-b0b3-8a86a9b1d2c4",
		"pro", "monthly", 9900, "usd", start, start.AddDate(0, 1, 0),
	)
}

func drain(t *testing.T, ch channel.Channel) []delivery.Message {
	t.Helper()
	msgs, err := ch.Receive(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	return msgs
}

func TestBroker_PublishFansOutIndependentCopies(t *testing.T) {
	inv := channel.NewMemory("invoices", channel.MemoryOptions{})
	ent := channel.NewMemory("entitlements", channel.MemoryOptions{})
	notif := channel.NewMemory("notifications", channel.MemoryOptions{})
	b := New(inv, ent, notif)

	res, err := b.Publish(context.Background(), testEnvelope())
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if strings.Join(res.Delivered, ",") != "entitlements,invoices,notifications" {
		t.Errorf("Delivered = %v", res.Delivered)
	}

	ids := make(map[string]bool)
	for _, ch := range []channel.Channel{inv, ent, notif} {
		msgs := drain(t, ch)
		if len(msgs) != 1 {
			t.Fatalf("%s received %d messages, want 1", ch.Name(), len(msgs))
		}
		got, err := event.Decode(msgs[0].Body)
		if err != nil {
			t.Fatalf("%s body: %v", ch.Name(), err)
		}
		if got.Amount != 9900 || got.BillingCycle != "monthly" {
			t.Errorf("%s envelope = %+v", ch.Name(), got)
		}
		if msgs[0].Attributes["eventType"] != event.SubscriptionCreated {
			t.Errorf("%s attributes = %v", ch.Name(), msgs[0].Attributes)
		}
		ids[msgs[0].ID] = true
	}
	if len(ids) != 3 {
		t.Errorf("copies share message ids: %v", ids)
	}
}

func TestBroker_FailureIsIsolated(t *testing.T) {
	inv := channel.NewMemory("invoices", channel.MemoryOptions{})
	boom := errors.New("queue unavailable")
	b := New(inv, failingTarget{name: "entitlements", err: boom})

	res, err := b.Publish(context.Background(), testEnvelope())
	if !errors.Is(err, boom) {
		t.Fatalf("Publish() error = %v, want wrapped %v", err, boom)
	}
	if !strings.Contains(err.Error(), "target entitlements") {
		t.Errorf("error does not name the target: %v", err)
	}
	if len(res.Delivered) != 1 || res.Delivered[0] != "invoices" {
		t.Errorf("Delivered = %v, want [invoices]", res.Delivered)
	}
	if _, ok := res.Failed["entitlements"]; !ok {
		t.Errorf("Failed = %v", res.Failed)
	}
	if len(drain(t, inv)) != 1 {
		t.Error("healthy target did not receive its copy")
	}
}

func TestBroker_SlowTargetDoesNotBlockOthers(t *testing.T) {
	inv := channel.NewMemory("invoices", channel.MemoryOptions{})
	slow := blockingTarget{name: "slow", release: make(chan struct{})}
	b := New(inv, slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.Publish(context.Background(), testEnvelope())
	}()

	msgs, err := inv.Receive(context.Background(), 1, 2*time.Second)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("fast target not delivered while slow target blocks: %v %v", msgs, err)
	}
	close(slow.release)
	<-done
}

func TestBroker_PublishRawTo(t *testing.T) {
	inv := channel.NewMemory("invoices", channel.MemoryOptions{})
	ent := channel.NewMemory("entitlements", channel.MemoryOptions{})
	b := New(inv, ent)

	res, err := b.PublishRawTo(context.Background(), []byte(`{}`), nil, []string{"entitlements", "ledger"})
	if err != nil {
		t.Fatalf("PublishRawTo() error: %v", err)
	}
	if strings.Join(res.Delivered, ",") != "entitlements" {
		t.Errorf("Delivered = %v, want only entitlements", res.Delivered)
	}
	if n := len(drain(t, inv)); n != 0 {
		t.Errorf("invoices received %d messages, want 0", n)
	}

	res, _ = b.PublishRawTo(context.Background(), []byte(`{}`), nil, []string{})
	if len(res.Delivered) != 0 {
		t.Errorf("empty target list delivered to %v", res.Delivered)
	}
}

func TestBroker_RegisterUnregister(t *testing.T) {
	b := New()
	if _, err := b.Publish(context.Background(), testEnvelope()); err != nil {
		t.Errorf("Publish() with no targets error: %v", err)
	}

	inv := channel.NewMemory("invoices", channel.MemoryOptions{})
	b.Register(inv)
	b.Register(channel.NewMemory("entitlements", channel.MemoryOptions{}))
	b.Unregister("entitlements")

	if got := b.Targets(); len(got) != 1 || got[0] != "invoices" {
		t.Errorf("Targets() = %v", got)
	}
}

func TestBroker_ConcurrentPublish(t *testing.T) {
	inv := channel.NewMemory("invoices", channel.MemoryOptions{})
	b := New(inv)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Publish(context.Background(), testEnvelope())
		}()
	}
	wg.Wait()

	if n, _ := inv.Depth(context.Background()); n != 20 {
		t.Errorf("Depth() = %d, want 20", n)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaTarget(t *testing.T) {
	w := &fakeWriter{}
	k := NewKafkaTarget("analytics", w)
	b := New(k)

	if _, err := b.Publish(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("kafka writes = %d, want 1", len(w.msgs))
	}
	rec := w.msgs[0]
	if string(rec.Key) != "7b0c2a3e-1d7c-4f3e-9a51-3f1f0b7f6d10" {
		t.Errorf("record key = %q, want tenant id", rec.Key)
	}
	var hasID bool
	for _, h := range rec.Headers {
		if h.Key == "messageId" && len(h.Value) > 0 {
			hasID = true
		}
	}
	if !hasID {
		t.Error("record is missing the messageId header")
	}

	w.err = errors.New("leader not available")
	if err := k.Send(context.Background(), delivery.Message{ID: "m"}); err == nil {
		t.Error("Send() should surface writer errors")
	}
	_ = k.Close()
	if !w.closed {
		t.Error("Close() did not close the writer")
	}
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"kafka:9092"}, "subscription-events")
	if w.Topic != "subscription-events" || w.RequiredAcks != kafka.RequireAll {
		t.Errorf("writer = %+v", w)
	}
}
