package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/harborpipe/internal/delivery"
	"github.com/google/uuid"
)

type MemoryOptions struct {
	VisibilityTimeout time.Duration
	// MaxReceiveCount is enforced only when DLQ is set.
	MaxReceiveCount int
	// Retention drops messages older than this. Zero keeps them forever.
	Retention time.Duration
	DLQ       Channel
	Now       func() time.Time
}

type memEntry struct {
	msg        delivery.Message
	enqueuedAt time.Time
	visibleAt  time.Time
	receives   int
	receipt    string
}

// Memory is an in-process Channel with the full visibility and dead-letter
// state machine. Local runs and tests use it in place of NSQ.
type Memory struct {
	name string
	opts MemoryOptions

	mu       sync.Mutex
	entries  []*memEntry
	inFlight map[string]*memEntry // receipt -> in-flight entry
	wake     chan struct{}
}

func NewMemory(name string, opts MemoryOptions) *Memory {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Memory{
		name:     name,
		opts:     opts,
		inFlight: make(map[string]*memEntry),
		wake:     make(chan struct{}),
	}
}

func (m *Memory) Name() string { return m.name }

// notifyLocked wakes every blocked receiver. Callers hold m.mu.
func (m *Memory) notifyLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *Memory) Send(ctx context.Context, msg delivery.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		return fmt.Errorf("send to %s: message has no id", m.name)
	}
	now := m.opts.Now()
	msg = msg.Clone()
	msg.ReceiveCount = 0
	msg.ReceiptHandle = ""
	if msg.SentAt.IsZero() {
		msg.SentAt = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &memEntry{msg: msg, enqueuedAt: now, visibleAt: now})
	m.notifyLocked()
	return nil
}

func (m *Memory) Receive(ctx context.Context, max int, wait time.Duration) ([]delivery.Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		out, exhausted, nextVisible, wake := m.take(max)
		if err := m.deadLetter(ctx, exhausted); err != nil {
			return out, err
		}
		if len(out) > 0 {
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if nextVisible > 0 && nextVisible < remaining {
			remaining = nextVisible
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// take claims up to max visible messages and pulls out the ones that already
// used all their receives. nextVisible is how long until the earliest hidden
// message reappears, or zero when none is hidden.
func (m *Memory) take(max int) (out []delivery.Message, exhausted []*memEntry, nextVisible time.Duration, wake chan struct{}) {
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	for _, e := range m.entries {
		if m.opts.Retention > 0 && now.Sub(e.enqueuedAt) > m.opts.Retention {
			delete(m.inFlight, e.receipt)
			continue
		}
		if e.visibleAt.After(now) {
			if d := e.visibleAt.Sub(now); nextVisible == 0 || d < nextVisible {
				nextVisible = d
			}
			kept = append(kept, e)
			continue
		}
		if e.receipt != "" {
			delete(m.inFlight, e.receipt)
			e.receipt = ""
		}
		if m.opts.DLQ != nil && m.opts.MaxReceiveCount > 0 && e.receives >= m.opts.MaxReceiveCount {
			exhausted = append(exhausted, e)
			continue
		}
		if len(out) < max {
			e.receives++
			e.receipt = uuid.NewString()
			e.visibleAt = now.Add(m.opts.VisibilityTimeout)
			m.inFlight[e.receipt] = e

			msg := e.msg.Clone()
			msg.ReceiveCount = e.receives
			msg.ReceiptHandle = e.receipt
			out = append(out, msg)
		}
		kept = append(kept, e)
	}
	// clear the tail so dropped entries can be collected
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = nil
	}
	m.entries = kept
	return out, exhausted, nextVisible, m.wake
}

// deadLetter hands exhausted entries to the DLQ. An entry whose hand-off fails
// goes back on the queue so it is never lost.
func (m *Memory) deadLetter(ctx context.Context, exhausted []*memEntry) error {
	var firstErr error
	for _, e := range exhausted {
		msg := e.msg.Clone()
		msg.ReceiveCount = e.receives
		if err := m.opts.DLQ.Send(ctx, msg); err != nil {
			m.mu.Lock()
			m.entries = append(m.entries, e)
			m.mu.Unlock()
			if firstErr == nil {
				firstErr = fmt.Errorf("move %s to %s: %w", e.msg.ID, m.opts.DLQ.Name(), err)
			}
		}
	}
	return firstErr
}

func (m *Memory) Ack(ctx context.Context, receiptHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.inFlight[receiptHandle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReceiptNotFound, receiptHandle)
	}
	delete(m.inFlight, receiptHandle)
	for i, cur := range m.entries {
		if cur == e {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.inFlight[receiptHandle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReceiptNotFound, receiptHandle)
	}
	if delay < 0 {
		delay = 0
	}
	delete(m.inFlight, receiptHandle)
	e.receipt = ""
	e.visibleAt = m.opts.Now().Add(delay)
	m.notifyLocked()
	return nil
}

func (m *Memory) Depth(ctx context.Context) (int, error) {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if m.opts.Retention > 0 && now.Sub(e.enqueuedAt) > m.opts.Retention {
			continue
		}
		n++
	}
	return n, nil
}
