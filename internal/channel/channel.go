// Package channel defines the per-consumer delivery contract: messages stay in
// the channel until acknowledged, become visible again after a nack or when
// their visibility timeout lapses, and move to a dead-letter channel once they
// have been received too many times.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/harborpipe/internal/delivery"
)

var (
	ErrUnknownChannel  = errors.New("unknown channel")
	ErrReceiptNotFound = errors.New("receipt handle not found")
)

type Channel interface {
	Name() string
	// Send enqueues msg keeping its ID, Body and Attributes.
	Send(ctx context.Context, msg delivery.Message) error
	// Receive long-polls for up to max messages, waiting at most wait when the
	// channel is empty. Returned messages are invisible until acked, nacked or
	// their visibility timeout passes.
	Receive(ctx context.Context, max int, wait time.Duration) ([]delivery.Message, error)
	Ack(ctx context.Context, receiptHandle string) error
	// Nack makes the message visible again after delay.
	Nack(ctx context.Context, receiptHandle string, delay time.Duration) error
	// Depth is the number of messages held, visible or in flight.
	Depth(ctx context.Context) (int, error)
}

// Registry resolves channel references by name.
type Registry struct {
	mu    sync.RWMutex
	chans map[string]Channel
}

func NewRegistry(chs ...Channel) *Registry {
	r := &Registry{chans: make(map[string]Channel, len(chs))}
	for _, ch := range chs {
		r.Register(ch)
	}
	return r
}

func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chans[ch.Name()] = ch
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chans, name)
}

func (r *Registry) Get(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.chans[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return ch, nil
}

// Names returns the registered channel names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.chans))
	for name := range r.chans {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DLQName is the dead-letter channel name paired with a consumer channel.
func DLQName(name string) string {
	return name + ".dlq"
}
