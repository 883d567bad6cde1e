package event

import (
	"fmt"
	"sort"
	"sync"
)

// Validator checks one envelope against the schema of its event type.
type Validator func(Envelope) error

// Builder produces a Validator. It runs at most once per event type until the
// entry is invalidated.
type Builder func() (Validator, error)

// Registry caches validators per event type. It is owned by the process wiring
// and shared by the publisher and every worker.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
	cache    map[string]Validator
}

func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]Builder),
		cache:    make(map[string]Validator),
	}
}

// StandardRegistry knows every event type this pipeline publishes.
func StandardRegistry() *Registry {
	r := NewRegistry()
	r.Register(SubscriptionCreated, func() (Validator, error) {
		return ValidateSubscriptionCreated, nil
	})
	return r
}

// Register replaces the builder for eventType and drops any cached validator.
func (r *Registry) Register(eventType string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[eventType] = b
	delete(r.cache, eventType)
}

// EventTypes lists the registered event types in order.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builders))
	for t := range r.builders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Invalidate drops the cached validator so the next lookup rebuilds it.
// An empty eventType clears the whole cache.
func (r *Registry) Invalidate(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if eventType == "" {
		r.cache = make(map[string]Validator)
		return
	}
	delete(r.cache, eventType)
}

func (r *Registry) Validator(eventType string) (Validator, error) {
	r.mu.RLock()
	v, ok := r.cache[eventType]
	r.mu.RUnlock()
	if ok {
		return v, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache[eventType]; ok {
		return v, nil
	}
	b, ok := r.builders[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown eventType %q", ErrInvalidEnvelope, eventType)
	}
	v, err := b()
	if err != nil {
		return nil, fmt.Errorf("build validator for %s: %w", eventType, err)
	}
	r.cache[eventType] = v
	return v, nil
}

// Validate runs the validator registered for env.EventType.
func (r *Registry) Validate(env Envelope) error {
	v, err := r.Validator(env.EventType)
	if err != nil {
		return err
	}
	return v(env)
}

// Parse decodes and validates a raw body.
func (r *Registry) Parse(body []byte) (Envelope, error) {
	env, err := Decode(body)
	if err != nil {
		return Envelope{}, err
	}
	if err := r.Validate(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
