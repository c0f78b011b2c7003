package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler processes one decoded job payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Dispatcher routes envelopes to the handler registered for their type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Type]Handler)}
}

// Register binds h to t, replacing any earlier handler.
func (d *Dispatcher) Register(t Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// Dispatch runs the handler for env. Unknown types fail without retry.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	d.mu.RLock()
	h, ok := d.handlers[env.Type]
	d.mu.RUnlock()
	if !ok {
		return unrecoverable(fmt.Errorf("%w: %q", ErrUnknownJobType, env.Type))
	}
	return h(ctx, env.Payload)
}
