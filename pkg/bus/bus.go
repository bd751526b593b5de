// Package bus is the process-local pub/sub channel for agent stream events.
// External producers (the agent runtime port) publish; the gateway registers
// the single subscriber during startup and fans events out to every READY
// connection. Ordering is per-producer: each producer's events are delivered
// in the order it published them, with no cross-producer guarantee.
package bus

import "sync"

// AgentEvent is one streamed agent runtime event.
type AgentEvent struct {
	RunID  string `json:"runId"`
	Stream string `json:"stream,omitempty"`
	Seq    int    `json:"seq,omitempty"`
	TS     int64  `json:"ts,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Bus delivers published events to a single subscriber. Publishing before a
// subscriber is registered drops the event.
type Bus struct {
	mu  sync.RWMutex
	sub func(AgentEvent)
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers the subscriber, replacing any previous one.
func (b *Bus) Subscribe(fn func(AgentEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sub = fn
}

// Publish delivers evt to the subscriber synchronously; a producer publishing
// sequentially therefore observes per-producer ordering at the subscriber.
func (b *Bus) Publish(evt AgentEvent) {
	b.mu.RLock()
	sub := b.sub
	b.mu.RUnlock()

	if sub != nil {
		sub(evt)
	}
}
