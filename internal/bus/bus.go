package bus

import (
	"context"
	"sync"
)

const defaultQueueSize = 256

// MessageBus is the in-process hub: a bounded inbound queue consumed by the
// scheduler, a bounded outbound queue consumed by the channel registry, and
// a subscriber map for event fan-out.
type MessageBus struct {
	inbound  chan Envelope
	outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]EventHandler
}

// NewMessageBus creates a bus with default queue capacities.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan Envelope, defaultQueueSize),
		outbound: make(chan OutboundMessage, defaultQueueSize),
		subs:     make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a normalized envelope for routing. Blocks when the
// queue is full, which backpressures the producing channel.
func (b *MessageBus) PublishInbound(env Envelope) {
	b.inbound <- env
}

// ConsumeInbound blocks until an envelope is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (Envelope, bool) {
	select {
	case env := <-b.inbound:
		return env, true
	case <-ctx.Done():
		return Envelope{}, false
	}
}

// PublishOutbound enqueues a reply for channel delivery.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// ConsumeOutbound blocks until an outbound message is available or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers an event handler under an id. Re-subscribing with the
// same id replaces the previous handler.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers an event to every subscriber. Handlers must not block;
// slow consumers buffer on their own side.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
