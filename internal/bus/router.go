package bus

import (
	"context"
	"sync"
)

const defaultQueueDepth = 256

// MessageBus is the in-process implementation of MessageRouter and EventPublisher. It connects
// channel adapters (producers of InboundMessage, consumers of OutboundMessage) to the auto-reply
// engine (consumer of InboundMessage, producer of OutboundMessage) over buffered Go channels.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus creates a bus with the given queue depth; depth<=0 uses a sensible default.
func NewMessageBus(depth int) *MessageBus {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, depth),
		outbound: make(chan OutboundMessage, depth),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message for the auto-reply engine. Non-blocking best-effort: if the
// queue is full the message is dropped and an Event is broadcast so diagnostics can count it.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		b.Broadcast(Event{Name: "bus.inbound.dropped", Payload: msg})
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for delivery by the channel registry.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		b.Broadcast(Event{Name: "bus.outbound.dropped", Payload: msg})
	}
}

// SubscribeOutbound blocks until an outbound message is available or ctx is done. Intended for
// exactly one consumer: the channel registry's dispatch loop.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers a handler for broadcast events under id, replacing any existing handler
// with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id, if any.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast fans an event out to every subscribed handler. Handlers are invoked synchronously;
// slow handlers should hop to their own goroutine.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}
