package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBusInboundRoundTrip(t *testing.T) {
	b := NewMessageBus(4)
	msg := InboundMessage{Channel: "webchat", PeerID: "u1", Text: "hello"}
	b.PublishInbound(msg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatalf("expected inbound message, got none")
	}
	if got.Text != msg.Text || got.PeerID != msg.PeerID {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestMessageBusConsumeInboundCancelled(t *testing.T) {
	b := NewMessageBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := b.ConsumeInbound(ctx)
	if ok {
		t.Fatalf("expected ConsumeInbound to return false on cancelled context")
	}
}

func TestMessageBusOutboundDroppedWhenFull(t *testing.T) {
	b := NewMessageBus(1)
	dropped := 0
	b.Subscribe("test", func(e Event) {
		if e.Name == "bus.outbound.dropped" {
			dropped++
		}
	})
	b.PublishOutbound(OutboundMessage{Channel: "webchat", PeerID: "u1", Text: "a"})
	b.PublishOutbound(OutboundMessage{Channel: "webchat", PeerID: "u1", Text: "b"})
	if dropped != 1 {
		t.Fatalf("expected exactly 1 dropped event, got %d", dropped)
	}
}

func TestMessageBusBroadcastFanout(t *testing.T) {
	b := NewMessageBus(1)
	var a, c int
	b.Subscribe("a", func(e Event) { a++ })
	b.Subscribe("c", func(e Event) { c++ })
	b.Broadcast(Event{Name: "x"})
	if a != 1 || c != 1 {
		t.Fatalf("expected both subscribers invoked once, got a=%d c=%d", a, c)
	}
	b.Unsubscribe("a")
	b.Broadcast(Event{Name: "x"})
	if a != 1 || c != 2 {
		t.Fatalf("expected unsubscribed handler not invoked, got a=%d c=%d", a, c)
	}
}
