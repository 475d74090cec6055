// Package bus defines the wire-level value types and routing interfaces shared between
// channel adapters, the auto-reply engine, and the agent runtime.
package bus

import (
	"context"
	"time"
)

// InboundMessage is a message received from a channel adapter. Immutable once constructed;
// its lifetime is a single engine invocation.
type InboundMessage struct {
	Channel     string            `json:"channel"`
	AccountID   string            `json:"account_id,omitempty"`
	PeerID      string            `json:"peer_id"`
	Text        string            `json:"text"`
	Attachments []MediaAttachment `json:"attachments,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`

	// SenderID disambiguates the human sender inside a group PeerID (e.g. Discord/Telegram
	// group chats where PeerID is the channel/chat ID, not the user).
	SenderID string `json:"sender_id,omitempty"`
	// PeerKind is "direct" or "group"; feeds routing and session-key derivation.
	PeerKind string `json:"peer_kind,omitempty"`
	// SessionKeyOverride lets a caller force a session key; empty means derive via RoutingConfig.
	SessionKeyOverride string            `json:"session_key_override,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message to be delivered through the channel registry. Immutable after
// emission.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id,omitempty"`
	PeerID    string            `json:"peer_id"`
	Text      string            `json:"text"`
	ReplyToID string            `json:"reply_to_id,omitempty"`
	Media     []MediaAttachment `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file carried alongside a message, either inbound (downloaded by
// the adapter) or outbound (to be uploaded by the adapter).
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event is a server-side occurrence broadcast to subscribers (diagnostics, streaming channels,
// the optional gateway transport).
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Cache invalidation kinds used with CacheInvalidatePayload.
const (
	CacheKindAgent            = "agent"
	CacheKindBootstrap        = "bootstrap"
	CacheKindSkills           = "skills"
	CacheKindCron             = "cron"
	CacheKindCustomTools      = "custom_tools"
	CacheKindChannelInstances = "channel_instances"
	CacheKindBuiltinTools     = "builtin_tools"
)

// CacheInvalidatePayload signals cache layers to evict stale entries.
type CacheInvalidatePayload struct {
	Kind string `json:"kind"`
	Key  string `json:"key,omitempty"`
}

// MessageHandler handles one inbound message.
type MessageHandler func(InboundMessage) error

// EventHandler handles one broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast and subscription so the agent runtime and the
// optional gateway transport don't need a concrete *MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound routing between channel adapters and the
// auto-reply engine.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
