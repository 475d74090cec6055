package store

import "github.com/goclaw/agentcore/internal/routing"

// RouteRef is the optional last-observed route recorded on a SessionRecord.
type RouteRef struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountID,omitempty"`
	PeerID    string `json:"peerID,omitempty"`
}

// SessionRecord is the routing layer's record of which agent currently answers a session
// key. Re-bound on every resolve to the currently mapped agent for the last observed route.
type SessionRecord struct {
	Key         string    `json:"key"`
	AgentID     string    `json:"agentID"`
	UpdatedAtMs int64     `json:"updatedAtMs"`
	LastRoute   *RouteRef `json:"lastRoute,omitempty"`
}

// SessionStore persists {key -> SessionRecord} with atomic writes and re-binds the agent on
// every resolve.
type SessionStore interface {
	// ResolveOrCreate updates or creates the record for key, re-binding AgentID to
	// resolvedAgentID and refreshing UpdatedAtMs; route, if non-zero, updates LastRoute.
	ResolveOrCreate(key, resolvedAgentID string, route routing.Route) SessionRecord
	RecordForKey(key string) (SessionRecord, bool)
	Delete(key string) error
	Save() error
	Load() error
}

// Role is a conversation-turn speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationTurn is one entry in a session's bounded conversation-memory transcript.
type ConversationTurn struct {
	SessionKey string `json:"sessionKey"`
	Role       Role   `json:"role"`
	Channel    string `json:"channel,omitempty"`
	AccountID  string `json:"accountID,omitempty"`
	PeerID     string `json:"peerID,omitempty"`
	Text       string `json:"text"`
	TsMs       int64  `json:"tsMs"`
}

// ConversationMemoryStore persists a bounded, per-session FIFO transcript and renders it as
// safely escaped prompt context.
type ConversationMemoryStore interface {
	AppendUserTurn(sessionKey string, route RouteRef, text string, tsMs int64)
	AppendAssistantTurn(sessionKey string, route RouteRef, text string, tsMs int64)
	RecentEntries(sessionKey string, limit int) []ConversationTurn
	FormattedContext(sessionKey string, limit int) string
	Save() error
	Load() error
}
