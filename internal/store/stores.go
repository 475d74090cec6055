package store

// Stores is the top-level container for the storage backends an engine instance wires
// together: a HistoryStore (per-session provider-message transcript, used by the agent
// runtime), a SessionStore (routing-level session-to-agent binding), and a
// ConversationMemoryStore (bounded, escaped turn history used to compose prompt context).
type Stores struct {
	History            HistoryStore
	Sessions           SessionStore
	ConversationMemory ConversationMemoryStore
}
