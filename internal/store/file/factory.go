package file

import (
	"github.com/goclaw/agentcore/internal/sessions"
	"github.com/goclaw/agentcore/internal/store"
)

// NewFileStores wires the History, Sessions, and ConversationMemory stores against
// dataDir, each persisted as its own atomically-written JSON file.
func NewFileStores(dataDir string) *store.Stores {
	mgr := sessions.NewManager(dataDir)

	return &store.Stores{
		History:            NewFileSessionStore(mgr),
		Sessions:           NewRoutingSessionStore(dataDir),
		ConversationMemory: NewConversationMemoryStore(dataDir),
	}
}
