package pg

import (
	"fmt"

	"github.com/goclaw/agentcore/internal/store"
)

// NewPGStores opens a Postgres connection pool and wires the History, Sessions, and
// ConversationMemory stores against it.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres stores: %w", err)
	}

	return &store.Stores{
		History:            NewPGSessionStore(db),
		Sessions:           NewPGSessionRecordStore(db),
		ConversationMemory: NewPGConversationMemoryStore(db),
	}, nil
}
