package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/goclaw/agentcore/internal/store"
)

const conversationMemoryRingSize = 200

// ConversationMemoryStore implements store.ConversationMemoryStore as a single
// atomically-written JSON file mapping session key to a bounded FIFO ring of turns.
type ConversationMemoryStore struct {
	path    string
	maxTurns int

	mu      sync.RWMutex
	history map[string][]store.ConversationTurn
}

func NewConversationMemoryStore(dataDir string) *ConversationMemoryStore {
	s := &ConversationMemoryStore{
		path:     filepath.Join(dataDir, "conversation_memory.json"),
		maxTurns: conversationMemoryRingSize,
		history:  make(map[string][]store.ConversationTurn),
	}
	_ = s.Load()
	return s
}

func (s *ConversationMemoryStore) append(sessionKey string, role store.Role, route store.RouteRef, text string, tsMs int64) {
	turn := store.ConversationTurn{
		SessionKey: sessionKey,
		Role:       role,
		Channel:    route.Channel,
		AccountID:  route.AccountID,
		PeerID:     route.PeerID,
		Text:       text,
		TsMs:       tsMs,
	}

	s.mu.Lock()
	turns := append(s.history[sessionKey], turn)
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}
	s.history[sessionKey] = turns
	s.mu.Unlock()
}

func (s *ConversationMemoryStore) AppendUserTurn(sessionKey string, route store.RouteRef, text string, tsMs int64) {
	s.append(sessionKey, store.RoleUser, route, text, tsMs)
}

func (s *ConversationMemoryStore) AppendAssistantTurn(sessionKey string, route store.RouteRef, text string, tsMs int64) {
	s.append(sessionKey, store.RoleAssistant, route, text, tsMs)
}

func (s *ConversationMemoryStore) RecentEntries(sessionKey string, limit int) []store.ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.history[sessionKey]
	if limit <= 0 || limit >= len(turns) {
		out := make([]store.ConversationTurn, len(turns))
		copy(out, turns)
		return out
	}
	out := make([]store.ConversationTurn, limit)
	copy(out, turns[len(turns)-limit:])
	return out
}

func (s *ConversationMemoryStore) FormattedContext(sessionKey string, limit int) string {
	return store.FormatConversationContext(s.RecentEntries(sessionKey, limit))
}

func (s *ConversationMemoryStore) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.history, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return atomicWriteFile(s.path, data)
}

func (s *ConversationMemoryStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var history map[string][]store.ConversationTurn
	if err := json.Unmarshal(data, &history); err != nil {
		return err
	}
	s.mu.Lock()
	s.history = history
	s.mu.Unlock()
	return nil
}
