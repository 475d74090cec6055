package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/goclaw/agentcore/internal/routing"
	"github.com/goclaw/agentcore/internal/store"
)

// RoutingSessionStore implements store.SessionStore as a single atomically-written JSON file
// mapping session key to store.SessionRecord.
type RoutingSessionStore struct {
	path string

	mu      sync.RWMutex
	records map[string]store.SessionRecord
}

func NewRoutingSessionStore(dataDir string) *RoutingSessionStore {
	s := &RoutingSessionStore{
		path:    filepath.Join(dataDir, "routing_sessions.json"),
		records: make(map[string]store.SessionRecord),
	}
	_ = s.Load()
	return s
}

func (s *RoutingSessionStore) ResolveOrCreate(key, resolvedAgentID string, route routing.Route) store.SessionRecord {
	s.mu.Lock()
	rec := store.SessionRecord{Key: key, AgentID: resolvedAgentID, UpdatedAtMs: nowMs()}
	if route != (routing.Route{}) {
		rec.LastRoute = &store.RouteRef{Channel: route.Channel, AccountID: route.AccountID, PeerID: route.PeerID}
	} else if existing, ok := s.records[key]; ok {
		rec.LastRoute = existing.LastRoute
	}
	s.records[key] = rec
	s.mu.Unlock()

	_ = s.Save()
	return rec
}

func (s *RoutingSessionStore) RecordForKey(key string) (store.SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

func (s *RoutingSessionStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return s.Save()
}

func (s *RoutingSessionStore) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return atomicWriteFile(s.path, data)
}

func (s *RoutingSessionStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var records map[string]store.SessionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}
