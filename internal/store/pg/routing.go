package pg

import (
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/goclaw/agentcore/internal/routing"
	"github.com/goclaw/agentcore/internal/store"
)

// PGSessionRecordStore implements store.SessionStore backed by Postgres, with an in-memory
// read cache guarded by mu (mirrors PGSessionStore's caching strategy).
type PGSessionRecordStore struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]store.SessionRecord
}

func NewPGSessionRecordStore(db *sql.DB) *PGSessionRecordStore {
	return &PGSessionRecordStore{db: db, cache: make(map[string]store.SessionRecord)}
}

func (p *PGSessionRecordStore) ResolveOrCreate(key, resolvedAgentID string, route routing.Route) store.SessionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := store.SessionRecord{Key: key, AgentID: resolvedAgentID}
	if route != (routing.Route{}) {
		rec.LastRoute = &store.RouteRef{Channel: route.Channel, AccountID: route.AccountID, PeerID: route.PeerID}
	}
	rec.UpdatedAtMs = nowMs()

	var routeJSON []byte
	if rec.LastRoute != nil {
		routeJSON, _ = json.Marshal(rec.LastRoute)
	}
	_, err := p.db.Exec(
		`INSERT INTO routing_sessions (key, agent_id, updated_at_ms, last_route)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET agent_id = $2, updated_at_ms = $3,
		   last_route = COALESCE($4, routing_sessions.last_route)`,
		key, resolvedAgentID, rec.UpdatedAtMs, nullableJSON(routeJSON),
	)
	if err == nil {
		p.cache[key] = rec
	}
	return rec
}

func (p *PGSessionRecordStore) RecordForKey(key string) (store.SessionRecord, bool) {
	p.mu.RLock()
	if rec, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return rec, true
	}
	p.mu.RUnlock()

	var rec store.SessionRecord
	var routeJSON []byte
	row := p.db.QueryRow(`SELECT key, agent_id, updated_at_ms, last_route FROM routing_sessions WHERE key = $1`, key)
	if err := row.Scan(&rec.Key, &rec.AgentID, &rec.UpdatedAtMs, &routeJSON); err != nil {
		return store.SessionRecord{}, false
	}
	if len(routeJSON) > 0 {
		var r store.RouteRef
		if json.Unmarshal(routeJSON, &r) == nil {
			rec.LastRoute = &r
		}
	}
	p.mu.Lock()
	p.cache[key] = rec
	p.mu.Unlock()
	return rec, true
}

func (p *PGSessionRecordStore) Delete(key string) error {
	p.mu.Lock()
	delete(p.cache, key)
	p.mu.Unlock()
	_, err := p.db.Exec(`DELETE FROM routing_sessions WHERE key = $1`, key)
	return err
}

// Save and Load are no-ops: every mutation is already durably written to Postgres.
func (p *PGSessionRecordStore) Save() error { return nil }
func (p *PGSessionRecordStore) Load() error { return nil }

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
