package pg

import (
	"database/sql"

	"github.com/goclaw/agentcore/internal/store"
)

// PGConversationMemoryStore implements store.ConversationMemoryStore backed by Postgres.
// Each AppendXTurn call is a durable insert; Save/Load are no-ops.
type PGConversationMemoryStore struct {
	db *sql.DB
}

func NewPGConversationMemoryStore(db *sql.DB) *PGConversationMemoryStore {
	return &PGConversationMemoryStore{db: db}
}

func (p *PGConversationMemoryStore) append(sessionKey string, role store.Role, route store.RouteRef, text string, tsMs int64) {
	_, _ = p.db.Exec(
		`INSERT INTO conversation_turns (session_key, role, channel, account_id, peer_id, text, ts_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sessionKey, string(role), route.Channel, route.AccountID, route.PeerID, text, tsMs,
	)
}

func (p *PGConversationMemoryStore) AppendUserTurn(sessionKey string, route store.RouteRef, text string, tsMs int64) {
	p.append(sessionKey, store.RoleUser, route, text, tsMs)
}

func (p *PGConversationMemoryStore) AppendAssistantTurn(sessionKey string, route store.RouteRef, text string, tsMs int64) {
	p.append(sessionKey, store.RoleAssistant, route, text, tsMs)
}

func (p *PGConversationMemoryStore) RecentEntries(sessionKey string, limit int) []store.ConversationTurn {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.Query(
		`SELECT session_key, role, channel, account_id, peer_id, text, ts_ms
		 FROM conversation_turns WHERE session_key = $1 ORDER BY ts_ms DESC LIMIT $2`,
		sessionKey, limit,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var reversed []store.ConversationTurn
	for rows.Next() {
		var t store.ConversationTurn
		var role string
		if err := rows.Scan(&t.SessionKey, &role, &t.Channel, &t.AccountID, &t.PeerID, &t.Text, &t.TsMs); err != nil {
			continue
		}
		t.Role = store.Role(role)
		reversed = append(reversed, t)
	}

	out := make([]store.ConversationTurn, len(reversed))
	for i, t := range reversed {
		out[len(reversed)-1-i] = t
	}
	return out
}

func (p *PGConversationMemoryStore) FormattedContext(sessionKey string, limit int) string {
	return store.FormatConversationContext(p.RecentEntries(sessionKey, limit))
}

func (p *PGConversationMemoryStore) Save() error { return nil }
func (p *PGConversationMemoryStore) Load() error { return nil }
