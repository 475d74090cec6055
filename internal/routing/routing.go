// Package routing derives session keys from an inbound route and resolves which agent a
// route is bound to, per the engine's routing configuration.
package routing

import "strings"

// Route is the {channel, accountID?, peerID?} triple observed on an inbound message.
type Route struct {
	Channel   string
	AccountID string
	PeerID    string
}

// Config controls session-key derivation from a Route.
type Config struct {
	DefaultSessionKey string `json:"defaultSessionKey"`
	IncludeChannelID  bool   `json:"includeChannelID"`
	IncludeAccountID  bool   `json:"includeAccountID"`
	IncludePeerID     bool   `json:"includePeerID"`
}

// sanitize trims whitespace and replaces characters that would break the
// "segment ':' segment" session-key grammar with underscores.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	replacer := strings.NewReplacer(" ", "_", "/", "_", ":", "_")
	return replacer.Replace(s)
}

// DeriveSessionKey computes the session key for a route. explicitKey, if non-empty, always
// wins. Otherwise the key is built by sanitizing and joining the route fields selected by
// cfg's Include* flags, in channel:accountID:peerID order, dropping empty segments; if every
// segment is empty or excluded, the sanitized DefaultSessionKey is used.
func DeriveSessionKey(explicitKey string, route Route, cfg Config) string {
	if explicitKey != "" {
		return explicitKey
	}

	var parts []string
	if cfg.IncludeChannelID {
		if v := sanitize(route.Channel); v != "" {
			parts = append(parts, v)
		}
	}
	if cfg.IncludeAccountID {
		if v := sanitize(route.AccountID); v != "" {
			parts = append(parts, v)
		}
	}
	if cfg.IncludePeerID {
		if v := sanitize(route.PeerID); v != "" {
			parts = append(parts, v)
		}
	}

	if len(parts) == 0 {
		return sanitize(cfg.DefaultSessionKey)
	}
	return strings.Join(parts, ":")
}

// AgentsConfig models the static agent directory and route→agent bindings.
type AgentsConfig struct {
	DefaultAgentID string            `json:"defaultAgentID"`
	WorkspaceRoot  string            `json:"workspaceRoot"`
	AgentIDs       []string          `json:"agentIDs"`
	RouteAgentMap  map[string]string `json:"routeAgentMap"`
}

// ResolvedAgentID resolves which agent answers a route. It tries the most specific key
// first (channel:accountID:peerID), then channel:accountID, then channel, falling back to
// DefaultAgentID when nothing in RouteAgentMap matches.
func (c AgentsConfig) ResolvedAgentID(route Route) string {
	candidates := routeMapKeys(route)
	for _, key := range candidates {
		if key == "" {
			continue
		}
		if agentID, ok := c.RouteAgentMap[key]; ok && agentID != "" {
			return agentID
		}
	}
	return c.DefaultAgentID
}

// routeMapKeys returns candidate RouteAgentMap keys from most to least specific.
func routeMapKeys(route Route) []string {
	channel := sanitize(route.Channel)
	account := sanitize(route.AccountID)
	peer := sanitize(route.PeerID)

	var keys []string
	if channel != "" && account != "" && peer != "" {
		keys = append(keys, strings.Join([]string{channel, account, peer}, ":"))
	}
	if channel != "" && account != "" {
		keys = append(keys, strings.Join([]string{channel, account}, ":"))
	}
	if channel != "" {
		keys = append(keys, channel)
	}
	return keys
}
