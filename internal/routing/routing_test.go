package routing

import "testing"

func TestDeriveSessionKeyExplicitWins(t *testing.T) {
	got := DeriveSessionKey("explicit:key", Route{Channel: "discord", PeerID: "u1"}, Config{IncludePeerID: true})
	if got != "explicit:key" {
		t.Fatalf("expected explicit key to win, got %q", got)
	}
}

func TestDeriveSessionKeyJoinsSelectedParts(t *testing.T) {
	cfg := Config{IncludeChannelID: true, IncludePeerID: true, DefaultSessionKey: "main"}
	got := DeriveSessionKey("", Route{Channel: "webchat", PeerID: "u1"}, cfg)
	if got != "webchat:u1" {
		t.Fatalf("expected %q, got %q", "webchat:u1", got)
	}
}

func TestDeriveSessionKeyFallsBackToDefault(t *testing.T) {
	cfg := Config{DefaultSessionKey: "main"}
	got := DeriveSessionKey("", Route{Channel: "webchat", PeerID: "u1"}, cfg)
	if got != "main" {
		t.Fatalf("expected default session key, got %q", got)
	}
}

func TestDeriveSessionKeySanitizesSegments(t *testing.T) {
	cfg := Config{IncludeChannelID: true, IncludePeerID: true}
	got := DeriveSessionKey("", Route{Channel: "tele gram", PeerID: "a/b:c"}, cfg)
	if got != "tele_gram:a_b_c" {
		t.Fatalf("expected sanitized segments, got %q", got)
	}
}

func TestResolvedAgentIDMostSpecificWins(t *testing.T) {
	cfg := AgentsConfig{
		DefaultAgentID: "main",
		RouteAgentMap: map[string]string{
			"discord":                "discord-agent",
			"discord:acct1":          "acct-agent",
			"discord:acct1:peer1":    "peer-agent",
		},
	}
	got := cfg.ResolvedAgentID(Route{Channel: "discord", AccountID: "acct1", PeerID: "peer1"})
	if got != "peer-agent" {
		t.Fatalf("expected peer-agent, got %q", got)
	}
}

func TestResolvedAgentIDFallsBackThroughLevels(t *testing.T) {
	cfg := AgentsConfig{
		DefaultAgentID: "main",
		RouteAgentMap: map[string]string{
			"discord": "discord-agent",
		},
	}
	got := cfg.ResolvedAgentID(Route{Channel: "discord", AccountID: "acct1", PeerID: "peer1"})
	if got != "discord-agent" {
		t.Fatalf("expected discord-agent, got %q", got)
	}
}

func TestResolvedAgentIDDefault(t *testing.T) {
	cfg := AgentsConfig{DefaultAgentID: "main"}
	got := cfg.ResolvedAgentID(Route{Channel: "unknown"})
	if got != "main" {
		t.Fatalf("expected default agent id, got %q", got)
	}
}
