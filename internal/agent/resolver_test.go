package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/goclaw/agentcore/internal/config"
	"github.com/goclaw/agentcore/internal/providers"
)

type stubAgent struct {
	id      string
	model   string
	running bool
}

func (s *stubAgent) ID() string      { return s.id }
func (s *stubAgent) Model() string   { return s.model }
func (s *stubAgent) IsRunning() bool { return s.running }
func (s *stubAgent) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	return &RunResult{Content: "stub"}, nil
}

func TestRouterResolveCachesAgent(t *testing.T) {
	r := NewRouter()
	calls := 0
	r.SetResolver(func(agentKey string) (Agent, error) {
		calls++
		return &stubAgent{id: agentKey}, nil
	})

	a1, err := r.Resolve("main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a2, err := r.Resolve("main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("expected cached agent to be returned on second resolve")
	}
	if calls != 1 {
		t.Fatalf("expected resolver to be called once, got %d", calls)
	}
}

func TestRouterResolveNoResolverConfigured(t *testing.T) {
	r := NewRouter()
	if _, err := r.Resolve("main"); err == nil {
		t.Fatalf("expected error when no resolver is configured")
	}
}

func TestRouterInvalidateAgentForcesRebuild(t *testing.T) {
	r := NewRouter()
	calls := 0
	r.SetResolver(func(agentKey string) (Agent, error) {
		calls++
		return &stubAgent{id: agentKey}, nil
	})

	if _, err := r.Resolve("main"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.InvalidateAgent("main")
	if _, err := r.Resolve("main"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected resolver to rebuild after invalidation, got %d calls", calls)
	}
}

func TestRouterInvalidateAllClearsEveryEntry(t *testing.T) {
	r := NewRouter()
	calls := 0
	r.SetResolver(func(agentKey string) (Agent, error) {
		calls++
		return &stubAgent{id: agentKey}, nil
	})

	r.Resolve("a")
	r.Resolve("b")
	r.InvalidateAll()
	r.Resolve("a")
	r.Resolve("b")

	if calls != 4 {
		t.Fatalf("expected every agent to rebuild after InvalidateAll, got %d calls", calls)
	}
	if len(r.List()) != 2 {
		t.Fatalf("expected 2 cached agents, got %d", len(r.List()))
	}
}

func TestRouterResolvePropagatesResolverError(t *testing.T) {
	r := NewRouter()
	wantErr := errors.New("boom")
	r.SetResolver(func(agentKey string) (Agent, error) {
		return nil, wantErr
	})
	if _, err := r.Resolve("main"); !errors.Is(err, wantErr) {
		t.Fatalf("expected resolver error to propagate, got %v", err)
	}
}

func TestResolveProviderPrefersNamedThenDefault(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register("primary", &stubProviderForResolver{name: "primary"})
	reg.Register("secondary", &stubProviderForResolver{name: "secondary"})

	p, err := resolveProvider(reg, "secondary")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "secondary" {
		t.Fatalf("expected named provider to win, got %q", p.Name())
	}

	reg.SetDefaultProviderID("primary")
	p, err = resolveProvider(reg, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "primary" {
		t.Fatalf("expected fallback to default provider, got %q", p.Name())
	}
}

func TestResolveProviderErrorsWhenRegistryEmpty(t *testing.T) {
	reg := providers.NewRegistry()
	if _, err := resolveProvider(reg, ""); err == nil {
		t.Fatalf("expected error for empty registry")
	}
}

type stubProviderForResolver struct{ name string }

func (s *stubProviderForResolver) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: "ok"}, nil
}
func (s *stubProviderForResolver) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return s.Chat(ctx, req)
}
func (s *stubProviderForResolver) DefaultModel() string { return "stub-model" }
func (s *stubProviderForResolver) Name() string         { return s.name }

func TestNewConfigResolverBuildsLoopFromDefaults(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register("primary", &stubProviderForResolver{name: "primary"})

	deps := ConfigResolverDeps{
		Agents: config.AgentsConfig{
			Defaults: config.AgentDefaults{
				Provider:          "primary",
				Model:             "gpt-5",
				ContextWindow:     100000,
				MaxToolIterations: 10,
			},
		},
		ProviderReg: reg,
	}

	resolver := NewConfigResolver(deps)
	a, err := resolver("main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID() != "main" {
		t.Fatalf("expected agent ID main, got %q", a.ID())
	}
	if a.Model() != "gpt-5" {
		t.Fatalf("expected model gpt-5, got %q", a.Model())
	}
	if a.IsRunning() {
		t.Fatalf("expected freshly built agent to not be running")
	}
}

func TestNewConfigResolverAppliesPerAgentOverride(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register("primary", &stubProviderForResolver{name: "primary"})

	deps := ConfigResolverDeps{
		Agents: config.AgentsConfig{
			Defaults: config.AgentDefaults{Provider: "primary", Model: "gpt-5"},
			List: map[string]config.AgentSpec{
				"custom": {Model: "gpt-5-mini"},
			},
		},
		ProviderReg: reg,
	}

	resolver := NewConfigResolver(deps)
	a, err := resolver("custom")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Model() != "gpt-5-mini" {
		t.Fatalf("expected per-agent model override, got %q", a.Model())
	}
}

func TestNewConfigResolverFallsBackToDefaultMarkedSpec(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register("primary", &stubProviderForResolver{name: "primary"})

	deps := ConfigResolverDeps{
		Agents: config.AgentsConfig{
			Defaults: config.AgentDefaults{Provider: "primary", Model: "gpt-5"},
			List: map[string]config.AgentSpec{
				"special": {Model: "special-model", Default: true},
			},
		},
		ProviderReg: reg,
	}

	resolver := NewConfigResolver(deps)
	a, err := resolver("unknown-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Model() != "special-model" {
		t.Fatalf("expected resolution to fall back to the spec marked Default, got %q", a.Model())
	}
}
