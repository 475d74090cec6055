package tools

import (
	"context"
	"testing"
)

type stubTool struct {
	name string
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub tool " + s.name }
func (s *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return NewResult(ToolChannelFromCtx(ctx) + ":" + ToolSessionKeyFromCtx(ctx))
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "alpha"})

	tool, ok := r.Get("alpha")
	if !ok || tool.Name() != "alpha" {
		t.Fatalf("expected to find tool alpha, got %v ok=%v", tool, ok)
	}

	if _, ok := r.Get("missing"); ok {
		t.Fatalf("expected missing tool to not be found")
	}
}

func TestRegistryListIsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "zeta"})
	r.Register(&stubTool{name: "alpha"})
	r.Register(&stubTool{name: "mu"})

	got := r.List()
	want := []string{"alpha", "mu", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRegistryExecuteWithContextInjectsRoutingValues(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "echo"})

	result := r.ExecuteWithContext(context.Background(), "echo", nil, "discord", "chat1", "direct", "sess1", nil)
	if result.ForLLM != "discord:sess1" {
		t.Fatalf("expected routing values injected into context, got %q", result.ForLLM)
	}
}

func TestRegistryExecuteWithContextUnknownTool(t *testing.T) {
	r := NewRegistry()
	result := r.ExecuteWithContext(context.Background(), "missing", nil, "discord", "chat1", "direct", "sess1", nil)
	if !result.IsError {
		t.Fatalf("expected error result for unknown tool")
	}
}

func TestRegistryProviderDefsMatchesList(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "beta"})
	r.Register(&stubTool{name: "alpha"})

	defs := r.ProviderDefs()
	if len(defs) != 2 || defs[0].Function.Name != "alpha" || defs[1].Function.Name != "beta" {
		t.Fatalf("expected sorted provider defs, got %+v", defs)
	}
}
