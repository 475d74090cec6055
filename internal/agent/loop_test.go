package agent

import "testing"

func TestNewLoopAppliesDefaults(t *testing.T) {
	l := NewLoop(LoopConfig{ID: "main", Model: "gpt-5"})

	if l.ID() != "main" {
		t.Fatalf("expected ID main, got %q", l.ID())
	}
	if l.Model() != "gpt-5" {
		t.Fatalf("expected model gpt-5, got %q", l.Model())
	}
	if l.IsRunning() {
		t.Fatalf("expected a freshly built loop to not be running")
	}
	if l.maxIterations != 20 {
		t.Fatalf("expected default max iterations 20, got %d", l.maxIterations)
	}
	if l.contextWindow != 200000 {
		t.Fatalf("expected default context window 200000, got %d", l.contextWindow)
	}
	if l.injectionAction != "warn" {
		t.Fatalf("expected default injection action warn, got %q", l.injectionAction)
	}
	if l.inputGuard == nil {
		t.Fatalf("expected an input guard to be auto-created when injection action is not off")
	}
}

func TestNewLoopHonorsExplicitOverrides(t *testing.T) {
	l := NewLoop(LoopConfig{
		ID:              "custom",
		Model:           "gpt-5-mini",
		MaxIterations:   5,
		ContextWindow:   50000,
		InjectionAction: "off",
	})

	if l.maxIterations != 5 {
		t.Fatalf("expected max iterations 5, got %d", l.maxIterations)
	}
	if l.contextWindow != 50000 {
		t.Fatalf("expected context window 50000, got %d", l.contextWindow)
	}
	if l.inputGuard != nil {
		t.Fatalf("expected no input guard when injection action is off")
	}
}

func TestNewLoopNormalizesUnknownInjectionAction(t *testing.T) {
	l := NewLoop(LoopConfig{ID: "x", InjectionAction: "nonsense"})
	if l.injectionAction != "warn" {
		t.Fatalf("expected unknown injection action to normalize to warn, got %q", l.injectionAction)
	}
}

func TestNewLoopKeepsExplicitInputGuard(t *testing.T) {
	guard := NewInputGuard()
	l := NewLoop(LoopConfig{ID: "x", InputGuard: guard})
	if l.inputGuard != guard {
		t.Fatalf("expected explicitly provided input guard to be kept as-is")
	}
}

func TestActiveRunsTracksConcurrentRuns(t *testing.T) {
	l := NewLoop(LoopConfig{ID: "x"})
	l.activeRuns.Add(1)
	if !l.IsRunning() {
		t.Fatalf("expected IsRunning to report true while a run is active")
	}
	l.activeRuns.Add(-1)
	if l.IsRunning() {
		t.Fatalf("expected IsRunning to report false once the run completes")
	}
}
