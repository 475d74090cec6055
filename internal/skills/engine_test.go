package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goclaw/agentcore/internal/workspace"
)

func TestMatchExplicitBothShapes(t *testing.T) {
	all := []Skill{{Name: "weather", UserInvocable: true}}

	if sk, args, ok := matchExplicit("/weather Milan", all); !ok || sk.Name != "weather" || args != "Milan" {
		t.Fatalf("expected /weather shape to match, got sk=%+v args=%q ok=%v", sk, args, ok)
	}
	if sk, args, ok := matchExplicit("/skill weather Milan", all); !ok || sk.Name != "weather" || args != "Milan" {
		t.Fatalf("expected /skill weather shape to match, got sk=%+v args=%q ok=%v", sk, args, ok)
	}
	if _, _, ok := matchExplicit("not a command", all); ok {
		t.Fatalf("expected plain text to not match explicit invocation")
	}
}

func TestMatchExplicitNormalization(t *testing.T) {
	all := []Skill{{Name: "code-review", UserInvocable: true}}
	if sk, _, ok := matchExplicit("/code_review please", all); !ok || sk.Name != "code-review" {
		t.Fatalf("expected underscore-normalized match, got %+v ok=%v", sk, ok)
	}
}

func TestMatchImplicitRequiresFlags(t *testing.T) {
	all := []Skill{
		{Name: "weather", UserInvocable: true, RequiresExplicitInvocation: false},
		{Name: "secret", UserInvocable: true, RequiresExplicitInvocation: true},
	}
	sk, ok := matchImplicit("what's the weather like today", all)
	if !ok || sk.Name != "weather" {
		t.Fatalf("expected implicit match on weather, got %+v ok=%v", sk, ok)
	}
	if _, ok := matchImplicit("tell me the secret", all); ok {
		t.Fatalf("expected requires-explicit-invocation skill to never implicitly match")
	}
}

func TestMatchImplicitPrefersLongestName(t *testing.T) {
	all := []Skill{
		{Name: "code", UserInvocable: true},
		{Name: "code review", UserInvocable: true},
	}
	sk, ok := matchImplicit("please do a code review for me", all)
	if !ok || sk.Name != "code review" {
		t.Fatalf("expected longest matching name to win, got %+v ok=%v", sk, ok)
	}
}

func TestEngineInvokeIfRequestedExplicitSlashCommand(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "skills", "weather")
	if err := os.MkdirAll(skillDir, 0755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\necho '{\"resolved_location\":\"Milan, IT\"}'\n"
	if err := os.WriteFile(filepath.Join(skillDir, "weather.sh"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	mustWriteSkill(t, skillDir, "name: weather\ndescription: weather lookup\nentrypoint: weather.sh\n")

	loader := NewLoader(dir, "", "")
	guard, err := workspace.NewGuard(dir)
	if err != nil {
		t.Fatal(err)
	}
	engine := NewEngine(loader, guard, NewProcessExecutor())

	result, err := engine.InvokeIfRequested(context.Background(), "/weather Milan")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !strings.Contains(result.Output, "Milan, IT") {
		t.Fatalf("expected skill output to mention Milan, IT; got %+v", result)
	}
}
