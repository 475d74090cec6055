package skills

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoaderFilterAndSummary(t *testing.T) {
	workspace := t.TempDir()
	skillsDir := filepath.Join(workspace, "skills")
	mustWriteSkill(t, filepath.Join(skillsDir, "weather"), "name: weather\ndescription: current weather\n")
	mustWriteSkill(t, filepath.Join(skillsDir, "hidden"), "name: hidden\ndescription: internal only\ndisable-model-invocation: true\n")

	l := NewLoader(workspace, "", "")
	if err := l.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	all := l.ListSkills()
	if len(all) != 2 {
		t.Fatalf("expected 2 discovered skills, got %d: %+v", len(all), all)
	}

	filtered := l.FilterSkills([]string{"weather"})
	if len(filtered) != 1 || filtered[0].Name != "weather" {
		t.Fatalf("expected allow-list to restrict to weather, got %+v", filtered)
	}

	none := l.FilterSkills([]string{})
	if len(none) != 0 {
		t.Fatalf("expected empty allow-list to exclude everything, got %+v", none)
	}

	summary := l.BuildSummary(nil)
	if !strings.Contains(summary, "## Skills") || !strings.Contains(summary, "weather") {
		t.Fatalf("expected summary to mention weather skill, got %q", summary)
	}
	if strings.Contains(summary, "hidden") {
		t.Fatalf("expected disable-model-invocation skill to be excluded, got %q", summary)
	}
}

func TestLoaderReloadPicksUpChanges(t *testing.T) {
	workspace := t.TempDir()
	l := NewLoader(workspace, "", "")
	if len(l.ListSkills()) != 0 {
		t.Fatalf("expected no skills in a fresh workspace")
	}

	mustWriteSkill(t, filepath.Join(workspace, "skills", "ping"), "name: ping\ndescription: pong\n")
	if err := l.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := l.Get("ping"); !ok {
		t.Fatalf("expected reload to discover the new skill")
	}
}
