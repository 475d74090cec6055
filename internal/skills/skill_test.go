package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseSkillMDFrontmatter(t *testing.T) {
	content := "---\n" +
		"name: weather\n" +
		"description: \"Look up current weather\"\n" +
		"entrypoint: scripts/weather.sh\n" +
		"requires-explicit-invocation: false\n" +
		"user-invocable: true\n" +
		"---\n" +
		"Body text here.\n"

	sk := parseSkillMD(content)
	if sk.Name != "weather" {
		t.Fatalf("expected name weather, got %q", sk.Name)
	}
	if sk.Description != "Look up current weather" {
		t.Fatalf("expected unquoted description, got %q", sk.Description)
	}
	if sk.Entrypoint != "scripts/weather.sh" {
		t.Fatalf("expected entrypoint scripts/weather.sh, got %q", sk.Entrypoint)
	}
	if sk.RequiresExplicitInvocation {
		t.Fatalf("expected requiresExplicitInvocation=false")
	}
	if !sk.UserInvocable {
		t.Fatalf("expected userInvocable=true")
	}
	if sk.Body != "Body text here.\n" {
		t.Fatalf("unexpected body: %q", sk.Body)
	}
}

func TestParseSkillMDNoFrontmatter(t *testing.T) {
	sk := parseSkillMD("just a body, no frontmatter\n")
	if sk.Name != "" {
		t.Fatalf("expected no name parsed, got %q", sk.Name)
	}
	if sk.Body != "just a body, no frontmatter\n" {
		t.Fatalf("expected entire content as body, got %q", sk.Body)
	}
}

func TestDiscoverAllPrecedence(t *testing.T) {
	dir := t.TempDir()
	bundled := filepath.Join(dir, "bundled")
	ws := filepath.Join(dir, "workspace")
	mustWriteSkill(t, filepath.Join(bundled, "weather"), "name: weather\ndescription: bundled version\n")
	mustWriteSkill(t, filepath.Join(ws, "weather"), "name: weather\ndescription: workspace override\n")

	roots := map[Source]string{
		SourceBundled:   bundled,
		SourceWorkspace: ws,
	}
	found := discoverAll(roots)
	if len(found) != 1 {
		t.Fatalf("expected one merged skill, got %d", len(found))
	}
	if found[0].Description != "workspace override" {
		t.Fatalf("expected workspace source to win, got %q", found[0].Description)
	}
}

func mustWriteSkill(t *testing.T, dir, frontmatter string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "---\n" + frontmatter + "---\nbody\n"
	if err := os.WriteFile(filepath.Join(dir, skillFileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
