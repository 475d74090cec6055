// Package skills discovers SKILL.md files across precedence roots, merges
// them into a single named registry, and matches chat text against them for
// invocation.
package skills

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const skillFileName = "SKILL.md"

// Source identifies which precedence root a skill definition was loaded from.
type Source string

const (
	SourceExtra          Source = "extra"
	SourceBundled        Source = "bundled"
	SourceManaged        Source = "managed"
	SourcePersonalAgents Source = "personalAgents"
	SourceProjectAgents  Source = "projectAgents"
	SourceWorkspace      Source = "workspace"
)

// Skill is one discovered and parsed SKILL.md definition.
type Skill struct {
	Name        string
	Description string
	Body        string
	FilePath    string
	Source      Source

	Frontmatter map[string]string // every parsed key, verbatim values

	Always     bool
	SkillKey   string
	PrimaryEnv string

	UserInvocable              bool
	DisableModelInvocation     bool
	RequiresExplicitInvocation bool

	Entrypoint string
	TimeoutMs  int
}

// sourcePrecedence orders roots lowest-to-highest precedence, matching §4.6:
// extra, bundled, managed, personalAgents, projectAgents, workspace.
var sourcePrecedence = []Source{
	SourceExtra, SourceBundled, SourceManaged,
	SourcePersonalAgents, SourceProjectAgents, SourceWorkspace,
}

// parseSkillMD splits SKILL.md content into frontmatter fields and body, and
// populates a Skill (minus Name/Source/FilePath, set by the caller).
func parseSkillMD(content string) *Skill {
	sk := &Skill{
		UserInvocable: true, // default per §4.6
		Frontmatter:   map[string]string{},
	}

	if !strings.HasPrefix(strings.TrimLeft(content, "\r\n"), "---") {
		sk.Body = content
		return sk
	}

	trimmed := strings.TrimLeft(content, "\r\n")
	rest := strings.TrimLeft(trimmed[3:], "\r\n")
	idx := strings.Index(rest, "\n---")
	closeLen := 4
	if idx < 0 {
		// Accept a frontmatter block that IS the entire remaining content.
		if strings.TrimSpace(rest) == "---" {
			idx = len(rest) - 3
			closeLen = 3
		} else {
			sk.Body = content
			return sk
		}
	}

	frontmatter := rest[:idx]
	body := rest[idx+closeLen:]
	body = strings.TrimLeft(body, "\r\n")

	applyFrontmatter(sk, frontmatter)
	sk.Body = body
	return sk
}

// applyFrontmatter parses `key: value` lines (ignoring blanks and `#`
// comments) and fills in both the raw Frontmatter map and the known fields.
func applyFrontmatter(sk *Skill, raw string) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		colon := strings.Index(trimmed, ":")
		if colon < 0 {
			continue
		}
		key := strings.TrimSpace(trimmed[:colon])
		val := unquote(strings.TrimSpace(trimmed[colon+1:]))
		sk.Frontmatter[key] = val

		switch key {
		case "name":
			sk.Name = val
		case "description":
			sk.Description = val
		case "entrypoint", "script", "run":
			if sk.Entrypoint == "" {
				sk.Entrypoint = val
			}
		case "primaryEnv", "primary-env", "primary_env":
			sk.PrimaryEnv = val
		case "skillKey", "skill-key", "skill_key":
			sk.SkillKey = val
		case "always":
			sk.Always = boolTrue(val)
		case "user-invocable", "user_invocable", "userInvocable":
			sk.UserInvocable = !boolFalse(val)
		case "disable-model-invocation", "disable_model_invocation", "disableModelInvocation":
			sk.DisableModelInvocation = boolTrue(val)
		case "requires-explicit-invocation", "requires_explicit_invocation", "requiresExplicitInvocation":
			sk.RequiresExplicitInvocation = boolTrue(val)
		case "timeoutMs", "timeout-ms", "timeout_ms":
			sk.TimeoutMs = atoiOrZero(val)
		}
	}
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func boolTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func boolFalse(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "off":
		return true
	}
	return false
}

func atoiOrZero(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// discoverRoot scans one precedence root, accepting both <root>/SKILL.md and
// <root>/<name>/SKILL.md (one level deep).
func discoverRoot(root string, source Source) []*Skill {
	if root == "" {
		return nil
	}
	var found []*Skill

	if sk := loadOne(filepath.Join(root, skillFileName), source); sk != nil {
		if sk.Name == "" {
			sk.Name = filepath.Base(root)
		}
		found = append(found, sk)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return found
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		sk := loadOne(filepath.Join(dir, skillFileName), source)
		if sk == nil {
			continue
		}
		if sk.Name == "" {
			sk.Name = entry.Name()
		}
		found = append(found, sk)
	}
	return found
}

func loadOne(path string, source Source) *Skill {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	sk := parseSkillMD(string(data))
	sk.FilePath = path
	sk.Source = source
	return sk
}

// discoverAll scans every precedence root and merges by name, later (higher
// precedence) sources winning. Returns skills sorted by name.
func discoverAll(roots map[Source]string) []Skill {
	byName := map[string]*Skill{}
	for _, source := range sourcePrecedence {
		root, ok := roots[source]
		if !ok {
			continue
		}
		for _, sk := range discoverRoot(root, source) {
			if sk.Name == "" {
				continue
			}
			byName[sk.Name] = sk
		}
	}

	out := make([]Skill, 0, len(byName))
	for _, sk := range byName {
		out = append(out, *sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
