package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Loader discovers and holds the merged skill registry for one agent's
// workspace. Reload() re-scans every root; callers typically wire it to a
// Watcher so edits are picked up without a restart.
type Loader struct {
	mu     sync.RWMutex
	roots  map[Source]string
	skills []Skill
}

// NewLoader builds a Loader scanning the standard precedence roots:
// extra (extraDir), bundled (globalSkillsDir), personalAgents (~/.agents/skills),
// projectAgents (<workspace>/.agents/skills), and workspace (<workspace>/skills).
// The "managed" root (a database-backed skill source) has no counterpart here
// and is left unset. An initial Reload is performed; discovery errors are
// non-fatal (a missing root simply contributes no skills).
func NewLoader(workspace, globalSkillsDir, extraDir string) *Loader {
	roots := map[Source]string{}
	if extraDir != "" {
		roots[SourceExtra] = extraDir
	}
	if globalSkillsDir != "" {
		roots[SourceBundled] = globalSkillsDir
	}
	if home, err := os.UserHomeDir(); err == nil {
		roots[SourcePersonalAgents] = filepath.Join(home, ".agents", "skills")
	}
	if workspace != "" {
		roots[SourceProjectAgents] = filepath.Join(workspace, ".agents", "skills")
		roots[SourceWorkspace] = filepath.Join(workspace, "skills")
	}

	l := &Loader{roots: roots}
	l.Reload()
	return l
}

// Roots returns the configured precedence roots (for wiring a filesystem
// watcher against each one).
func (l *Loader) Roots() map[Source]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[Source]string, len(l.roots))
	for k, v := range l.roots {
		out[k] = v
	}
	return out
}

// Reload re-scans every root and replaces the in-memory registry.
func (l *Loader) Reload() error {
	merged := discoverAll(l.roots)
	l.mu.Lock()
	l.skills = merged
	l.mu.Unlock()
	return nil
}

// ListSkills returns every merged skill, sorted by name.
func (l *Loader) ListSkills() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, len(l.skills))
	copy(out, l.skills)
	return out
}

// Get looks up a skill by exact name.
func (l *Loader) Get(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, sk := range l.skills {
		if sk.Name == name {
			return sk, true
		}
	}
	return Skill{}, false
}

// allowed applies the loop package's allow-list convention: nil allowList
// means every skill is allowed, an empty (non-nil) slice means none, and a
// populated slice restricts to the named skills.
func allowed(name string, allowList []string) bool {
	if allowList == nil {
		return true
	}
	for _, a := range allowList {
		if a == name {
			return true
		}
	}
	return false
}

// FilterSkills returns the merged skills restricted by allowList.
func (l *Loader) FilterSkills(allowList []string) []Skill {
	all := l.ListSkills()
	if allowList == nil {
		return all
	}
	out := make([]Skill, 0, len(all))
	for _, sk := range all {
		if allowed(sk.Name, allowList) {
			out = append(out, sk)
		}
	}
	return out
}

// BuildSummary renders the "## Skills" prompt snapshot per §4.6: a header
// followed by "### <name>\n<description>\n<body>" for every allow-listed
// skill whose DisableModelInvocation is false. Returns "" when nothing
// qualifies so callers can omit the section entirely.
func (l *Loader) BuildSummary(allowList []string) string {
	filtered := l.FilterSkills(allowList)

	var b strings.Builder
	wrote := false
	for _, sk := range filtered {
		if sk.DisableModelInvocation {
			continue
		}
		if !wrote {
			b.WriteString("## Skills\n")
			wrote = true
		}
		fmt.Fprintf(&b, "### %s\n%s\n%s\n", sk.Name, sk.Description, sk.Body)
	}
	if !wrote {
		return ""
	}
	return b.String()
}
