package skills

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/goclaw/agentcore/internal/workspace"
)

// Result is a completed skill invocation's envelope, per §4.6.
type Result struct {
	SkillName  string
	Output     string
	ExecutorID string
	DurationMs int64
}

const defaultTimeout = 30 * time.Second

// Engine matches chat text against the loader's registry and runs the
// matched skill's entrypoint through the first executor that claims it.
type Engine struct {
	loader    *Loader
	guard     *workspace.Guard
	executors []Executor
}

// NewEngine builds an invocation engine. Executors are tried in order; a
// typical wiring is NewEngine(loader, guard, NewJSExecutor(guard), NewProcessExecutor()).
func NewEngine(loader *Loader, guard *workspace.Guard, executors ...Executor) *Engine {
	return &Engine{loader: loader, guard: guard, executors: executors}
}

// InvokeIfRequested implements §4.6's invokeIfRequested(text): it returns
// (nil, nil) when text matches no skill. An explicit match (slash command)
// that fails, or that produces empty output, is surfaced as an error. An
// implicit (natural-language) match that fails is swallowed — it returns
// (nil, nil) so an unrelated trigger never poisons the reply.
func (e *Engine) InvokeIfRequested(ctx context.Context, text string) (*Result, error) {
	all := e.loader.ListSkills()

	if sk, args, ok := matchExplicit(text, all); ok {
		result, err := e.invoke(ctx, sk, args)
		if err != nil {
			return nil, err
		}
		if result.Output == "" {
			return nil, fmt.Errorf("skill %s produced empty output", sk.Name)
		}
		return result, nil
	}

	if sk, ok := matchImplicit(text, all); ok {
		result, err := e.invoke(ctx, sk, text)
		if err != nil {
			return nil, nil // implicit failures are swallowed
		}
		return result, nil
	}

	return nil, nil
}

func (e *Engine) invoke(ctx context.Context, sk Skill, input string) (*Result, error) {
	entrypointPath, err := e.resolveEntrypoint(sk)
	if err != nil {
		return nil, err
	}

	timeout := defaultTimeout
	if sk.TimeoutMs > 0 {
		timeout = time.Duration(sk.TimeoutMs) * time.Millisecond
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, ex := range e.executors {
		if !ex.CanHandle(sk, entrypointPath) {
			continue
		}
		start := time.Now()
		done := make(chan struct{})
		var output string
		var execErr error
		go func() {
			defer close(done)
			output, execErr = ex.Execute(cctx, sk, entrypointPath, input)
		}()
		select {
		case <-done:
			if execErr != nil {
				return nil, execErr
			}
			return &Result{
				SkillName:  sk.Name,
				Output:     output,
				ExecutorID: ex.ID(),
				DurationMs: time.Since(start).Milliseconds(),
			}, nil
		case <-cctx.Done():
			return nil, fmt.Errorf("skill %s timed out after %s", sk.Name, timeout)
		}
	}
	return nil, fmt.Errorf("skill %s: no executor can handle entrypoint %s", sk.Name, entrypointPath)
}

// resolveEntrypoint resolves the skill's entrypoint relative to its own
// directory, then verifies the canonical path stays inside the workspace
// jail (§4.7).
func (e *Engine) resolveEntrypoint(sk Skill) (string, error) {
	if sk.Entrypoint == "" {
		return "", fmt.Errorf("skill %s has no entrypoint", sk.Name)
	}
	skillDir := filepath.Dir(sk.FilePath)
	candidate := sk.Entrypoint
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(skillDir, candidate)
	}
	if e.guard == nil {
		return filepath.Clean(candidate), nil
	}
	resolved, err := e.guard.Resolve(candidate)
	if err != nil {
		return "", fmt.Errorf("pathOutsideWorkspace: skill %s entrypoint: %w", sk.Name, err)
	}
	return resolved, nil
}

// matchExplicit recognizes "/skill <name> [args]" and "/<name> [args]",
// matching the name case-insensitively after whitespace/underscore→hyphen
// normalization.
func matchExplicit(text string, all []Skill) (Skill, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Skill{}, "", false
	}
	rest := text[1:]

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Skill{}, "", false
	}

	// "/skill <name> [args]"
	if strings.EqualFold(fields[0], "skill") && len(fields) > 1 {
		name := fields[1]
		args := strings.TrimSpace(strings.TrimPrefix(rest, fields[0]))
		args = strings.TrimSpace(strings.TrimPrefix(args, fields[1]))
		if sk, ok := findByNormalizedName(name, all); ok {
			return sk, args, true
		}
	}

	// "/<name> [args]"
	name := fields[0]
	args := strings.TrimSpace(strings.TrimPrefix(rest, fields[0]))
	if sk, ok := findByNormalizedName(name, all); ok {
		return sk, args, true
	}

	return Skill{}, "", false
}

func findByNormalizedName(name string, all []Skill) (Skill, bool) {
	norm := normalizeSkillName(name)
	for _, sk := range all {
		if normalizeSkillName(sk.Name) == norm {
			return sk, true
		}
	}
	return Skill{}, false
}

func normalizeSkillName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	return s
}

// matchImplicit matches natural-language text against skills that allow it
// (requiresExplicitInvocation=false and userInvocable=true). Both sides are
// normalized to lowercase with non-alphanumerics collapsed to single spaces
// and padded, so only whole-word matches count; the longest matching name
// wins when several skills' names appear in the text.
func matchImplicit(text string, all []Skill) (Skill, bool) {
	normText := " " + normalizeForImplicitMatch(text) + " "

	var best Skill
	found := false
	for _, sk := range all {
		if sk.RequiresExplicitInvocation || !sk.UserInvocable {
			continue
		}
		normName := " " + normalizeForImplicitMatch(sk.Name) + " "
		if !strings.Contains(normText, normName) {
			continue
		}
		if !found || len(sk.Name) > len(best.Name) {
			best = sk
			found = true
		}
	}
	return best, found
}

func normalizeForImplicitMatch(s string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range strings.ToLower(s) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastWasSpace = false
			continue
		}
		if !lastWasSpace {
			b.WriteByte(' ')
			lastWasSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
