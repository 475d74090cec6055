package agent

import "regexp"

// InputGuard scans inbound user text for common prompt-injection patterns
// before it reaches the model: attempts to override the system prompt, smuggle
// control markers the conversation-memory store would otherwise escape, or
// coax the model into revealing its instructions. No injection-detection
// library appears anywhere in the retrieval pack, so this is a small
// regexp-based scanner in the same spirit as the control-marker escaping the
// conversation-memory store already does.
type InputGuard struct {
	patterns []injectionPattern
}

type injectionPattern struct {
	name string
	re   *regexp.Regexp
}

// NewInputGuard builds a guard with the default pattern set.
func NewInputGuard() *InputGuard {
	return &InputGuard{patterns: defaultInjectionPatterns()}
}

func defaultInjectionPatterns() []injectionPattern {
	return []injectionPattern{
		{"ignore-prior-instructions", regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+instructions`)},
		{"system-prompt-override", regexp.MustCompile(`(?i)you are now\b|new system prompt|act as if you (have no|are not)|disregard your (rules|guidelines)`)},
		{"role-marker-smuggle", regexp.MustCompile(`(?i)\[system\]|<\|\s*system\s*\|>|###\s*system`)},
		{"reveal-instructions", regexp.MustCompile(`(?i)reveal (your|the) (system prompt|instructions|hidden prompt|api key)`)},
		{"control-marker-smuggle", regexp.MustCompile("```|<\\|[^|]*\\|>")},
	}
}

// Scan returns the names of every pattern that matched text.
func (g *InputGuard) Scan(text string) []string {
	var matched []string
	for _, p := range g.patterns {
		if p.re.MatchString(text) {
			matched = append(matched, p.name)
		}
	}
	return matched
}
