package store

import (
	"fmt"
	"regexp"
	"strings"
)

var specialTokenPattern = regexp.MustCompile(`<\|[^|]*\|>`)

// escapeMemoryText neutralizes markdown/prompt-structuring sequences that a stored turn's
// text might contain, so that replaying it as prompt context can never be mistaken for a new
// section heading, a fenced code block boundary, or a model control token from untrusted
// input. "##" becomes "# #", triple-backtick becomes three single backticks separated by a
// non-printing marker, and "<|...|>" sequences are split across the same marker.
func escapeMemoryText(text string) string {
	const zwsp = "​"
	text = strings.ReplaceAll(text, "##", "# #")
	text = strings.ReplaceAll(text, "```", "`"+zwsp+"`"+zwsp+"`")
	text = specialTokenPattern.ReplaceAllStringFunc(text, func(m string) string {
		return "<" + zwsp + m[1:]
	})
	return text
}

// FormatConversationContext renders turns as the full "## Conversation Memory Context"
// prompt section: the header followed by one "[role] <escaped-text>" line per turn, oldest
// first. Returns "" when there are no turns, so callers can omit the section entirely.
func FormatConversationContext(turns []ConversationTurn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Conversation Memory Context\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s] %s\n", t.Role, escapeMemoryText(t.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}
