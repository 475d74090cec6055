// Package sessions provides the cron/subagent session-key grammar. Ordinary channel routing
// uses the simpler "segment:segment" grammar in internal/routing; this package only covers
// the two supplemental session kinds that need a stable label inside a key that may itself
// already be a canonical key (cron job re-runs, subagent spawns).
package sessions

import (
	"fmt"
	"strings"
)

// BuildCronSessionKey builds the session key for one cron job run.
//
//	cron:{jobID}:run:{runID}
//
// Guards against double-prefixing: if jobID is already a cron session key, only the job
// label portion is reused, so re-scheduling a cron run never nests "cron:cron:...".
func BuildCronSessionKey(jobID, runID string) string {
	if label, ok := cronJobLabel(jobID); ok {
		jobID = label
	}
	return fmt.Sprintf("cron:%s:run:%s", jobID, runID)
}

// BuildSubagentSessionKey builds the session key for a subagent spawned under label.
//
//	subagent:{label}
func BuildSubagentSessionKey(label string) string {
	return fmt.Sprintf("subagent:%s", label)
}

// IsSubagentSession reports whether key identifies a subagent session.
func IsSubagentSession(key string) bool {
	return strings.HasPrefix(strings.ToLower(key), "subagent:")
}

// IsCronSession reports whether key identifies a cron-run session.
func IsCronSession(key string) bool {
	return strings.HasPrefix(strings.ToLower(key), "cron:")
}

// cronJobLabel extracts the job label from an existing cron session key
// ("cron:<label>:run:<runID>" -> "<label>").
func cronJobLabel(key string) (string, bool) {
	if !IsCronSession(key) {
		return "", false
	}
	parts := strings.Split(key, ":")
	if len(parts) < 4 || parts[2] != "run" {
		return "", false
	}
	return parts[1], true
}
