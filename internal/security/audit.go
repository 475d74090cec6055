// Package security implements the configuration security audit described in
// §4.11: a pure-function pass over already-loaded config plus a short list of
// named files, producing ranked findings. The audit never reaches out to the
// network and never mutates anything it inspects.
package security

import (
	"fmt"
	"os"
	"regexp"
	"sort"
)

// Severity ranks a Finding for sorting and for callers deciding whether to
// fail a deploy.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// Finding is one audit result.
type Finding struct {
	ID       string
	Severity Severity
	Message  string
}

// AuditInput is the set of already-resolved facts the audit checks against.
// Callers assemble this from config.Config plus the handful of filesystem
// paths worth checking — the audit itself does no config parsing.
type AuditInput struct {
	// Routing collapse (§4.11): all three false means every peer on a channel
	// shares one session.
	RoutingIncludeChannelID bool
	RoutingIncludeAccountID bool
	RoutingIncludePeerID    bool

	// ConfigHasPlaintextSecrets is true when the caller found API keys/tokens
	// written directly into the loaded config rather than sourced from env.
	ConfigHasPlaintextSecrets bool

	// MentionOnlyDisabledChannels lists enabled IM adapters (discord/telegram/
	// whatsapp/...) that do not require an @mention in group chats.
	MentionOnlyDisabledChannels []string

	// GatewayAuthMode is the configured gateway auth mode; "" or "none" is unsafe.
	GatewayAuthMode string

	// LocalModelEnabled/LocalModelPath: a local-runtime provider enabled
	// without a model path is a dead end at first generate() call.
	LocalModelEnabled bool
	LocalModelPath    string

	// ExecToolRestrictToWorkspace: false means the exec/shell tool can touch
	// paths outside the workspace jail.
	ExecToolRestrictToWorkspace bool

	// MCPPlaintextWSServers lists MCP server names configured with a
	// plaintext ws:// (rather than wss://) URL.
	MCPPlaintextWSServers []string

	// FilePermissionPaths are on-disk paths (credentials.json, config.json,
	// ...) whose mode bits get checked for group/other/world-writable access.
	FilePermissionPaths []string

	// PlaintextSecretScanPaths are files scanned for secret-looking strings
	// (sk-..., Bearer ..., etc.) that should have come from env instead.
	PlaintextSecretScanPaths []string
}

var secretLikePattern = regexp.MustCompile(`(?i)(sk-[a-z0-9]{10,}|xox[baprs]-[a-z0-9-]{10,}|bearer\s+[a-z0-9._-]{10,}|api[_-]?key\s*[:=]\s*['"][a-z0-9._-]{10,}['"])`)

// Run executes every §4.11 check plus the exec-tool and MCP supplements
// against in, returning findings ranked error > warning > info, then by ID.
func Run(in AuditInput) []Finding {
	var findings []Finding

	if in.ConfigHasPlaintextSecrets {
		findings = append(findings, Finding{
			ID:       "secrets.config.plaintext",
			Severity: SeverityWarning,
			Message:  "config file contains plaintext API keys/tokens; prefer environment variables or the credential store",
		})
	}

	if !in.RoutingIncludeChannelID && !in.RoutingIncludeAccountID && !in.RoutingIncludePeerID {
		findings = append(findings, Finding{
			ID:       "routing.shared-session",
			Severity: SeverityWarning,
			Message:  "routing config derives every inbound message to the same session key; all peers on a channel share one conversation",
		})
	}

	for _, ch := range in.MentionOnlyDisabledChannels {
		findings = append(findings, Finding{
			ID:       "channel.mention-only-disabled." + ch,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("channel %q is enabled without requiring an @mention in group chats", ch),
		})
	}

	if in.GatewayAuthMode == "" || in.GatewayAuthMode == "none" {
		findings = append(findings, Finding{
			ID:       "gateway.auth-mode-unsafe",
			Severity: SeverityError,
			Message:  "gateway auth mode is unset or \"none\"; the transport accepts unauthenticated connections",
		})
	}

	if in.LocalModelEnabled && in.LocalModelPath == "" {
		findings = append(findings, Finding{
			ID:       "local-model.no-path",
			Severity: SeverityWarning,
			Message:  "local-runtime provider is enabled but no model path is configured",
		})
	}

	if !in.ExecToolRestrictToWorkspace {
		findings = append(findings, Finding{
			ID:       "tools.exec-unrestricted",
			Severity: SeverityWarning,
			Message:  "exec tool is not restricted to the workspace jail (restrict_to_workspace=false)",
		})
	}

	for _, srv := range in.MCPPlaintextWSServers {
		findings = append(findings, Finding{
			ID:       "mcp.plaintext-ws." + srv,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("MCP server %q is configured over plaintext ws://", srv),
		})
	}

	for _, path := range in.FilePermissionPaths {
		if f := checkFilePermissions(path); f != nil {
			findings = append(findings, *f)
		}
	}

	for _, path := range in.PlaintextSecretScanPaths {
		if f := scanForPlaintextSecrets(path); f != nil {
			findings = append(findings, *f)
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return findings[i].Severity > findings[j].Severity
		}
		return findings[i].ID < findings[j].ID
	})

	return findings
}

func checkFilePermissions(path string) *Finding {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	mode := info.Mode().Perm()

	if mode&0002 != 0 {
		return &Finding{
			ID:       "file-permissions." + path,
			Severity: SeverityError,
			Message:  fmt.Sprintf("%s is world-writable (mode %o)", path, mode),
		}
	}
	if mode&0077 != 0 {
		return &Finding{
			ID:       "file-permissions." + path,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%s is readable/writable by group or other (mode %o)", path, mode),
		}
	}
	return nil
}

func scanForPlaintextSecrets(path string) *Finding {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if secretLikePattern.Match(data) {
		return &Finding{
			ID:       "secrets.plaintext-scan." + path,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%s appears to contain a plaintext secret", path),
		}
	}
	return nil
}
