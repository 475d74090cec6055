package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/goclaw/agentcore/internal/bootstrap"
	"github.com/goclaw/agentcore/internal/bus"
	"github.com/goclaw/agentcore/internal/config"
	"github.com/goclaw/agentcore/internal/providers"
	"github.com/goclaw/agentcore/internal/skills"
	"github.com/goclaw/agentcore/internal/store"
	"github.com/goclaw/agentcore/internal/tools"
)

// Agent is anything the router can dispatch a run to. *Loop is the only implementation.
type Agent interface {
	ID() string
	Model() string
	IsRunning() bool
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// ResolverFunc builds (or looks up) the Agent for an agent key. Resolution may be
// expensive (workspace setup, context-file loading), so Router caches the result.
type ResolverFunc func(agentKey string) (Agent, error)

// agentEntry is a cached resolution result.
type agentEntry struct {
	agent Agent
}

// Router resolves agent keys to Agents, caching results until explicitly invalidated.
type Router struct {
	mu       sync.RWMutex
	agents   map[string]*agentEntry
	resolver ResolverFunc
}

// NewRouter creates a Router. Call SetResolver before the first Resolve call.
func NewRouter() *Router {
	return &Router{agents: make(map[string]*agentEntry)}
}

// SetResolver installs the function used to build Agents on cache miss.
func (r *Router) SetResolver(fn ResolverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = fn
}

// Resolve returns the cached Agent for agentKey, building it via the resolver on first use.
func (r *Router) Resolve(agentKey string) (Agent, error) {
	r.mu.RLock()
	entry, ok := r.agents[agentKey]
	resolver := r.resolver
	r.mu.RUnlock()
	if ok {
		return entry.agent, nil
	}
	if resolver == nil {
		return nil, fmt.Errorf("agent router: no resolver configured")
	}

	ag, err := resolver(agentKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[agentKey]; ok {
		return existing.agent, nil
	}
	r.agents[agentKey] = &agentEntry{agent: ag}
	return ag, nil
}

// List returns the keys of every agent resolved (and cached) so far.
func (r *Router) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.agents))
	for k := range r.agents {
		keys = append(keys, k)
	}
	return keys
}

// InvalidateAgent removes an agent from the router cache, forcing re-resolution
// on the next Resolve call. Used when its config is updated.
func (r *Router) InvalidateAgent(agentKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentKey)
	slog.Debug("invalidated agent cache", "agent", agentKey)
}

// InvalidateAll clears the entire agent cache, forcing all agents to re-resolve.
// Used when global tools or config change.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*agentEntry)
	slog.Debug("invalidated all agent caches")
}

// ConfigResolverDeps holds the shared dependencies used to build Loops from config.json's
// [agents] section (the static, non-DB-backed agent directory).
type ConfigResolverDeps struct {
	Agents      config.AgentsConfig
	ProviderReg *providers.Registry
	Bus         bus.EventPublisher
	Sessions    store.HistoryStore
	Tools       *tools.Registry
	ToolPolicy  *tools.PolicyEngine
	Skills      *skills.Loader
	OnEvent     func(AgentEvent)

	// BootstrapCleanup removes BOOTSTRAP.md after a successful first run, if set.
	BootstrapCleanup func(ctx context.Context, workspace string) error
}

// NewConfigResolver builds a ResolverFunc that constructs Loops from config.json's agent
// directory: AgentsConfig.Defaults merged with the per-agent AgentSpec override named by
// agentKey (falling back to the single entry marked Default, then to the defaults alone).
func NewConfigResolver(deps ConfigResolverDeps) ResolverFunc {
	return func(agentKey string) (Agent, error) {
		spec, specOK := deps.Agents.List[agentKey]
		if !specOK {
			spec = defaultAgentSpec(deps.Agents)
		}
		d := deps.Agents.Defaults

		provider, err := resolveProvider(deps.ProviderReg, firstNonEmpty(spec.Provider, d.Provider))
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agentKey, err)
		}

		model := firstNonEmpty(spec.Model, d.Model)
		contextWindow := firstPositive(spec.ContextWindow, d.ContextWindow, 200000)
		maxIter := firstPositive(spec.MaxToolIterations, d.MaxToolIterations, 20)

		workspace := firstNonEmpty(spec.Workspace, d.Workspace)
		if workspace != "" {
			workspace = config.ExpandHome(workspace)
			if !filepath.IsAbs(workspace) {
				if abs, err := filepath.Abs(workspace); err == nil {
					workspace = abs
				}
			}
			if err := os.MkdirAll(workspace, 0755); err != nil {
				slog.Warn("failed to create agent workspace directory", "workspace", workspace, "agent", agentKey, "error", err)
			}
		}

		maxChars := d.BootstrapMaxChars
		totalChars := d.BootstrapTotalMaxChars
		var contextFiles []bootstrap.ContextFile
		if workspace != "" {
			contextFiles = bootstrap.LoadWorkspaceContext(workspace, maxChars, totalChars)
		}

		toolPolicy := spec.Tools

		compactionCfg := d.Compaction
		contextPruningCfg := d.ContextPruning
		sandboxEnabled := false
		sandboxContainerDir := ""
		sandboxWorkspaceAccess := "none"
		if sc := firstSandbox(spec.Sandbox, d.Sandbox); sc != nil {
			sandboxEnabled = sc.Mode != "" && sc.Mode != "off"
			sandboxContainerDir = "/workspace"
			if sc.WorkspaceAccess != "" {
				sandboxWorkspaceAccess = sc.WorkspaceAccess
			}
		}

		loop := NewLoop(LoopConfig{
			ID:                     agentKey,
			Provider:               provider,
			Model:                  model,
			ContextWindow:          contextWindow,
			MaxIterations:          maxIter,
			Workspace:              workspace,
			Bus:                    deps.Bus,
			Sessions:               deps.Sessions,
			Tools:                  deps.Tools,
			ToolPolicy:             deps.ToolPolicy,
			AgentToolPolicy:        toolPolicy,
			SkillsLoader:           deps.Skills,
			SkillAllowList:         spec.Skills,
			HasMemory:              d.Memory == nil || d.Memory.Enabled == nil || *d.Memory.Enabled,
			ContextFiles:           contextFiles,
			BootstrapCleanup:       deps.BootstrapCleanup,
			OnEvent:                deps.OnEvent,
			CompactionCfg:          compactionCfg,
			ContextPruningCfg:      contextPruningCfg,
			SandboxEnabled:         sandboxEnabled,
			SandboxContainerDir:    sandboxContainerDir,
			SandboxWorkspaceAccess: sandboxWorkspaceAccess,
		})

		slog.Info("resolved agent from config", "agent", agentKey, "model", model, "provider", provider.Name())
		return loop, nil
	}
}

// defaultAgentSpec returns the AgentSpec marked Default, or a zero-value spec (meaning "inherit
// AgentDefaults entirely") when none is marked.
func defaultAgentSpec(cfg config.AgentsConfig) config.AgentSpec {
	for _, spec := range cfg.List {
		if spec.Default {
			return spec
		}
	}
	return config.AgentSpec{}
}

func resolveProvider(reg *providers.Registry, name string) (providers.Provider, error) {
	if reg == nil {
		return nil, fmt.Errorf("no provider registry configured")
	}
	if name != "" {
		if p, err := reg.Get(name); err == nil {
			return p, nil
		}
	}
	if id := reg.DefaultProviderID(); id != "" {
		if p, err := reg.Get(id); err == nil {
			return p, nil
		}
	}
	names := reg.List()
	if len(names) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	return reg.Get(names[0])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstSandbox(vals ...*config.SandboxConfig) *config.SandboxConfig {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
