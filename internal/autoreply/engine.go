// Package autoreply implements the engine described in §4.3: the single
// inbound-to-outbound orchestrator that ties session routing, skill
// invocation, prompt assembly, and the agent runtime together, emitting
// diagnostics at each step.
package autoreply

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goclaw/agentcore/internal/agent"
	"github.com/goclaw/agentcore/internal/bus"
	"github.com/goclaw/agentcore/internal/diagnostics"
	"github.com/goclaw/agentcore/internal/routing"
	"github.com/goclaw/agentcore/internal/skills"
	"github.com/goclaw/agentcore/internal/store"
)

const defaultTimeout = 30 * time.Second
const defaultMemoryContextLimit = 12

// AgentRunner is the subset of *agent.Loop the engine drives. A single Loop
// is bound to one provider at construction time (§4.5's dispatch order is
// resolved once, when an agent's Loop is built, not per inbound message).
type AgentRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// ChannelSender delivers a finished outbound message through the channel
// registry, which owns its own retry/health/outbound.* event emission.
type ChannelSender interface {
	SendToChannel(ctx context.Context, channelName, chatID, content string) error
}

// SkillInvoker matches inbound text against the skill registry.
type SkillInvoker interface {
	InvokeIfRequested(ctx context.Context, text string) (*skills.Result, error)
}

// MemoryStore is the conversation-memory subset the engine needs.
type MemoryStore interface {
	AppendUserTurn(sessionKey string, route store.RouteRef, text string, tsMs int64)
	AppendAssistantTurn(sessionKey string, route store.RouteRef, text string, tsMs int64)
	FormattedContext(sessionKey string, limit int) string
}

// SessionResolver is the subset of store.SessionStore the engine needs.
type SessionResolver interface {
	ResolveOrCreate(key, resolvedAgentID string, route routing.Route) store.SessionRecord
}

// Engine implements process(inbound) -> outbound per §4.3.
type Engine struct {
	sessions SessionResolver
	memory   MemoryStore  // nil if no memory store is configured
	skills   SkillInvoker // nil if no skill engine is configured
	runner   AgentRunner
	sender   ChannelSender

	routingCfg routing.Config
	agentsCfg  routing.AgentsConfig

	diag               diagnostics.Sink
	timeout            time.Duration
	memoryContextLimit int
}

// NewEngine builds the auto-reply engine. memory and skillEngine may be nil.
func NewEngine(sessions SessionResolver, memory MemoryStore, skillEngine SkillInvoker, runner AgentRunner, sender ChannelSender, routingCfg routing.Config, agentsCfg routing.AgentsConfig) *Engine {
	return &Engine{
		sessions:           sessions,
		memory:             memory,
		skills:             skillEngine,
		runner:             runner,
		sender:             sender,
		routingCfg:         routingCfg,
		agentsCfg:          agentsCfg,
		timeout:            defaultTimeout,
		memoryContextLimit: defaultMemoryContextLimit,
	}
}

// SetDiagSink wires a diagnostics sink; nil is a valid no-op sink.
func (e *Engine) SetDiagSink(sink diagnostics.Sink) { e.diag = sink }

// SetTimeout overrides the default 30s auto-reply timeout.
func (e *Engine) SetTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// SetMemoryContextLimit overrides the default 12-turn memory context window.
func (e *Engine) SetMemoryContextLimit(n int) {
	if n > 0 {
		e.memoryContextLimit = n
	}
}

func (e *Engine) emit(name string, metadata map[string]string) {
	if e.diag == nil {
		return
	}
	e.diag(diagnostics.Event{
		Subsystem: "autoreply",
		Name:      name,
		Metadata:  metadata,
		TsMs:      time.Now().UnixMilli(),
	})
}

// Process implements process(inbound) -> outbound. It delivers the outbound
// itself via the configured ChannelSender (§4.3 step 8: send through the
// channel registry, which emits channel.outbound.sent|failed) and
// returns the outbound it sent for callers that want to inspect it (tests,
// synchronous transports).
func (e *Engine) Process(ctx context.Context, inbound bus.InboundMessage) (*bus.OutboundMessage, error) {
	e.emit(diagnostics.EventInboundReceived, map[string]string{"channel": inbound.Channel, "peer_id": inbound.PeerID})

	text := strings.TrimSpace(inbound.Text)
	route := routing.Route{Channel: inbound.Channel, AccountID: inbound.AccountID, PeerID: inbound.PeerID}

	if text == "" {
		e.emit(diagnostics.EventOutboundSkipped, map[string]string{"reason": "empty_text"})
		return &bus.OutboundMessage{Channel: inbound.Channel, AccountID: inbound.AccountID, PeerID: inbound.PeerID, Text: ""}, nil
	}

	// Step 2: derive session key, resolve agent, upsert session record.
	sessionKey := routing.DeriveSessionKey(inbound.SessionKeyOverride, route, e.routingCfg)
	resolvedAgentID := e.agentsCfg.ResolvedAgentID(route)
	e.sessions.ResolveOrCreate(sessionKey, resolvedAgentID, route)
	e.emit(diagnostics.EventRoutingSessionResolv, map[string]string{"session_key": sessionKey, "agent_id": resolvedAgentID})

	nowMs := time.Now().UnixMilli()
	routeRef := store.RouteRef{Channel: inbound.Channel, AccountID: inbound.AccountID, PeerID: inbound.PeerID}

	// Step 3: append user turn.
	if e.memory != nil {
		e.memory.AppendUserTurn(sessionKey, routeRef, text, nowMs)
	}

	// Step 4: attempt skill invocation.
	var skillResult *skills.Result
	if e.skills != nil {
		result, err := e.skills.InvokeIfRequested(ctx, text)
		if err != nil {
			return e.systemError(ctx, inbound, route, sessionKey, err)
		}
		skillResult = result
		if skillResult != nil {
			e.emit(diagnostics.EventSkillInvoked, map[string]string{"skill": skillResult.SkillName, "session_key": sessionKey})
		}
	}

	// Step 5: compose the extra prompt sections Loop doesn't already own
	// (bootstrap context and the skills summary are composed by Loop
	// itself, from its own construction-time config). Memory context comes
	// before skill output, matching the order in §4.3.
	var extra strings.Builder
	if e.memory != nil {
		if section := e.memory.FormattedContext(sessionKey, e.memoryContextLimit); section != "" {
			extra.WriteString(section)
			extra.WriteString("\n\n")
		}
	}
	if skillResult != nil {
		fmt.Fprintf(&extra, "## Skill Output (%s)\n%s", skillResult.SkillName, skillResult.Output)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.emit(diagnostics.EventModelCallStarted, map[string]string{"session_key": sessionKey, "agent_id": resolvedAgentID})

	result, err := e.runner.Run(runCtx, agent.RunRequest{
		SessionKey:        sessionKey,
		Message:           text,
		Media:             mediaPaths(inbound.Attachments),
		Channel:           inbound.Channel,
		ChatID:            inbound.PeerID,
		PeerKind:          inbound.PeerKind,
		RunID:             runID(sessionKey, nowMs),
		UserID:            inbound.SenderID,
		SenderID:          inbound.SenderID,
		ExtraSystemPrompt: strings.TrimSpace(extra.String()),
	})
	if err != nil {
		timedOut := runCtx.Err() == context.DeadlineExceeded
		meta := map[string]string{"session_key": sessionKey}
		if timedOut {
			meta["timedOut"] = "true"
		}
		e.emit(diagnostics.EventModelCallFailed, meta)
		return e.systemError(ctx, inbound, route, sessionKey, err)
	}
	e.emit(diagnostics.EventModelCallCompleted, map[string]string{"session_key": sessionKey, "run_id": result.RunID})

	// Step 7: append assistant turn.
	if e.memory != nil {
		e.memory.AppendAssistantTurn(sessionKey, routeRef, result.Content, time.Now().UnixMilli())
	}

	out := &bus.OutboundMessage{
		Channel:   inbound.Channel,
		AccountID: inbound.AccountID,
		PeerID:    inbound.PeerID,
		Text:      result.Content,
	}

	// Step 8: send through the channel registry; it owns channel.outbound.sent|failed.
	if err := e.sender.SendToChannel(ctx, inbound.Channel, inbound.PeerID, out.Text); err != nil {
		return out, err
	}
	return out, nil
}

// systemError implements the error policy: any step except (1), the
// implicit-skill-match path, and the memory append converts its failure
// into a ".system"-role outbound "Error: <message>", still delivered
// through the channel registry so observability isn't lost.
func (e *Engine) systemError(ctx context.Context, inbound bus.InboundMessage, _ routing.Route, sessionKey string, cause error) (*bus.OutboundMessage, error) {
	text := "Error: " + cause.Error()
	out := &bus.OutboundMessage{
		Channel:   inbound.Channel,
		AccountID: inbound.AccountID,
		PeerID:    inbound.PeerID,
		Text:      text,
	}
	if e.memory != nil {
		e.memory.AppendAssistantTurn(sessionKey, store.RouteRef{Channel: inbound.Channel, AccountID: inbound.AccountID, PeerID: inbound.PeerID}, text, time.Now().UnixMilli())
	}
	if sendErr := e.sender.SendToChannel(ctx, inbound.Channel, inbound.PeerID, out.Text); sendErr != nil {
		return out, sendErr
	}
	return out, nil
}

func mediaPaths(attachments []bus.MediaAttachment) []string {
	if len(attachments) == 0 {
		return nil
	}
	paths := make([]string, 0, len(attachments))
	for _, a := range attachments {
		paths = append(paths, a.URL)
	}
	return paths
}

func runID(sessionKey string, nowMs int64) string {
	return fmt.Sprintf("run-%s-%d", sanitizeForID(sessionKey), nowMs)
}

func sanitizeForID(s string) string {
	return strings.NewReplacer(":", "-", " ", "_").Replace(s)
}
