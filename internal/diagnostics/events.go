// Package diagnostics implements the bounded-ring event recorder and usage
// counters described in §4.10: every subsystem (runtime, channels, security)
// reports through record(), and operators read back recentEvents/usageSnapshot
// without the reporting subsystems needing to know about each other.
package diagnostics

// Event names emitted by the runtime, channel, and security subsystems (§6).
const (
	EventInboundReceived      = "inbound.received"
	EventRoutingSessionResolv = "routing.session_resolved"
	EventSkillInvoked         = "skill.invoked"
	EventModelCallStarted     = "model.call.started"
	EventModelCallCompleted   = "model.call.completed"
	EventModelCallFailed      = "model.call.failed"
	EventOutboundSent         = "outbound.sent"
	EventOutboundFailed       = "outbound.failed"
	EventOutboundSkipped      = "outbound.skipped"
	EventRunStarted           = "run.started"
	EventRunCompleted         = "run.completed"
	EventRunFailed            = "run.failed"

	EventChannelOutboundSent   = "channel.outbound.sent"
	EventChannelOutboundFailed = "channel.outbound.failed"
	EventOverflowDropped       = "overflow.dropped"

	EventAuditCompleted = "audit.completed"
	EventAuditFinding   = "audit.finding"
)

// Event is one recorded occurrence, keyed by (Subsystem, Name) for counting
// and carried with small string metadata for the ring buffer.
type Event struct {
	Subsystem string            `json:"subsystem"`
	Name      string            `json:"name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TsMs      int64             `json:"ts_ms"`
}

// Sink is the function signature diagnostics consumers (the channel registry,
// the auto-reply engine, the security auditor) call to report an event.
type Sink func(event Event)
