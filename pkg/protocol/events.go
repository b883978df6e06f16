package protocol

// Event names pushed from server to client.
const (
	EventAgent    = "agent"    // streaming run events, payload keyed by run_id
	EventChat     = "chat"     // normalized inbound/outbound chat notifications
	EventTick     = "tick"     // periodic heartbeat
	EventShutdown = "shutdown" // server going away; payload carries restart_expected_ms
	EventSnapshot = "snapshot" // emitted once after handshake
	EventGap      = "gap"      // one or more non-critical events were dropped
)

// Run event kinds carried in EventAgent payloads. A run terminates with
// exactly one "final" or one "error".
const (
	RunEventLifecycle  = "lifecycle"
	RunEventThought    = "thought"
	RunEventTextDelta  = "text_delta"
	RunEventToolCall   = "tool_call"
	RunEventToolResult = "tool_result"
	RunEventError      = "error"
	RunEventFinal      = "final"
)

// Lifecycle phases carried in RunEventLifecycle payloads.
const (
	RunPhaseStarted    = "started"
	RunPhaseCompacting = "compacting"
	RunPhaseRetrying   = "retrying"
)

// Events returns the event names advertised in hello_ok features.
func Events() []string {
	return []string{EventAgent, EventChat, EventTick, EventShutdown, EventSnapshot, EventGap}
}

// CriticalRunEvents are run event kinds that must never be dropped under
// backpressure. Deltas and thoughts may be dropped with a gap marker.
var CriticalRunEvents = map[string]bool{
	RunEventLifecycle: true,
	RunEventFinal:     true,
	RunEventError:     true,
}
