// Package store defines the session persistence model: an append-only
// transcript of typed events per session plus lightweight metadata. Backends
// live in subpackages (file, sqlite).
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("store: session not found")

// EventKind discriminates transcript events.
type EventKind string

const (
	KindUserMessage      EventKind = "user_message"
	KindAssistantMessage EventKind = "assistant_message"
	KindToolCall         EventKind = "tool_call"
	KindToolResult       EventKind = "tool_result"
	KindSystemNote       EventKind = "system_note"
	KindCompactionMarker EventKind = "compaction_marker"
)

// Event is one transcript line. Persisted as newline-delimited JSON with
// {seq, ts, kind, ...}; unused fields are omitted.
type Event struct {
	Seq  int64     `json:"seq"`
	TS   time.Time `json:"ts"`
	Kind EventKind `json:"kind"`

	// user_message / assistant_message / system_note / compaction_marker
	Text string `json:"text,omitempty"`
	From string `json:"from,omitempty"` // display name on user messages

	// tool_call / tool_result
	ToolName string          `json:"tool_name,omitempty"`
	ToolID   string          `json:"tool_id,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Details  json.RawMessage `json:"details,omitempty"`
	OK       *bool           `json:"ok,omitempty"`

	// assistant_message
	Thinking string `json:"thinking,omitempty"`

	// attachments referenced by content hash
	Attachments []string `json:"attachments,omitempty"`
}

// Overrides are per-session settings that shadow the agent's config.
type Overrides struct {
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinking_level,omitempty"`
	AuthProfile   string `json:"auth_profile,omitempty"`
}

// Meta is the per-session record kept in the session index.
type Meta struct {
	Key           string    `json:"key"`
	Created       time.Time `json:"created"`
	Updated       time.Time `json:"updated"`
	EventCount    int       `json:"event_count"`
	TokenEstimate int       `json:"token_estimate,omitempty"`
	Overrides     Overrides `json:"overrides,omitempty"`
	Label         string    `json:"label,omitempty"`

	// Last delivery route, so RPC-initiated sends know where replies go.
	LastChannel string `json:"last_channel,omitempty"`
	LastAccount string `json:"last_account,omitempty"`
	LastTarget  string `json:"last_target,omitempty"`
}

// SessionStore persists transcripts and session metadata.
//
// Concurrency contract: Append and Rewrite for one key are serialized by the
// caller (the lane owns the session during a run); Read and Meta may run
// concurrently with writers and observe a consistent prefix.
type SessionStore interface {
	// Append assigns sequence numbers and persists events in order.
	// Creates the session on first append.
	Append(key string, events ...Event) error

	// Read returns the full transcript in seq order. A missing session
	// yields an empty slice, not an error.
	Read(key string) ([]Event, error)

	// Rewrite atomically replaces the whole transcript (compaction,
	// reset). Sequence numbers are reassigned from 1.
	Rewrite(key string, events []Event) error

	// Meta returns session metadata.
	Meta(key string) (Meta, bool)

	// SetOverrides updates per-session overrides.
	SetOverrides(key string, o Overrides) error

	// SetLabel updates the display label.
	SetLabel(key, label string) error

	// SetLastRoute records where the last inbound came from.
	SetLastRoute(key, channel, account, target string) error

	// SetTokenEstimate caches the derived token estimate.
	SetTokenEstimate(key string, tokens int) error

	// Delete removes the session record. The transcript file is retained
	// on disk unless purge is true.
	Delete(key string, purge bool) error

	// List returns metadata for all sessions, most recently updated first.
	List() []Meta

	// Close flushes and releases backend resources.
	Close() error
}
