// Package channels connects external messaging transports to the agent
// runtime. A channel normalizes platform messages into bus envelopes and
// delivers outbound replies; optional capabilities (reactions, typing,
// block streaming) are separate interfaces a channel may implement.
package channels

import (
	"context"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
)

// Capability names a typed optional adapter.
type Capability string

const (
	CapDM              Capability = "dm"
	CapGroup           Capability = "group"
	CapChannel         Capability = "channel"
	CapThread          Capability = "thread"
	CapReactions       Capability = "reactions"
	CapEdits           Capability = "edits"
	CapMedia           Capability = "media"
	CapBlockStreaming  Capability = "block_streaming"
	CapNativeCommands  Capability = "native_commands"
	CapTypingIndicator Capability = "typing"
)

// Channel is the contract every transport implements.
type Channel interface {
	// Name returns the channel identifier ("telegram", "loopback", ...).
	Name() string

	// Capabilities declares what this channel supports. The registry
	// verifies the declared set against the implemented interfaces.
	Capabilities() []Capability

	// Start begins receiving. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the channel down, flushing in-flight sends.
	Stop(ctx context.Context) error

	// Send delivers one outbound message (a single chunk; the deliverer
	// handles splitting and pacing).
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// Running reports whether the channel is receiving.
	Running() bool
}

// Reactor is implemented by channels that can set ack reactions on the
// message that triggered a run.
type Reactor interface {
	Channel
	React(ctx context.Context, target, messageID, emoji string) error
	ClearReaction(ctx context.Context, target, messageID string) error
}

// Typer is implemented by channels with a typing indicator.
type Typer interface {
	Channel
	Typing(ctx context.Context, target string, active bool) error
}

// MediaSender is implemented by channels that can deliver attachments
// natively. Channels without it get a textual fallback from the deliverer.
type MediaSender interface {
	Channel
	SendMedia(ctx context.Context, msg bus.OutboundMessage) error
}

// Base carries the shared plumbing for channel implementations: the bus,
// the channel config, and inbound gating. Implementations embed it.
type Base struct {
	name    string
	account string
	bus     *bus.MessageBus
	cfg     config.ChannelConfig
	dedupe  *bus.DedupeCache
	running bool
}

// NewBase builds the shared core for a channel implementation.
func NewBase(name string, msgBus *bus.MessageBus, cfg config.ChannelConfig) Base {
	account := cfg.Account
	if account == "" {
		account = "default"
	}
	return Base{
		name:    name,
		account: account,
		bus:     msgBus,
		cfg:     cfg,
		dedupe:  bus.NewDedupeCache(20*time.Minute, 5000),
	}
}

func (b *Base) Name() string            { return b.name }
func (b *Base) Account() string         { return b.account }
func (b *Base) Running() bool           { return b.running }
func (b *Base) SetRunning(r bool)       { b.running = r }
func (b *Base) Config() config.ChannelConfig { return b.cfg }

// Allowed checks the allowlist. An empty allowlist admits everyone.
func (b *Base) Allowed(sender string) bool {
	if len(b.cfg.Allowlist) == 0 {
		return true
	}
	for _, entry := range b.cfg.Allowlist {
		if sender == entry || sender == strings.TrimPrefix(entry, "@") {
			return true
		}
	}
	return false
}

// Accept applies DM/group policy and mention gating to an inbound
// envelope. Returns false when the message must be dropped.
func (b *Base) Accept(env *bus.Envelope) bool {
	if env.ChatKind == bus.ChatDM {
		switch b.cfg.DMPolicy {
		case config.DMPolicyDisabled:
			return false
		case config.DMPolicyAllowlist, config.DMPolicyPairing:
			return b.Allowed(env.Peer)
		default: // open
			return true
		}
	}

	switch b.cfg.GroupPolicy {
	case config.GroupPolicyDisabled:
		return false
	case config.GroupPolicyAllowlist:
		if !b.Allowed(env.Group) {
			return false
		}
	}
	if b.cfg.RequireMention && !mentionsSelf(env, b.account) {
		return false
	}
	return true
}

// Publish gates, dedupes, and forwards an inbound envelope to the bus.
// dedupeKey is the platform message id; empty skips dedupe.
func (b *Base) Publish(env bus.Envelope, dedupeKey string) {
	env.Channel = b.name
	if env.Account == "" {
		env.Account = b.account
	}
	if !b.Accept(&env) {
		return
	}
	if dedupeKey != "" && b.dedupe.Seen(b.name+":"+dedupeKey) {
		return
	}
	b.bus.PublishInbound(env)
}

func mentionsSelf(env *bus.Envelope, account string) bool {
	for _, m := range env.Mentions {
		if m == account || m == "@"+account {
			return true
		}
	}
	return false
}
