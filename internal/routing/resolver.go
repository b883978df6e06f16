package routing

import (
	"strings"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
)

// Normalizer canonicalizes channel-specific account and peer identifiers
// (e.g. E.164 for phone-based channels). Must be pure.
type Normalizer func(account, peer string) (string, string)

// Policy is the effective delivery policy for a resolved envelope.
type Policy struct {
	DMPolicy       config.DMPolicy
	GroupPolicy    config.GroupPolicy
	RequireMention bool

	// Blocked is set when the resolved policy denies the envelope. The
	// resolver never fails; callers discard blocked envelopes silently
	// (with a diagnostic log) to avoid oracle behavior.
	Blocked     bool
	BlockReason string
}

// Route is the result of resolving an envelope.
type Route struct {
	AgentID    string
	SessionKey string
	Policy     Policy
}

// Resolver maps envelopes to routes. It is a pure function of the envelope
// and a config snapshot: no I/O, no clock, no randomness. Normalizers are
// fixed at construction.
type Resolver struct {
	normalizers map[string]Normalizer
}

// NewResolver creates a resolver with per-channel normalizers. Channels
// without a normalizer pass identifiers through after whitespace trimming.
func NewResolver(normalizers map[string]Normalizer) *Resolver {
	if normalizers == nil {
		normalizers = map[string]Normalizer{}
	}
	return &Resolver{normalizers: normalizers}
}

// Resolve maps an envelope to (agent, session key, policy) under the given
// config snapshot.
func (r *Resolver) Resolve(env bus.Envelope, cfg *config.Config) Route {
	account, peer := r.normalize(env.Channel, env.Account, env.Peer)

	agentID := r.matchBinding(env, account, peer, cfg)
	if agentID == "" {
		agentID = cfg.DefaultAgentID()
	}
	if agentID == "" {
		return Route{Policy: Policy{Blocked: true, BlockReason: "no_binding"}}
	}

	ch := cfg.Channel(env.Channel)
	pol := Policy{
		DMPolicy:       ch.DMPolicy,
		GroupPolicy:    ch.GroupPolicy,
		RequireMention: ch.RequireMention,
	}
	if pol.DMPolicy == "" {
		pol.DMPolicy = config.DMPolicyOpen
	}
	if pol.GroupPolicy == "" {
		pol.GroupPolicy = config.GroupPolicyOpen
	}

	if reason := denyReason(env, ch, peer); reason != "" {
		pol.Blocked = true
		pol.BlockReason = reason
	}

	key := r.sessionKey(agentID, env, account, peer, ch)
	return Route{AgentID: agentID, SessionKey: key, Policy: pol}
}

func (r *Resolver) normalize(channel, account, peer string) (string, string) {
	account = strings.TrimSpace(account)
	peer = strings.TrimSpace(peer)
	if n, ok := r.normalizers[channel]; ok {
		return n(account, peer)
	}
	return account, peer
}

// matchBinding walks bindings in declaration order; first match wins.
// "*" and absent fields match any value.
func (r *Resolver) matchBinding(env bus.Envelope, account, peer string, cfg *config.Config) string {
	for _, b := range cfg.Bindings {
		m := b.Match
		if !matchField(m.Channel, env.Channel) {
			continue
		}
		if !matchField(m.Account, account) {
			continue
		}
		switch env.ChatKind {
		case bus.ChatGroup, bus.ChatChannel:
			if !matchField(m.Group, env.Group) {
				continue
			}
			// A peer-only selector does not match group traffic.
			if m.Peer != "" && m.Peer != "*" {
				continue
			}
		case bus.ChatThread:
			if !matchField(m.Thread, env.ThreadID) {
				continue
			}
		default: // DM
			if !matchField(m.Peer, peer) {
				continue
			}
			// A group-only selector does not match DMs.
			if m.Group != "" && m.Group != "*" {
				continue
			}
		}
		return b.AgentID
	}
	return ""
}

func matchField(selector, value string) bool {
	return selector == "" || selector == "*" || selector == value
}

func denyReason(env bus.Envelope, ch config.ChannelConfig, peer string) string {
	switch env.ChatKind {
	case bus.ChatGroup, bus.ChatChannel:
		switch ch.GroupPolicy {
		case config.GroupPolicyDisabled:
			return "group_disabled"
		case config.GroupPolicyAllowlist:
			if !allowlisted(ch.Allowlist, env.Group) && !allowlisted(ch.Allowlist, peer) {
				return "group_not_allowlisted"
			}
		}
	default:
		switch ch.DMPolicy {
		case config.DMPolicyDisabled:
			return "dm_disabled"
		case config.DMPolicyAllowlist:
			if !allowlisted(ch.Allowlist, peer) {
				return "dm_not_allowlisted"
			}
		case config.DMPolicyPairing:
			// Paired peers are added to the allowlist by the pairing flow.
			if !allowlisted(ch.Allowlist, peer) {
				return "dm_not_paired"
			}
		}
	}
	return ""
}

func allowlisted(list []string, id string) bool {
	if id == "" {
		return false
	}
	for _, a := range list {
		if a == id || strings.TrimPrefix(a, "@") == id {
			return true
		}
	}
	return false
}

// sessionKey derives the key per the channel's session scope rule.
func (r *Resolver) sessionKey(agentID string, env bus.Envelope, account, peer string, ch config.ChannelConfig) string {
	switch env.ChatKind {
	case bus.ChatGroup, bus.ChatChannel:
		return GroupKey(agentID, env.Channel, account, env.Group, "")
	case bus.ChatThread:
		return MainThreadKey(agentID, env.ThreadID)
	default:
		if ch.SessionScope == config.ScopePerAgent {
			return MainThreadKey(agentID, "dm")
		}
		return PeerKey(agentID, env.Channel, account, peer)
	}
}
