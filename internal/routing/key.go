// Package routing maps inbound envelopes to agents and session keys.
//
// Session keys are deterministic, hierarchical, ASCII and case-sensitive:
//
//	agent:{agentId}:{scope}
//
// Where {scope} is one of:
//
//	peer:{channel}:{account}:{peer}
//	group:{channel}:{account}:{group}
//	group:{channel}:{account}:{group}:{peer}
//	main:thread:{threadId}
//	main:topic:{topicId}
//	subagent:{parentKeyEscaped}:{subagentId}
//
// Field values are escaped so that ParseKey is the exact inverse of the
// builders for any input.
package routing

import (
	"fmt"
	"strings"
)

// ScopeKind identifies the session scope variant.
type ScopeKind string

const (
	ScopePeer       ScopeKind = "peer"
	ScopeGroup      ScopeKind = "group"
	ScopeMainThread ScopeKind = "main-thread"
	ScopeMainTopic  ScopeKind = "main-topic"
	ScopeSubagent   ScopeKind = "subagent"
)

// Key is a parsed session key.
type Key struct {
	AgentID string
	Kind    ScopeKind

	Channel string // peer, group
	Account string // peer, group
	Peer    string // peer, group (optional)
	Group   string // group

	ThreadID string // main-thread
	TopicID  string // main-topic

	Parent     string // subagent: parent session key (unescaped)
	SubagentID string // subagent
}

// escapeField makes a value safe as a single key segment. ':' is the
// segment separator and '%' the escape introducer.
func escapeField(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, ":", "%3A")
}

func unescapeField(s string) string {
	s = strings.ReplaceAll(s, "%3A", ":")
	return strings.ReplaceAll(s, "%25", "%")
}

// PeerKey builds the session key for a direct conversation.
func PeerKey(agentID, channel, account, peer string) string {
	return fmt.Sprintf("agent:%s:peer:%s:%s:%s",
		escapeField(agentID), escapeField(channel), escapeField(account), escapeField(peer))
}

// GroupKey builds the session key for a group conversation. peer is optional
// and isolates per-sender state inside a group when non-empty.
func GroupKey(agentID, channel, account, group, peer string) string {
	k := fmt.Sprintf("agent:%s:group:%s:%s:%s",
		escapeField(agentID), escapeField(channel), escapeField(account), escapeField(group))
	if peer != "" {
		k += ":" + escapeField(peer)
	}
	return k
}

// MainThreadKey builds the shared main-session key for a thread.
func MainThreadKey(agentID, threadID string) string {
	return fmt.Sprintf("agent:%s:main:thread:%s", escapeField(agentID), escapeField(threadID))
}

// MainTopicKey builds the shared main-session key for a topic (cron jobs,
// announce flows).
func MainTopicKey(agentID, topicID string) string {
	return fmt.Sprintf("agent:%s:main:topic:%s", escapeField(agentID), escapeField(topicID))
}

// SubagentKey builds the session key for a subagent spawned from a parent
// session.
func SubagentKey(agentID, parentKey, subagentID string) string {
	return fmt.Sprintf("agent:%s:subagent:%s:%s",
		escapeField(agentID), escapeField(parentKey), escapeField(subagentID))
}

// ParseKey splits a session key back into its fields. It is the inverse of
// the builders above.
func ParseKey(key string) (Key, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 || parts[0] != "agent" {
		return Key{}, fmt.Errorf("routing: malformed session key %q", key)
	}
	k := Key{AgentID: unescapeField(parts[1])}
	rest := parts[2:]

	switch rest[0] {
	case "peer":
		if len(rest) != 4 {
			return Key{}, fmt.Errorf("routing: malformed peer key %q", key)
		}
		k.Kind = ScopePeer
		k.Channel = unescapeField(rest[1])
		k.Account = unescapeField(rest[2])
		k.Peer = unescapeField(rest[3])
	case "group":
		if len(rest) != 4 && len(rest) != 5 {
			return Key{}, fmt.Errorf("routing: malformed group key %q", key)
		}
		k.Kind = ScopeGroup
		k.Channel = unescapeField(rest[1])
		k.Account = unescapeField(rest[2])
		k.Group = unescapeField(rest[3])
		if len(rest) == 5 {
			k.Peer = unescapeField(rest[4])
		}
	case "main":
		if len(rest) != 3 {
			return Key{}, fmt.Errorf("routing: malformed main key %q", key)
		}
		switch rest[1] {
		case "thread":
			k.Kind = ScopeMainThread
			k.ThreadID = unescapeField(rest[2])
		case "topic":
			k.Kind = ScopeMainTopic
			k.TopicID = unescapeField(rest[2])
		default:
			return Key{}, fmt.Errorf("routing: unknown main scope %q in %q", rest[1], key)
		}
	case "subagent":
		if len(rest) != 3 {
			return Key{}, fmt.Errorf("routing: malformed subagent key %q", key)
		}
		k.Kind = ScopeSubagent
		k.Parent = unescapeField(rest[1])
		k.SubagentID = unescapeField(rest[2])
	default:
		return Key{}, fmt.Errorf("routing: unknown scope %q in %q", rest[0], key)
	}
	return k, nil
}

// String rebuilds the canonical key from parsed fields.
func (k Key) String() string {
	switch k.Kind {
	case ScopePeer:
		return PeerKey(k.AgentID, k.Channel, k.Account, k.Peer)
	case ScopeGroup:
		return GroupKey(k.AgentID, k.Channel, k.Account, k.Group, k.Peer)
	case ScopeMainThread:
		return MainThreadKey(k.AgentID, k.ThreadID)
	case ScopeMainTopic:
		return MainTopicKey(k.AgentID, k.TopicID)
	case ScopeSubagent:
		return SubagentKey(k.AgentID, k.Parent, k.SubagentID)
	}
	return ""
}

// AgentIDFromKey extracts the agent id without a full parse. Returns "" for
// malformed keys.
func AgentIDFromKey(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return ""
	}
	return unescapeField(parts[1])
}
