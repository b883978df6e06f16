package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/routing"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

func (s *Server) handleSessionsList(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Agent string `json:"agent,omitempty"`
		Limit int    `json:"limit,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	metas := s.deps.Sessions.List()
	out := make([]store.Meta, 0, len(metas))
	for _, m := range metas {
		if p.Agent != "" && routing.AgentIDFromKey(m.Key) != p.Agent {
			continue
		}
		out = append(out, m)
		if p.Limit > 0 && len(out) >= p.Limit {
			break
		}
	}
	return map[string]interface{}{"sessions": out}, nil
}

func (s *Server) handleSessionsPreview(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Keys  []string `json:"keys"`
		Limit int      `json:"limit,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if len(p.Keys) == 0 {
		return nil, rpcError(protocol.ErrInvalidRequest, "keys required")
	}
	if p.Limit <= 0 {
		p.Limit = 5
	}
	type preview struct {
		Key    string        `json:"key"`
		Events []store.Event `json:"events"`
	}
	out := make([]preview, 0, len(p.Keys))
	for _, key := range p.Keys {
		events, err := s.deps.Sessions.Read(key)
		if err != nil {
			return nil, rpcError(protocol.ErrInternal, "read %s: %v", key, err)
		}
		if len(events) > p.Limit {
			events = events[len(events)-p.Limit:]
		}
		out = append(out, preview{Key: key, Events: events})
	}
	return map[string]interface{}{"previews": out}, nil
}

func (s *Server) handleSessionsPatch(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Key           string  `json:"key"`
		Label         *string `json:"label,omitempty"`
		Model         *string `json:"model,omitempty"`
		ThinkingLevel *string `json:"thinking_level,omitempty"`
		AuthProfile   *string `json:"auth_profile,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	meta, ok := s.deps.Sessions.Meta(p.Key)
	if !ok {
		return nil, rpcError(protocol.ErrNotFound, "session %q not found", p.Key)
	}
	if p.Label != nil {
		if err := s.deps.Sessions.SetLabel(p.Key, *p.Label); err != nil {
			return nil, rpcError(protocol.ErrInternal, "set label: %v", err)
		}
	}
	if p.Model != nil || p.ThinkingLevel != nil || p.AuthProfile != nil {
		o := meta.Overrides
		if p.Model != nil {
			o.Model = *p.Model
		}
		if p.ThinkingLevel != nil {
			if !config.ThinkingLevel(*p.ThinkingLevel).Valid() {
				return nil, rpcError(protocol.ErrInvalidRequest, "invalid thinking_level %q", *p.ThinkingLevel)
			}
			o.ThinkingLevel = *p.ThinkingLevel
		}
		if p.AuthProfile != nil {
			o.AuthProfile = *p.AuthProfile
		}
		if err := s.deps.Sessions.SetOverrides(p.Key, o); err != nil {
			return nil, rpcError(protocol.ErrInternal, "set overrides: %v", err)
		}
	}
	meta, _ = s.deps.Sessions.Meta(p.Key)
	return map[string]interface{}{"session": meta}, nil
}

func (s *Server) handleSessionsDelete(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Key   string `json:"key"`
		Purge bool   `json:"purge,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if err := s.deps.Sessions.Delete(p.Key, p.Purge); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, rpcError(protocol.ErrNotFound, "session %q not found", p.Key)
		}
		return nil, rpcError(protocol.ErrInternal, "delete: %v", err)
	}
	return map[string]interface{}{"deleted": true, "purged": p.Purge}, nil
}

// handleSessionsReset appends a reset marker. The transcript is retained;
// history assembly starts after the most recent marker.
func (s *Server) handleSessionsReset(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Key string `json:"key"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if _, ok := s.deps.Sessions.Meta(p.Key); !ok {
		return nil, rpcError(protocol.ErrNotFound, "session %q not found", p.Key)
	}
	ev := store.Event{TS: time.Now().UTC(), Kind: store.KindSystemNote, Text: agent.ResetNote}
	if err := s.deps.Sessions.Append(p.Key, ev); err != nil {
		return nil, rpcError(protocol.ErrInternal, "append reset: %v", err)
	}
	return map[string]interface{}{"reset": true}, nil
}

func (s *Server) handleSessionsCompact(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Key string `json:"key"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if s.deps.Runner == nil {
		return nil, rpcError(protocol.ErrServiceUnavailable, "agent runtime not running")
	}
	if s.deps.Scheduler != nil && s.deps.Scheduler.Busy(p.Key) {
		return nil, rpcError(protocol.ErrConflict, "session %q has an active run", p.Key)
	}
	if err := s.deps.Runner.CompactSession(ctx, p.Key); err != nil {
		if errors.Is(err, agent.ErrCompactionIneffective) {
			return nil, rpcError(protocol.ErrCompactionIneffective, "compaction did not reduce the transcript")
		}
		return nil, rpcError(protocol.ErrInternal, "compact: %v", err)
	}
	meta, _ := s.deps.Sessions.Meta(p.Key)
	return map[string]interface{}{"session": meta}, nil
}

// handleSessionsResolve maps a hypothetical inbound message to its route
// without dispatching anything.
func (s *Server) handleSessionsResolve(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Channel string `json:"channel"`
		Account string `json:"account,omitempty"`
		Peer    string `json:"peer,omitempty"`
		Group   string `json:"group,omitempty"`
		Thread  string `json:"thread,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if p.Channel == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "channel required")
	}
	kind := bus.ChatDM
	if p.Group != "" {
		kind = bus.ChatGroup
	}
	env := bus.Envelope{
		Channel:  p.Channel,
		Account:  p.Account,
		Peer:     p.Peer,
		Group:    p.Group,
		ThreadID: p.Thread,
		ChatKind: kind,
	}
	route := s.deps.Resolver.Resolve(env, s.deps.Config.Current())
	return map[string]interface{}{
		"agent_id":     route.AgentID,
		"session_key":  route.SessionKey,
		"blocked":      route.Policy.Blocked,
		"block_reason": route.Policy.BlockReason,
	}, nil
}
