package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/routing"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

type chatSendParams struct {
	SessionKey  string           `json:"session_key,omitempty"`
	Channel     string           `json:"channel,omitempty"`
	Account     string           `json:"account,omitempty"`
	To          string           `json:"to,omitempty"`
	Group       string           `json:"group,omitempty"`
	Text        string           `json:"text"`
	Attachments []bus.Attachment `json:"attachments,omitempty"`
}

// handleChatSend queues a user turn. Addressing is either an explicit
// session key or a (channel, account, to) tuple resolved like an inbound
// message.
func (s *Server) handleChatSend(_ context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p chatSendParams
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if p.Text == "" && len(p.Attachments) == 0 {
		return nil, rpcError(protocol.ErrInvalidRequest, "text or attachments required")
	}
	if s.deps.Scheduler == nil {
		return nil, rpcError(protocol.ErrServiceUnavailable, "agent runtime not running")
	}

	sessionKey, agentID, env, eb := s.resolveSendTarget(&p, c)
	if eb != nil {
		return nil, eb
	}
	s.deps.Scheduler.Submit(sessionKey, agentID, "rpc", env, 0)
	return map[string]interface{}{"session_key": sessionKey, "agent_id": agentID}, nil
}

func (s *Server) resolveSendTarget(p *chatSendParams, c *Client) (string, string, bus.Envelope, *protocol.ErrorBody) {
	now := time.Now().UTC()

	if p.SessionKey != "" {
		key, err := routing.ParseKey(p.SessionKey)
		if err != nil {
			return "", "", bus.Envelope{}, rpcError(protocol.ErrInvalidRequest, "bad session key: %v", err)
		}
		kind := bus.ChatDM
		if key.Kind == routing.ScopeGroup {
			kind = bus.ChatGroup
		}
		env := bus.Envelope{
			Channel:     key.Channel,
			Account:     key.Account,
			Peer:        key.Peer,
			Group:       key.Group,
			ChatKind:    kind,
			FromDisplay: c.role,
			Timestamp:   now,
			Text:        p.Text,
			Attachments: p.Attachments,
		}
		return p.SessionKey, key.AgentID, env, nil
	}

	if p.Channel == "" {
		return "", "", bus.Envelope{}, rpcError(protocol.ErrInvalidRequest, "session_key or channel required")
	}
	kind := bus.ChatDM
	if p.Group != "" {
		kind = bus.ChatGroup
	}
	env := bus.Envelope{
		Channel:     p.Channel,
		Account:     p.Account,
		Peer:        p.To,
		Group:       p.Group,
		ChatKind:    kind,
		FromDisplay: c.role,
		Timestamp:   now,
		Text:        p.Text,
		Attachments: p.Attachments,
	}
	route := s.deps.Resolver.Resolve(env, s.deps.Config.Current())
	if route.Policy.Blocked {
		return "", "", bus.Envelope{}, rpcError(protocol.ErrForbidden, "route blocked: %s", route.Policy.BlockReason)
	}
	return route.SessionKey, route.AgentID, env, nil
}

func (s *Server) handleChatHistory(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		SessionKey string `json:"session_key"`
		Limit      int    `json:"limit,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	events, err := s.deps.Sessions.Read(p.SessionKey)
	if err != nil {
		return nil, rpcError(protocol.ErrInternal, "read: %v", err)
	}
	if p.Limit > 0 && len(events) > p.Limit {
		events = events[len(events)-p.Limit:]
	}
	return map[string]interface{}{"session_key": p.SessionKey, "events": events}, nil
}

func (s *Server) handleChatAbort(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		SessionKey  string `json:"session_key"`
		DropPending bool   `json:"drop_pending,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if s.deps.Scheduler == nil {
		return nil, rpcError(protocol.ErrServiceUnavailable, "agent runtime not running")
	}
	aborted := s.deps.Scheduler.Abort(p.SessionKey, p.DropPending)
	return map[string]interface{}{"aborted": aborted}, nil
}

// handleChatInject appends an operator note to the transcript without
// triggering a run. The note reaches the model on the next turn.
func (s *Server) handleChatInject(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		SessionKey string `json:"session_key"`
		Text       string `json:"text"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if p.Text == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "text required")
	}
	ev := store.Event{TS: time.Now().UTC(), Kind: store.KindSystemNote, Text: p.Text}
	if err := s.deps.Sessions.Append(p.SessionKey, ev); err != nil {
		return nil, rpcError(protocol.ErrInternal, "append: %v", err)
	}
	return map[string]interface{}{"injected": true}, nil
}

// handleAgent is the one-shot operator entrypoint: submit a message to an
// agent's main session and return the key to wait on.
func (s *Server) handleAgent(_ context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Message    string `json:"message"`
		Agent      string `json:"agent,omitempty"`
		SessionKey string `json:"session_key,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if p.Message == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "message required")
	}
	if s.deps.Scheduler == nil {
		return nil, rpcError(protocol.ErrServiceUnavailable, "agent runtime not running")
	}
	cfg := s.deps.Config.Current()
	agentID := p.Agent
	if agentID == "" {
		agentID = cfg.DefaultAgentID()
	}
	if _, err := cfg.Agent(agentID); err != nil {
		return nil, rpcError(protocol.ErrNotFound, "%v", err)
	}
	key := p.SessionKey
	if key == "" {
		key = routing.MainThreadKey(agentID, "operator")
	}
	env := bus.Envelope{
		Peer:        c.id,
		ChatKind:    bus.ChatDM,
		FromDisplay: c.role,
		Timestamp:   time.Now().UTC(),
		Text:        p.Message,
	}
	s.deps.Scheduler.Submit(key, agentID, "rpc", env, 0)
	return map[string]interface{}{"session_key": key, "agent_id": agentID}, nil
}

// handleAgentWait blocks until the session's current run terminates, then
// returns the terminal event. Streaming consumers should subscribe to agent
// events instead; this is for one-shot CLI use.
func (s *Server) handleAgentWait(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		SessionKey string `json:"session_key"`
		TimeoutMS  int    `json:"timeout_ms,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if p.SessionKey == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "session_key required")
	}
	timeout := 60 * time.Second
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}

	terminal := make(chan agent.RunEvent, 1)
	subID := "wait-" + uuid.NewString()
	s.deps.Bus.Subscribe(subID, func(ev bus.Event) {
		if ev.Name != protocol.EventAgent {
			return
		}
		re, ok := ev.Payload.(agent.RunEvent)
		if !ok || re.SessionKey != p.SessionKey {
			return
		}
		if re.Kind == protocol.RunEventFinal || re.Kind == protocol.RunEventError {
			select {
			case terminal <- re:
			default:
			}
		}
	})
	defer s.deps.Bus.Unsubscribe(subID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case re := <-terminal:
		return map[string]interface{}{"event": re}, nil
	case <-timer.C:
		return nil, rpcError(protocol.ErrAgentTimeout, "no terminal event within %s", timeout)
	case <-ctx.Done():
		return nil, rpcError(protocol.ErrAborted, "request cancelled")
	}
}

func (s *Server) handleAgentIdentity(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Agent string `json:"agent,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	cfg := s.deps.Config.Current()
	id := p.Agent
	if id == "" {
		id = cfg.DefaultAgentID()
	}
	resolved, err := cfg.Agent(id)
	if err != nil {
		return nil, rpcError(protocol.ErrNotFound, "%v", err)
	}
	return map[string]interface{}{
		"agent_id":       resolved.ID,
		"provider":       resolved.Provider,
		"model":          resolved.Model,
		"fallbacks":      resolved.Fallbacks,
		"thinking_level": resolved.ThinkingLevel,
		"skills":         resolved.Skills,
		"workspace":      resolved.Workspace,
	}, nil
}
