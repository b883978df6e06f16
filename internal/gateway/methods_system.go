package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/cron"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

func (s *Server) handleChannelsStatus(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorBody) {
	if s.deps.Channels == nil {
		return map[string]interface{}{"channels": []interface{}{}}, nil
	}
	return map[string]interface{}{"channels": s.deps.Channels.Statuses()}, nil
}

func (s *Server) handleChannelsLogout(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Channel string `json:"channel"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if s.deps.Channels == nil {
		return nil, rpcError(protocol.ErrServiceUnavailable, "channels not running")
	}
	ch, ok := s.deps.Channels.Get(p.Channel)
	if !ok {
		return nil, rpcError(protocol.ErrNotFound, "channel %q not registered", p.Channel)
	}
	if err := ch.Stop(ctx); err != nil {
		return nil, rpcError(protocol.ErrInternal, "stop %s: %v", p.Channel, err)
	}
	s.deps.Log.Info("gateway.channel_logout", "channel", p.Channel)
	return map[string]interface{}{"stopped": true}, nil
}

// handleConfigGet returns the live config. Secrets never round-trip: the
// admin token and API keys are excluded from serialization.
func (s *Server) handleConfigGet(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorBody) {
	return map[string]interface{}{"config": s.deps.Config.Current()}, nil
}

func (s *Server) handleConfigSet(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Config json.RawMessage `json:"config"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if len(p.Config) == 0 {
		return nil, rpcError(protocol.ErrInvalidRequest, "config required")
	}
	return s.applyConfigJSON(p.Config)
}

// handleConfigPatch merge-patches the current config (RFC 7386 semantics:
// objects merge recursively, null deletes, everything else replaces).
func (s *Server) handleConfigPatch(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Patch json.RawMessage `json:"patch"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if len(p.Patch) == 0 {
		return nil, rpcError(protocol.ErrInvalidRequest, "patch required")
	}
	current, err := json.Marshal(s.deps.Config.Current())
	if err != nil {
		return nil, rpcError(protocol.ErrInternal, "marshal config: %v", err)
	}
	merged, err := mergePatch(current, p.Patch)
	if err != nil {
		return nil, rpcError(protocol.ErrInvalidRequest, "%v", err)
	}
	return s.applyConfigJSON(merged)
}

func (s *Server) applyConfigJSON(raw []byte) (interface{}, *protocol.ErrorBody) {
	if err := validateConfigJSON(raw); err != nil {
		return nil, rpcError(protocol.ErrInvalidRequest, "config rejected: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, rpcError(protocol.ErrInvalidRequest, "config rejected: %v", err)
	}
	if err := config.Prepare(&cfg); err != nil {
		return nil, rpcError(protocol.ErrInvalidRequest, "config rejected: %v", err)
	}
	s.deps.Config.Publish(&cfg)
	s.deps.Log.Info("gateway.config_updated")
	return map[string]interface{}{"applied": true}, nil
}

// handleConfigApply re-reads the config file from disk.
func (s *Server) handleConfigApply(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorBody) {
	if err := s.deps.Config.Reload(); err != nil {
		return nil, rpcError(protocol.ErrInvalidRequest, "reload: %v", err)
	}
	return map[string]interface{}{"applied": true}, nil
}

func (s *Server) handleConfigSchema(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var doc interface{}
	if err := json.Unmarshal([]byte(configSchema), &doc); err != nil {
		return nil, rpcError(protocol.ErrInternal, "schema: %v", err)
	}
	return map[string]interface{}{"schema": doc}, nil
}

// mergePatch applies an RFC 7386 merge patch to a JSON document.
func mergePatch(doc, patch []byte) ([]byte, error) {
	var target, change interface{}
	if err := json.Unmarshal(doc, &target); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, &change); err != nil {
		return nil, err
	}
	return json.Marshal(mergeValues(target, change))
}

func mergeValues(target, patch interface{}) interface{} {
	patchObj, ok := patch.(map[string]interface{})
	if !ok {
		return patch
	}
	targetObj, ok := target.(map[string]interface{})
	if !ok {
		targetObj = map[string]interface{}{}
	}
	for k, v := range patchObj {
		if v == nil {
			delete(targetObj, k)
			continue
		}
		targetObj[k] = mergeValues(targetObj[k], v)
	}
	return targetObj
}

func (s *Server) cronService() (*cron.Service, *protocol.ErrorBody) {
	if s.deps.Cron == nil {
		return nil, rpcError(protocol.ErrServiceUnavailable, "cron disabled")
	}
	return s.deps.Cron, nil
}

func (s *Server) handleCronList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorBody) {
	svc, eb := s.cronService()
	if eb != nil {
		return nil, eb
	}
	return map[string]interface{}{"jobs": svc.List()}, nil
}

func (s *Server) handleCronAdd(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	svc, eb := s.cronService()
	if eb != nil {
		return nil, eb
	}
	var p struct {
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Agent    string `json:"agent,omitempty"`
		Text     string `json:"text"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if p.Name == "" || p.Schedule == "" || p.Text == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "name, schedule, and text required")
	}
	agentID := p.Agent
	if agentID == "" {
		agentID = s.deps.Config.Current().DefaultAgentID()
	}
	job, err := svc.Add(p.Name, p.Schedule, agentID, p.Text)
	if err != nil {
		return nil, rpcError(protocol.ErrInvalidRequest, "%v", err)
	}
	return map[string]interface{}{"job": job}, nil
}

func (s *Server) handleCronUpdate(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	svc, eb := s.cronService()
	if eb != nil {
		return nil, eb
	}
	var p struct {
		ID       string `json:"id"`
		Name     string `json:"name,omitempty"`
		Schedule string `json:"schedule,omitempty"`
		Text     string `json:"text,omitempty"`
		Enabled  *bool  `json:"enabled,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	} else {
		for _, j := range svc.List() {
			if j.ID == p.ID {
				enabled = j.Enabled
			}
		}
	}
	job, err := svc.Update(p.ID, p.Name, p.Schedule, p.Text, enabled)
	if err != nil {
		if errors.Is(err, cron.ErrJobNotFound) {
			return nil, rpcError(protocol.ErrNotFound, "job %q not found", p.ID)
		}
		return nil, rpcError(protocol.ErrInvalidRequest, "%v", err)
	}
	return map[string]interface{}{"job": job}, nil
}

func (s *Server) handleCronRemove(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	svc, eb := s.cronService()
	if eb != nil {
		return nil, eb
	}
	var p struct {
		ID string `json:"id"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if err := svc.Remove(p.ID); err != nil {
		if errors.Is(err, cron.ErrJobNotFound) {
			return nil, rpcError(protocol.ErrNotFound, "job %q not found", p.ID)
		}
		return nil, rpcError(protocol.ErrInternal, "%v", err)
	}
	return map[string]interface{}{"removed": true}, nil
}

func (s *Server) handleCronRun(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	svc, eb := s.cronService()
	if eb != nil {
		return nil, eb
	}
	var p struct {
		ID string `json:"id"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if err := svc.Run(p.ID); err != nil {
		if errors.Is(err, cron.ErrJobNotFound) {
			return nil, rpcError(protocol.ErrNotFound, "job %q not found", p.ID)
		}
		return nil, rpcError(protocol.ErrInternal, "%v", err)
	}
	return map[string]interface{}{"dispatched": true}, nil
}

// handleModelsList reports the configured model surface: per-agent chains
// plus auth profile health.
func (s *Server) handleModelsList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorBody) {
	cfg := s.deps.Config.Current()
	type agentModels struct {
		AgentID   string   `json:"agent_id"`
		Provider  string   `json:"provider"`
		Model     string   `json:"model"`
		Fallbacks []string `json:"fallbacks,omitempty"`
	}
	agents := make([]agentModels, 0, len(cfg.Agents.List))
	for id := range cfg.Agents.List {
		resolved, err := cfg.Agent(id)
		if err != nil {
			continue
		}
		agents = append(agents, agentModels{
			AgentID:   resolved.ID,
			Provider:  resolved.Provider,
			Model:     resolved.Model,
			Fallbacks: resolved.Fallbacks,
		})
	}
	out := map[string]interface{}{"agents": agents}
	if s.deps.Pool != nil {
		out["profiles"] = s.deps.Pool.Statuses()
	}
	return out, nil
}

func (s *Server) handleSkillsStatus(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorBody) {
	if s.deps.Skills == nil {
		return map[string]interface{}{"skills": []interface{}{}}, nil
	}
	return map[string]interface{}{"skills": s.deps.Skills.List()}, nil
}

func (s *Server) handleApprovalsList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorBody) {
	if s.deps.Broker == nil {
		return map[string]interface{}{"approvals": []interface{}{}}, nil
	}
	return map[string]interface{}{"approvals": s.deps.Broker.Pending()}, nil
}

func (s *Server) handleApprovalsResolve(_ context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		ID       string `json:"id"`
		Approved bool   `json:"approved"`
		Reason   string `json:"reason,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if s.deps.Broker == nil {
		return nil, rpcError(protocol.ErrServiceUnavailable, "approvals not running")
	}
	err := s.deps.Broker.Resolve(p.ID, tools.Resolution{Approved: p.Approved, Reason: p.Reason})
	if err != nil {
		if errors.Is(err, tools.ErrApprovalNotFound) {
			return nil, rpcError(protocol.ErrNotFound, "approval %q not found", p.ID)
		}
		return nil, rpcError(protocol.ErrInternal, "%v", err)
	}
	s.deps.Log.Info("gateway.approval_resolved", "id", p.ID, "approved", p.Approved, "by", c.role)
	return map[string]interface{}{"resolved": true}, nil
}

func (s *Server) handleHealth(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorBody) {
	out := map[string]interface{}{
		"status":   "ok",
		"version":  Version,
		"protocol": protocol.ProtocolVersion,
		"uptime_s": int(time.Since(s.startedAt).Seconds()),
		"sessions": len(s.deps.Sessions.List()),
	}
	if s.deps.Channels != nil {
		running := 0
		for _, st := range s.deps.Channels.Statuses() {
			if st.Running {
				running++
			}
		}
		out["channels_running"] = running
	}
	return out, nil
}

func (s *Server) handleLogsTail(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		Lines int `json:"lines,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if p.Lines <= 0 {
		p.Lines = 100
	}
	if s.deps.Logs == nil {
		return map[string]interface{}{"lines": []string{}}, nil
	}
	return map[string]interface{}{"lines": s.deps.Logs.Tail(p.Lines)}, nil
}
