package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// PairRequest is a pending device pairing awaiting operator approval.
type PairRequest struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	PublicKey string    `json:"public_key"`
	Scopes    []string  `json:"scopes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type nodeInfo struct {
	ConnID      string   `json:"conn_id"`
	ClientID    string   `json:"client_id"`
	Version     string   `json:"version"`
	Platform    string   `json:"platform,omitempty"`
	Role        string   `json:"role"`
	Caps        []string `json:"caps,omitempty"`
	ConnectedAt string   `json:"connected_at"`
}

func describeNode(c *Client) nodeInfo {
	return nodeInfo{
		ConnID:      c.id,
		ClientID:    c.info.ID,
		Version:     c.info.Version,
		Platform:    c.info.Platform,
		Role:        c.role,
		Caps:        c.caps,
		ConnectedAt: c.connectedAt.Format(time.RFC3339),
	}
}

// handleNodesList reports connected node-mode clients.
func (s *Server) handleNodesList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorBody) {
	nodes := []nodeInfo{}
	for _, c := range s.connClients() {
		if c.info.Mode == "node" {
			nodes = append(nodes, describeNode(c))
		}
	}
	return map[string]interface{}{"nodes": nodes}, nil
}

func (s *Server) handleNodesDescribe(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		ConnID string `json:"conn_id"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	c, ok := s.client(p.ConnID)
	if !ok || c.info.Mode != "node" {
		return nil, rpcError(protocol.ErrNotFound, "node %q not connected", p.ConnID)
	}
	return map[string]interface{}{"node": describeNode(c)}, nil
}

// handleNodesInvoke forwards a command to a connected node as an event.
// Results come back asynchronously on the node's own connection.
func (s *Server) handleNodesInvoke(_ context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		ConnID  string          `json:"conn_id"`
		Command string          `json:"command"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if p.Command == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "command required")
	}
	node, ok := s.client(p.ConnID)
	if !ok || node.info.Mode != "node" {
		return nil, rpcError(protocol.ErrNotFound, "node %q not connected", p.ConnID)
	}
	invokeID := uuid.NewString()
	node.SendEvent("node.invoke", map[string]interface{}{
		"invoke_id": invokeID,
		"command":   p.Command,
		"params":    p.Params,
		"from":      c.id,
	})
	return map[string]interface{}{"invoke_id": invokeID, "dispatched": true}, nil
}

func (s *Server) handleNodesPairRequest(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		DeviceID  string   `json:"device_id"`
		PublicKey string   `json:"public_key"`
		Scopes    []string `json:"scopes,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	if p.DeviceID == "" || p.PublicKey == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "device_id and public_key required")
	}
	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	if _, exists := s.paired[p.DeviceID]; exists {
		return nil, rpcError(protocol.ErrConflict, "device %q already paired", p.DeviceID)
	}
	for _, r := range s.pairReqs {
		if r.DeviceID == p.DeviceID {
			return nil, rpcError(protocol.ErrConflict, "pairing for %q already pending", p.DeviceID)
		}
	}
	req := PairRequest{
		ID:        uuid.NewString(),
		DeviceID:  p.DeviceID,
		PublicKey: p.PublicKey,
		Scopes:    p.Scopes,
		CreatedAt: time.Now().UTC(),
	}
	s.pairReqs[req.ID] = req
	s.deps.Log.Info("gateway.pair_requested", "device", p.DeviceID, "request", req.ID)
	return map[string]interface{}{"request": req}, nil
}

// handleNodesPairApprove promotes a pending request to a paired device.
// Granted scopes default to the requested ones, capped at read+write.
func (s *Server) handleNodesPairApprove(_ context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		ID     string   `json:"id"`
		Scopes []string `json:"scopes,omitempty"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	req, ok := s.pairReqs[p.ID]
	if !ok {
		return nil, rpcError(protocol.ErrNotFound, "pair request %q not found", p.ID)
	}
	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = req.Scopes
	}
	scopes = capScopes(scopes)
	delete(s.pairReqs, p.ID)
	dev := config.DeviceKey{ID: req.DeviceID, PublicKey: req.PublicKey, Scopes: scopes}
	s.paired[req.DeviceID] = dev
	s.deps.Log.Info("gateway.pair_approved", "device", req.DeviceID, "scopes", scopes, "by", c.role)
	return map[string]interface{}{"device": dev}, nil
}

// capScopes drops admin from pairing grants; devices never get admin this
// way. Empty input defaults to read.
func capScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		if sc == protocol.ScopeAdmin {
			continue
		}
		out = append(out, sc)
	}
	if len(out) == 0 {
		out = []string{protocol.ScopeRead}
	}
	return out
}

func (s *Server) handleNodesPairRevoke(_ context.Context, _ *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody) {
	var p struct {
		DeviceID string `json:"device_id"`
	}
	if eb := decodeParams(params, &p); eb != nil {
		return nil, eb
	}
	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	if _, ok := s.paired[p.DeviceID]; !ok {
		return nil, rpcError(protocol.ErrNotFound, "device %q not paired", p.DeviceID)
	}
	delete(s.paired, p.DeviceID)
	s.deps.Log.Info("gateway.pair_revoked", "device", p.DeviceID)
	return map[string]interface{}{"revoked": true}, nil
}

func (s *Server) handleNodesPairList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, *protocol.ErrorBody) {
	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	pending := make([]PairRequest, 0, len(s.pairReqs))
	for _, r := range s.pairReqs {
		pending = append(pending, r)
	}
	devices := make([]config.DeviceKey, 0, len(s.paired))
	for _, d := range s.paired {
		devices = append(devices, d)
	}
	return map[string]interface{}{"pending": pending, "devices": devices}, nil
}
