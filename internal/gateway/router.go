package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// HandlerFunc handles one RPC method. A non-nil error body becomes a failed
// response; otherwise the payload is wrapped in an ok response.
type HandlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorBody)

// MethodRouter dispatches request frames to handlers. Unknown methods and
// missing scopes are rejected before any handler runs.
type MethodRouter struct {
	handlers map[string]HandlerFunc
}

func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler. Registration happens once at server build time.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	if _, dup := r.handlers[method]; dup {
		panic(fmt.Sprintf("gateway: duplicate handler for %s", method))
	}
	r.handlers[method] = h
}

// Dispatch runs one request through scope checks and its handler.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	scope, known := protocol.MethodScopes[req.Method]
	if !known {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
	h, ok := r.handlers[req.Method]
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrServiceUnavailable, fmt.Sprintf("method %q not available", req.Method))
	}
	if !protocol.HasScope(c.scopes, scope) {
		return protocol.NewErrorResponse(req.ID, protocol.ErrForbidden, fmt.Sprintf("method %q requires scope %q", req.Method, scope))
	}

	payload, errBody := h(ctx, c, req.Params)
	if errBody != nil {
		errBody.RequestID = req.ID
		return protocol.NewErrorResponseBody(req.ID, errBody)
	}
	return protocol.NewOKResponse(req.ID, payload)
}

// rpcError builds an error body with a formatted message.
func rpcError(code, format string, args ...interface{}) *protocol.ErrorBody {
	return &protocol.ErrorBody{Code: code, Message: fmt.Sprintf(format, args...)}
}

// decodeParams unmarshals request params, treating absent params as {}.
func decodeParams(params json.RawMessage, v interface{}) *protocol.ErrorBody {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return rpcError(protocol.ErrInvalidRequest, "bad params: %v", err)
	}
	return nil
}
