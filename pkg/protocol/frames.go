// Package protocol defines the gateway wire protocol: JSON frames exchanged
// over a bidirectional WebSocket connection, method and event names, error
// codes, and authorization scopes.
//
// Frames are UTF-8 JSON, one frame per message, discriminated by "type":
//
//	req      {type:"req", id, method, params?}
//	res      {type:"res", id, ok, payload?, error?}
//	event    {type:"event", event, payload?, seq?}
//	hello    first client frame (handshake request)
//	hello_ok handshake response
//	error    pre-handshake rejection
package protocol

import "encoding/json"

// ProtocolVersion is the current wire protocol version. Clients advertise
// a [min, max] range in hello; the server picks the highest shared version.
const ProtocolVersion = 3

// MinSupportedProtocol is the oldest protocol version the server still speaks.
const MinSupportedProtocol = 1

// DefaultMaxPayloadBytes caps a single inbound frame.
const DefaultMaxPayloadBytes = 16 << 20 // 16 MiB

// DefaultMaxBufferedBytes caps a connection's outbound event buffer before
// non-critical events start being dropped.
const DefaultMaxBufferedBytes = 4 << 20

// DefaultTickIntervalMS is the heartbeat tick interval conveyed in hello_ok.
const DefaultTickIntervalMS = 30_000

// Frame kinds.
const (
	FrameReq     = "req"
	FrameRes     = "res"
	FrameEvent   = "event"
	FrameHello   = "hello"
	FrameHelloOK = "hello_ok"
	FrameError   = "error"
)

// Frame is the minimal envelope used to sniff the frame kind before
// dispatching to the concrete decoder.
type Frame struct {
	Type string `json:"type"`
}

// RequestFrame is a client → server method invocation.
type RequestFrame struct {
	Type   string          `json:"type"` // "req"
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the server's reply to a RequestFrame.
type ResponseFrame struct {
	Type    string      `json:"type"` // "res"
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// EventFrame is a server → client push. Seq is per-connection and strictly
// increasing; clients detect gaps.
type EventFrame struct {
	Type    string      `json:"type"` // "event"
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Seq     uint64      `json:"seq,omitempty"`
}

// ErrorBody is the single error shape used at the RPC boundary.
type ErrorBody struct {
	Code         string      `json:"code"`
	Message      string      `json:"message"`
	Details      interface{} `json:"details,omitempty"`
	Field        string      `json:"field,omitempty"`
	Retryable    bool        `json:"retryable,omitempty"`
	RetryAfterMS int64       `json:"retry_after_ms,omitempty"`
	RequestID    string      `json:"request_id,omitempty"`
}

// HelloFrame is the first frame a client sends.
type HelloFrame struct {
	Type        string      `json:"type"` // "hello"
	ID          string      `json:"id"`
	MinProtocol int         `json:"min_protocol"`
	MaxProtocol int         `json:"max_protocol"`
	Client      ClientInfo  `json:"client"`
	Caps        []string    `json:"caps,omitempty"`
	Auth        HelloAuth   `json:"auth"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform,omitempty"`
	Mode     string `json:"mode,omitempty"` // "cli", "ui", "node", ...
}

// HelloAuth carries either a bearer token or a signed device identity.
type HelloAuth struct {
	Token  string      `json:"token,omitempty"`
	Device *DeviceAuth `json:"device,omitempty"`
}

// DeviceAuth is a signed-nonce device identity. Signature covers
// "{id}.{signed_at}" with the device's private key; the server verifies
// against the registered public key in constant time.
type DeviceAuth struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signed_at"`
}

// HelloOKFrame is the handshake response.
type HelloOKFrame struct {
	Type     string        `json:"type"` // "hello_ok"
	ID       string        `json:"id"`
	Protocol int           `json:"protocol"`
	Server   ServerInfo    `json:"server"`
	Features Features      `json:"features"`
	Snapshot interface{}   `json:"snapshot,omitempty"`
	Auth     HelloOKAuth   `json:"auth"`
	Policy   ConnPolicy    `json:"policy"`
}

// ServerInfo describes the gateway to the client.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	ConnID  string `json:"conn_id"`
}

// Features advertises the methods and events this server supports.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// HelloOKAuth reports the authenticated role and granted scopes.
type HelloOKAuth struct {
	DeviceToken string   `json:"device_token,omitempty"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
}

// ConnPolicy conveys per-connection limits negotiated at handshake.
type ConnPolicy struct {
	MaxPayload     int64 `json:"max_payload"`
	MaxBuffered    int64 `json:"max_buffered"`
	TickIntervalMS int64 `json:"tick_interval_ms"`
}

// NewOKResponse builds a successful response frame.
func NewOKResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameRes, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response frame with the given code.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameRes, ID: id, OK: false, Error: &ErrorBody{Code: code, Message: message}}
}

// NewErrorResponseBody builds a failed response carrying a full error body.
func NewErrorResponseBody(id string, body *ErrorBody) *ResponseFrame {
	return &ResponseFrame{Type: FrameRes, ID: id, OK: false, Error: body}
}

// NewEvent builds an event frame. Seq is stamped by the connection writer.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: event, Payload: payload}
}
