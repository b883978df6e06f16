// Package client is a typed gateway client: it dials the WebSocket
// endpoint, performs the hello handshake, and multiplexes RPC calls and
// server events over one connection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// Options configures Dial.
type Options struct {
	URL      string // ws://host:port/ws
	Token    string
	Device   *protocol.DeviceAuth
	ClientID string
	Version  string
	Mode     string // "cli", "ui", "node"

	// HandshakeTimeout bounds the hello exchange. Default 10s.
	HandshakeTimeout time.Duration
}

// RPCError is a failed RPC response.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrClosed is returned by calls after Close.
var ErrClosed = errors.New("client: connection closed")

// responseFrame mirrors protocol.ResponseFrame with a raw payload so
// callers decode into their own types.
type responseFrame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id"`
	OK      bool                `json:"ok"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Error   *protocol.ErrorBody `json:"error,omitempty"`
}

// Event is a server push with its payload left raw.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
}

// Client is one gateway connection. Safe for concurrent use.
type Client struct {
	conn  *websocket.Conn
	hello protocol.HelloOKFrame

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan *responseFrame
	closed  bool
	events  chan Event
	done    chan struct{}
}

// Dial connects and completes the handshake.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("client: URL required")
	}
	hsTimeout := opts.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = 10 * time.Second
	}

	conn, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	conn.SetReadLimit(protocol.DefaultMaxPayloadBytes)

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *responseFrame),
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}

	hsCtx, cancel := context.WithTimeout(ctx, hsTimeout)
	defer cancel()
	if err := c.handshake(hsCtx, opts); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context, opts Options) error {
	hello := protocol.HelloFrame{
		Type:        protocol.FrameHello,
		ID:          "hello-1",
		MinProtocol: protocol.MinSupportedProtocol,
		MaxProtocol: protocol.ProtocolVersion,
		Client: protocol.ClientInfo{
			ID:       opts.ClientID,
			Version:  opts.Version,
			Mode:     opts.Mode,
		},
		Auth: protocol.HelloAuth{Token: opts.Token, Device: opts.Device},
	}
	if err := wsjson.Write(ctx, c.conn, &hello); err != nil {
		return fmt.Errorf("client: send hello: %w", err)
	}

	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("client: read handshake reply: %w", err)
	}
	var sniff struct {
		Type  string              `json:"type"`
		Error *protocol.ErrorBody `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &sniff); err != nil {
		return fmt.Errorf("client: bad handshake reply: %w", err)
	}
	switch sniff.Type {
	case protocol.FrameHelloOK:
		return json.Unmarshal(data, &c.hello)
	case protocol.FrameError:
		if sniff.Error != nil {
			return &RPCError{Code: sniff.Error.Code, Message: sniff.Error.Message}
		}
		return errors.New("client: handshake rejected")
	default:
		return fmt.Errorf("client: unexpected handshake frame %q", sniff.Type)
	}
}

// Hello returns the handshake response.
func (c *Client) Hello() protocol.HelloOKFrame { return c.hello }

// ConnID returns the server-assigned connection id.
func (c *Client) ConnID() string { return c.hello.Server.ConnID }

// Events returns the server event stream. The channel closes when the
// connection dies. Slow consumers lose the oldest buffered events.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) readLoop() {
	defer c.teardown()
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var sniff protocol.Frame
		if err := json.Unmarshal(data, &sniff); err != nil {
			continue
		}
		switch sniff.Type {
		case protocol.FrameRes:
			var resp responseFrame
			if err := json.Unmarshal(data, &resp); err != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[resp.ID]
			delete(c.pending, resp.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- &resp
			}
		case protocol.FrameEvent:
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case c.events <- ev:
			default:
				// drop the oldest so fresh events keep flowing
				select {
				case <-c.events:
				default:
				}
				select {
				case c.events <- ev:
				default:
				}
			}
		}
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.events)
	close(c.done)
}

// Call invokes one method and decodes nothing: the raw payload comes back
// for the caller to unmarshal. A failed response surfaces as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("client: marshal params: %w", err)
		}
		raw = data
	}
	id := "c" + strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan *responseFrame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := protocol.RequestFrame{Type: protocol.FrameReq, ID: id, Method: method, Params: raw}
	if err := wsjson.Write(ctx, c.conn, &req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("client: send request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if !resp.OK {
			if resp.Error != nil {
				return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			return nil, errors.New("client: request failed")
		}
		return resp.Payload, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// CallInto invokes a method and unmarshals the payload into out.
func (c *Client) CallInto(ctx context.Context, method string, params, out interface{}) error {
	payload, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

// Close tears the connection down.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "bye")
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return err
}
