package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"log/slog"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// outItem is one queued outbound frame. Critical frames (responses,
// terminal run events, shutdown) bypass the buffer cap.
type outItem struct {
	data     []byte
	critical bool
}

// Client is one authenticated WebSocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server
	log  *slog.Logger

	role        string
	scopes      []string
	info        protocol.ClientInfo
	caps        []string
	connectedAt time.Time

	maxBuffered int64
	tick        time.Duration
	reqTimeout  time.Duration

	mu       sync.Mutex
	queue    []outItem
	buffered int64
	dropped  uint64
	seq      uint64
	closed   bool
	wake     chan struct{}
	done     chan struct{}
}

func newClient(conn *websocket.Conn, srv *Server) *Client {
	gw := srv.deps.Config.Current().Gateway
	c := &Client{
		id:          uuid.NewString(),
		conn:        conn,
		srv:         srv,
		maxBuffered: gw.MaxBufferedBytes,
		tick:        time.Duration(gw.TickIntervalMS) * time.Millisecond,
		reqTimeout:  time.Duration(gw.RequestTimeoutS) * time.Second,
		connectedAt: time.Now().UTC(),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	if c.maxBuffered <= 0 {
		c.maxBuffered = protocol.DefaultMaxBufferedBytes
	}
	if c.tick <= 0 {
		c.tick = protocol.DefaultTickIntervalMS * time.Millisecond
	}
	if c.reqTimeout <= 0 {
		c.reqTimeout = 30 * time.Second
	}
	c.log = srv.deps.Log.With("conn", c.id)
	maxPayload := gw.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = protocol.DefaultMaxPayloadBytes
	}
	conn.SetReadLimit(maxPayload)
	return c
}

// run owns the connection: handshake, then the read loop. The write loop
// and heartbeat run as goroutines until Close.
func (c *Client) run() {
	defer c.Close()

	if !c.handshake() {
		return
	}
	c.srv.register(c)
	defer c.srv.unregister(c)

	go c.writeLoop()
	go c.heartbeat()

	c.SendEvent(protocol.EventSnapshot, c.srv.snapshot())
	c.readLoop()
}

// handshake expects a hello frame within the deadline, authenticates it,
// and negotiates the protocol version.
func (c *Client) handshake() bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}
	var hello protocol.HelloFrame
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != protocol.FrameHello {
		c.rejectHandshake(hello.ID, protocol.ErrInvalidRequest, "expected hello frame")
		return false
	}

	lo, hi := hello.MinProtocol, hello.MaxProtocol
	if lo <= 0 {
		lo = protocol.MinSupportedProtocol
	}
	if hi <= 0 {
		hi = lo
	}
	version := hi
	if version > protocol.ProtocolVersion {
		version = protocol.ProtocolVersion
	}
	if version < lo || version < protocol.MinSupportedProtocol {
		c.rejectHandshake(hello.ID, protocol.ErrInvalidRequest,
			fmt.Sprintf("no shared protocol version in [%d,%d]", lo, hi))
		return false
	}

	role, scopes, err := c.srv.authenticate(hello.Auth, time.Now())
	if err != nil {
		c.log.Warn("security.auth_rejected", "client", hello.Client.ID, "error", err)
		c.rejectHandshake(hello.ID, protocol.ErrUnauthorized, "authentication failed")
		return false
	}
	c.role = role
	c.scopes = scopes
	c.info = hello.Client
	c.caps = hello.Caps

	ok := protocol.HelloOKFrame{
		Type:     protocol.FrameHelloOK,
		ID:       hello.ID,
		Protocol: version,
		Server:   protocol.ServerInfo{Version: Version, ConnID: c.id},
		Features: protocol.Features{Methods: protocol.Methods(), Events: protocol.Events()},
		Snapshot: c.srv.snapshot(),
		Auth:     protocol.HelloOKAuth{Role: role, Scopes: scopes},
		Policy: protocol.ConnPolicy{
			MaxPayload:     protocol.DefaultMaxPayloadBytes,
			MaxBuffered:    c.maxBuffered,
			TickIntervalMS: c.tick.Milliseconds(),
		},
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(&ok); err != nil {
		return false
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * c.tick))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(3 * c.tick))
	})
	return true
}

// rejectHandshake writes a pre-handshake error frame and lets run() close.
func (c *Client) rejectHandshake(id, code, message string) {
	frame := map[string]interface{}{
		"type":  protocol.FrameError,
		"id":    id,
		"error": protocol.ErrorBody{Code: code, Message: message},
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteJSON(frame)
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(3 * c.tick))

		var sniff protocol.Frame
		if err := json.Unmarshal(data, &sniff); err != nil {
			c.log.Warn("gateway.bad_frame", "error", err)
			continue
		}
		switch sniff.Type {
		case protocol.FrameReq:
			var req protocol.RequestFrame
			if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
				c.log.Warn("gateway.bad_request", "error", err)
				continue
			}
			go c.dispatch(&req)
		default:
			c.log.Warn("gateway.unexpected_frame", "type", sniff.Type)
		}
	}
}

// dispatch runs one request under the configured timeout. agent.wait gets
// a longer leash since it blocks for a whole run.
func (c *Client) dispatch(req *protocol.RequestFrame) {
	timeout := c.reqTimeout
	if req.Method == protocol.MethodAgentWait {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp := c.srv.router.Dispatch(ctx, c, req)
	c.sendResponse(resp)
}

// writeLoop drains the outbound queue. Gorilla allows one concurrent
// writer, so every data frame goes through here.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			item := c.queue[0]
			c.queue = c.queue[1:]
			c.buffered -= int64(len(item.data))
			c.mu.Unlock()

			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, item.data); err != nil {
				c.Close()
				return
			}
		}
	}
}

// heartbeat pings the peer and emits the JSON tick event on the configured
// interval. A dead peer trips the read deadline.
func (c *Client) heartbeat() {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			_ = c.conn.WriteControl(websocket.PingMessage, nil, now.Add(writeTimeout))
			c.SendEvent(protocol.EventTick, map[string]interface{}{
				"ts": now.UTC().Format(time.RFC3339),
			})
		}
	}
}

// SendEvent queues an event frame. Non-critical events are dropped when the
// buffer is full; the next accepted frame is preceded by a gap marker.
func (c *Client) SendEvent(name string, payload interface{}) {
	c.enqueueEvent(name, payload, isCriticalEvent(name, payload))
}

func (c *Client) enqueueEvent(name string, payload interface{}, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if gap := c.dropped; gap > 0 {
		c.dropped = 0
		c.appendLocked(protocol.NewEvent(protocol.EventGap, map[string]interface{}{"dropped": gap}), true)
	}
	if !c.appendLocked(protocol.NewEvent(name, payload), critical) {
		c.dropped++
	}
	c.wakeLocked()
}

// appendLocked stamps the sequence, marshals, and queues one event frame.
// When the buffer is full, the oldest queued non-critical frames are evicted
// to admit the new one. Returns false only when a non-critical frame could
// not be admitted even after eviction.
func (c *Client) appendLocked(frame *protocol.EventFrame, critical bool) bool {
	frame.Seq = c.seq + 1
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("gateway.event_marshal_failed", "event", frame.Event, "error", err)
		return true
	}
	if !critical {
		for c.buffered+int64(len(data)) > c.maxBuffered {
			if !c.evictOldestLocked() {
				break
			}
		}
		if c.buffered+int64(len(data)) > c.maxBuffered {
			return false
		}
	}
	c.seq++
	c.queue = append(c.queue, outItem{data: data, critical: critical})
	c.buffered += int64(len(data))
	return true
}

// evictOldestLocked drops the oldest queued non-critical frame and counts it
// toward the next gap marker. Caller holds c.mu.
func (c *Client) evictOldestLocked() bool {
	for i, item := range c.queue {
		if item.critical {
			continue
		}
		c.buffered -= int64(len(item.data))
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		c.dropped++
		return true
	}
	return false
}

func (c *Client) sendResponse(resp *protocol.ResponseFrame) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.log.Error("gateway.response_marshal_failed", "id", resp.ID, "error", err)
		return
	}
	c.mu.Lock()
	if !c.closed {
		c.queue = append(c.queue, outItem{data: data, critical: true})
		c.buffered += int64(len(data))
		c.wakeLocked()
	}
	c.mu.Unlock()
}

func (c *Client) wakeLocked() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close tears the connection down once. Safe from any goroutine.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	_ = c.conn.Close()
}

// isCriticalEvent reports whether a frame must survive backpressure.
// Terminal run events always reach the client; deltas, thoughts, chat
// notifications, and ticks may be dropped with a gap marker.
func isCriticalEvent(name string, payload interface{}) bool {
	switch name {
	case protocol.EventShutdown, protocol.EventSnapshot, protocol.EventGap:
		return true
	case protocol.EventAgent:
		if re, ok := payload.(agent.RunEvent); ok {
			return protocol.CriticalRunEvents[re.Kind]
		}
		return true
	default:
		return false
	}
}
