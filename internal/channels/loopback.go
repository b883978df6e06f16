package channels

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
)

// Loopback is an in-process channel for development and tests: inbound
// messages are injected programmatically and outbound sends are recorded.
type Loopback struct {
	Base

	mu   sync.Mutex
	sent []bus.OutboundMessage
}

// NewLoopback builds a loopback channel.
func NewLoopback(msgBus *bus.MessageBus, cfg config.ChannelConfig) *Loopback {
	return &Loopback{Base: NewBase("loopback", msgBus, cfg)}
}

func (l *Loopback) Capabilities() []Capability {
	return []Capability{CapDM, CapGroup}
}

func (l *Loopback) Start(context.Context) error {
	l.SetRunning(true)
	return nil
}

func (l *Loopback) Stop(context.Context) error {
	l.SetRunning(false)
	return nil
}

func (l *Loopback) Send(_ context.Context, msg bus.OutboundMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, msg)
	return nil
}

// Inject normalizes and publishes an inbound message, as a platform
// callback would.
func (l *Loopback) Inject(peer, text string) {
	l.Publish(bus.Envelope{
		Peer:      peer,
		ChatKind:  bus.ChatDM,
		Timestamp: time.Now(),
		Text:      text,
	}, "")
}

// Sent returns a copy of everything delivered so far.
func (l *Loopback) Sent() []bus.OutboundMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bus.OutboundMessage, len(l.sent))
	copy(out, l.sent)
	return out
}
