// Package bus carries normalized messages and events between the channel
// layer, the scheduler, and the gateway. Channels publish inbound envelopes;
// the agent runtime publishes outbound messages and broadcast events.
package bus

import "time"

// ChatKind distinguishes conversation shapes on a channel.
type ChatKind string

const (
	ChatDM      ChatKind = "dm"
	ChatGroup   ChatKind = "group"
	ChatChannel ChatKind = "channel"
	ChatThread  ChatKind = "thread"
)

// Attachment references a media store entry by content hash.
type Attachment struct {
	Hash        string `json:"hash"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Envelope is a normalized inbound message from any channel.
type Envelope struct {
	Channel     string            `json:"channel"`
	Account     string            `json:"account"`
	Peer        string            `json:"peer"`
	Group       string            `json:"group,omitempty"`
	ChatKind    ChatKind          `json:"chat_kind"`
	FromDisplay string            `json:"from_display,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Text        string            `json:"text"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Mentions    []string          `json:"mentions,omitempty"`
	ThreadID    string            `json:"thread_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply headed back to a channel.
type OutboundMessage struct {
	Channel     string            `json:"channel"`
	Account     string            `json:"account"`
	Target      string            `json:"target"` // peer or group id
	Text        string            `json:"text"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	DeliveryKey string            `json:"delivery_key,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Event is a server-side event broadcast to gateway clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. The gateway
// server and the agent runtime depend on this rather than the concrete bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
