package channels

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
)

func newDelivererFixture(t *testing.T, cfg *config.Config) (*Deliverer, *Loopback, *bus.MessageBus, func()) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	msgBus := bus.NewMessageBus()
	lb := NewLoopback(msgBus, cfg.Channel("loopback"))
	reg := NewRegistry(discardLog())
	if err := reg.Register(lb); err != nil {
		t.Fatal(err)
	}
	d := NewDeliverer(reg, msgBus, config.NewStore("", cfg), discardLog())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	stop := func() {
		cancel()
		<-done
	}
	return d, lb, msgBus, stop
}

func waitSent(t *testing.T, lb *Loopback, n int) []bus.OutboundMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sent := lb.Sent(); len(sent) >= n {
			return sent
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, have %d", n, len(lb.Sent()))
	return nil
}

func TestDelivererSendsText(t *testing.T) {
	_, lb, msgBus, stop := newDelivererFixture(t, nil)
	defer stop()

	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: "loopback", Account: "default", Target: "u1",
		Text: "hello", DeliveryKey: "run-1",
	})
	sent := waitSent(t, lb, 1)
	if sent[0].Text != "hello" || sent[0].Target != "u1" {
		t.Errorf("sent = %+v", sent[0])
	}
}

func TestDelivererDeliveryKeyIdempotent(t *testing.T) {
	_, lb, msgBus, stop := newDelivererFixture(t, nil)
	defer stop()

	msg := bus.OutboundMessage{
		Channel: "loopback", Account: "default", Target: "u1",
		Text: "once", DeliveryKey: "run-1",
	}
	msgBus.PublishOutbound(msg)
	msgBus.PublishOutbound(msg) // retry after crash/reconnect
	waitSent(t, lb, 1)
	time.Sleep(100 * time.Millisecond)
	if got := len(lb.Sent()); got != 1 {
		t.Errorf("sent %d times, want 1", got)
	}
}

func TestDelivererChunksLongText(t *testing.T) {
	cfg := &config.Config{Channels: map[string]config.ChannelConfig{
		"loopback": {TextChunkLimit: 40, SendRatePerSec: 1000},
	}}
	_, lb, msgBus, stop := newDelivererFixture(t, cfg)
	defer stop()

	text := strings.Repeat("chunky words here ", 10)
	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: "loopback", Account: "default", Target: "u1", Text: text,
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(lb.Sent()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	sent := lb.Sent()
	if len(sent) < 2 {
		t.Fatalf("sent = %d messages, want chunks", len(sent))
	}
	var joined []string
	for _, m := range sent {
		joined = append(joined, m.Text)
	}
	got := strings.Join(joined, " ")
	if !strings.Contains(got, "chunky words here") {
		t.Errorf("chunks lost content: %q", got)
	}
}

func TestDelivererSerializesPerTarget(t *testing.T) {
	cfg := &config.Config{Channels: map[string]config.ChannelConfig{
		"loopback": {SendRatePerSec: 1000},
	}}
	_, lb, msgBus, stop := newDelivererFixture(t, cfg)
	defer stop()

	for i := 0; i < 5; i++ {
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: "loopback", Account: "default", Target: "u1",
			Text: string(rune('a' + i)),
		})
	}
	sent := waitSent(t, lb, 5)
	for i, m := range sent[:5] {
		if m.Text != string(rune('a'+i)) {
			t.Fatalf("out of order: %v", sent)
		}
	}
}

func TestDelivererMediaFallbackText(t *testing.T) {
	// Loopback does not implement MediaSender, so attachments degrade to a
	// textual description.
	_, lb, msgBus, stop := newDelivererFixture(t, nil)
	defer stop()

	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: "loopback", Account: "default", Target: "u1",
		Attachments: []bus.Attachment{{Hash: "abc", ContentType: "image/png", Name: "cat.png"}},
	})
	sent := waitSent(t, lb, 1)
	if !strings.Contains(sent[0].Text, "cat.png") || !strings.Contains(sent[0].Text, "image/png") {
		t.Errorf("fallback = %q", sent[0].Text)
	}
}

func TestDelivererRetriesTransientSendFailure(t *testing.T) {
	msgBus := bus.NewMessageBus()
	flaky := &flakyChannel{Loopback: NewLoopback(msgBus, config.ChannelConfig{}), failures: 1}
	reg := NewRegistry(discardLog())
	if err := reg.Register(flaky); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{Channels: map[string]config.ChannelConfig{
		"loopback": {SendRatePerSec: 1000},
	}}
	d := NewDeliverer(reg, msgBus, config.NewStore("", cfg), discardLog())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: "loopback", Account: "default", Target: "u1", Text: "retry me",
	})
	sent := waitSent(t, flaky.Loopback, 1)
	if sent[0].Text != "retry me" {
		t.Errorf("sent = %+v", sent[0])
	}
}

// flakyChannel fails the first N sends.
type flakyChannel struct {
	*Loopback
	mu       sync.Mutex
	failures int
}

func (f *flakyChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return context.DeadlineExceeded
	}
	f.mu.Unlock()
	return f.Loopback.Send(ctx, msg)
}

// chunkFailChannel fails sends whose text contains failText, N times.
type chunkFailChannel struct {
	*Loopback
	mu       sync.Mutex
	failText string
	failures int
}

func (f *chunkFailChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	if f.failures > 0 && strings.Contains(msg.Text, f.failText) {
		f.failures--
		f.mu.Unlock()
		return context.DeadlineExceeded
	}
	f.mu.Unlock()
	return f.Loopback.Send(ctx, msg)
}

func TestDelivererRetryResendsOnlyFailedChunks(t *testing.T) {
	msgBus := bus.NewMessageBus()
	// "beta" fails every attempt of the first delivery, then recovers.
	ch := &chunkFailChannel{
		Loopback: NewLoopback(msgBus, config.ChannelConfig{}),
		failText: "beta",
		failures: sendRetries + 1,
	}
	reg := NewRegistry(discardLog())
	if err := reg.Register(ch); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{Channels: map[string]config.ChannelConfig{
		"loopback": {TextChunkLimit: 5, SendRatePerSec: 1000},
	}}
	d := NewDeliverer(reg, msgBus, config.NewStore("", cfg), discardLog())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	msg := bus.OutboundMessage{
		Channel: "loopback", Account: "default", Target: "u1",
		Text: "alpha beta", DeliveryKey: "run-9",
	}
	msgBus.PublishOutbound(msg)
	waitSent(t, ch.Loopback, 1) // first chunk lands, second keeps failing
	msgBus.PublishOutbound(msg) // retry after the partial failure

	sent := waitSent(t, ch.Loopback, 2)
	if len(sent) != 2 {
		t.Fatalf("sent = %d messages: %+v", len(sent), sent)
	}
	if sent[0].Text != "alpha" || sent[1].Text != "beta" {
		t.Errorf("retry resent the wrong chunks: %+v", sent)
	}
}
