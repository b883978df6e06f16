package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
)

const (
	defaultChunkLimit = 4000
	sendTimeout       = 30 * time.Second
	sendRetries       = 2
	deliveryDedupeTTL = 30 * time.Minute
)

// Deliverer consumes the outbound queue and hands replies to channels.
// Sends are serialized per (channel, account, target), paced with a
// per-target limiter, and deduplicated per chunk under the delivery key so
// a retried run resends only the chunks that never went out.
type Deliverer struct {
	registry *Registry
	bus      *bus.MessageBus
	cfg      *config.Store
	log      *slog.Logger

	delivered *bus.DedupeCache

	mu      sync.Mutex
	targets map[string]*targetLane
	wg      sync.WaitGroup
}

type targetLane struct {
	queue   chan bus.OutboundMessage
	limiter *rate.Limiter
}

// NewDeliverer builds a deliverer over the registry and bus.
func NewDeliverer(registry *Registry, msgBus *bus.MessageBus, cfg *config.Store, log *slog.Logger) *Deliverer {
	return &Deliverer{
		registry:  registry,
		bus:       msgBus,
		cfg:       cfg,
		log:       log,
		delivered: bus.NewDedupeCache(deliveryDedupeTTL, 5000),
		targets:   make(map[string]*targetLane),
	}
}

// Run consumes outbound messages until ctx is done, then waits for the
// per-target lanes to drain their queued sends.
func (d *Deliverer) Run(ctx context.Context) {
	for {
		msg, ok := d.bus.ConsumeOutbound(ctx)
		if !ok {
			break
		}
		d.enqueue(ctx, msg)
	}
	d.wg.Wait()
}

func deliveryKey(msg *bus.OutboundMessage) string {
	return msg.Channel + "|" + msg.Account + "|" + msg.Target + "|" + msg.DeliveryKey
}

// enqueue routes a message to its target lane, creating the lane (and its
// worker) on first use. The lane queue preserves send order per target.
func (d *Deliverer) enqueue(ctx context.Context, msg bus.OutboundMessage) {
	key := msg.Channel + "|" + msg.Account + "|" + msg.Target

	d.mu.Lock()
	lane, ok := d.targets[key]
	if !ok {
		cc := d.cfg.Current().Channel(msg.Channel)
		perSec := cc.SendRatePerSec
		if perSec <= 0 {
			perSec = 1
		}
		lane = &targetLane{
			queue:   make(chan bus.OutboundMessage, 64),
			limiter: rate.NewLimiter(rate.Limit(perSec), 3),
		}
		d.targets[key] = lane
		d.wg.Add(1)
		go d.runLane(ctx, lane)
	}
	d.mu.Unlock()

	select {
	case lane.queue <- msg:
	case <-ctx.Done():
	}
}

func (d *Deliverer) runLane(ctx context.Context, lane *targetLane) {
	defer d.wg.Done()
	for {
		select {
		case msg := <-lane.queue:
			d.deliver(ctx, lane, msg)
		case <-ctx.Done():
			// Drain what was already queued, without pacing delays that
			// would outlive the shutdown deadline.
			for {
				select {
				case msg := <-lane.queue:
					d.deliver(context.Background(), nil, msg)
				default:
					return
				}
			}
		}
	}
}

// deliver sends one message: chunked text first, then media.
func (d *Deliverer) deliver(ctx context.Context, lane *targetLane, msg bus.OutboundMessage) {
	ch, ok := d.registry.Get(msg.Channel)
	if !ok {
		d.log.Warn("outbound.unknown_channel", "channel", msg.Channel)
		return
	}
	cc := d.cfg.Current().Channel(msg.Channel)
	limit := cc.TextChunkLimit
	if limit <= 0 {
		limit = defaultChunkLimit
	}

	var chunks []string
	if msg.Text != "" {
		if d.registry.Has(msg.Channel, CapBlockStreaming) {
			chunks = SplitBlocks(msg.Text, limit)
		} else {
			chunks = SplitText(msg.Text, limit)
		}
	}

	for i, chunk := range chunks {
		key := d.chunkKey(&msg, i)
		if key != "" && d.delivered.Contains(key) {
			continue
		}
		out := msg
		out.Text = chunk
		out.Attachments = nil
		if err := d.sendChunk(ctx, lane, ch, out); err != nil {
			d.log.Error("outbound.send_failed",
				"channel", msg.Channel, "target", msg.Target,
				"chunk", fmt.Sprintf("%d/%d", i+1, len(chunks)), "error", err)
			return
		}
		if key != "" {
			d.delivered.Mark(key)
		}
	}

	if len(msg.Attachments) > 0 {
		key := d.chunkKey(&msg, -1)
		if key != "" && d.delivered.Contains(key) {
			return
		}
		d.sendMedia(ctx, lane, ch, msg)
		if key != "" {
			d.delivered.Mark(key)
		}
	}
}

// chunkKey names one delivered chunk: (channel, account, target, delivery
// key, block index). Block -1 is the media batch. Empty when the message
// carries no delivery key.
func (d *Deliverer) chunkKey(msg *bus.OutboundMessage, block int) string {
	if msg.DeliveryKey == "" {
		return ""
	}
	if block < 0 {
		return deliveryKey(msg) + ":media"
	}
	return fmt.Sprintf("%s:%d", deliveryKey(msg), block)
}

func (d *Deliverer) sendChunk(ctx context.Context, lane *targetLane, ch Channel, msg bus.OutboundMessage) error {
	var lastErr error
	for attempt := 0; attempt <= sendRetries; attempt++ {
		if lane != nil {
			if err := lane.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := ch.Send(sctx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	return lastErr
}

// sendMedia uses the channel's native media path when it has one, else a
// textual fallback naming the attachments.
func (d *Deliverer) sendMedia(ctx context.Context, lane *targetLane, ch Channel, msg bus.OutboundMessage) {
	media := msg
	media.Text = ""
	if ms, ok := ch.(MediaSender); ok {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := ms.SendMedia(sctx, media)
		cancel()
		if err == nil {
			return
		}
		d.log.Warn("outbound.media_failed", "channel", msg.Channel, "error", err)
	}
	var fallback string
	for _, a := range msg.Attachments {
		name := a.Name
		if name == "" {
			name = a.Hash
		}
		fallback += fmt.Sprintf("[attachment: %s (%s)]\n", name, a.ContentType)
	}
	text := msg
	text.Attachments = nil
	text.Text = fallback
	if err := d.sendChunk(ctx, lane, ch, text); err != nil {
		d.log.Error("outbound.media_fallback_failed", "channel", msg.Channel, "error", err)
	}
}
