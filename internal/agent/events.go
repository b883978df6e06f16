package agent

import (
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// deltaThrottle is the minimum interval between text_delta events per run.
const deltaThrottle = 150 * time.Millisecond

// RunEvent is the payload of every streamed agent event. Seq increases
// monotonically within one run.
type RunEvent struct {
	RunID      string                 `json:"run_id"`
	SessionKey string                 `json:"session_key"`
	Seq        int64                  `json:"seq"`
	Kind       string                 `json:"kind"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// runEmitter streams run events to the bus with per-run sequencing and
// delta coalescing. text_delta fragments buffer and flush at most once per
// throttle window; every other kind flushes buffered deltas first so
// ordering holds.
type runEmitter struct {
	runID      string
	sessionKey string
	pub        bus.EventPublisher

	mu         sync.Mutex
	seq        int64
	buf        strings.Builder
	thoughtBuf strings.Builder
	lastFlush  time.Time
	timer      *time.Timer
	closed     bool
}

func newRunEmitter(runID, sessionKey string, pub bus.EventPublisher) *runEmitter {
	return &runEmitter{runID: runID, sessionKey: sessionKey, pub: pub}
}

// emit publishes one event of the given kind, flushing deltas first.
func (e *runEmitter) emit(kind string, payload map[string]interface{}) {
	e.mu.Lock()
	e.flushLocked()
	e.publishLocked(kind, payload)
	e.mu.Unlock()
}

// streamDelta routes one provider fragment: thinking into thought events,
// visible text into text deltas. Satisfies the provider onDelta callback.
func (e *runEmitter) streamDelta(d providers.Delta) {
	if d.Thinking != "" {
		e.buffer(&e.thoughtBuf, d.Thinking)
	}
	if d.Text != "" {
		e.buffer(&e.buf, d.Text)
	}
}

// delta buffers a visible text fragment.
func (e *runEmitter) delta(text string) {
	if text != "" {
		e.buffer(&e.buf, text)
	}
}

func (e *runEmitter) buffer(b *strings.Builder, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	b.WriteString(text)
	since := time.Since(e.lastFlush)
	if since >= deltaThrottle {
		e.flushLocked()
		return
	}
	if e.timer == nil {
		e.timer = time.AfterFunc(deltaThrottle-since, func() {
			e.mu.Lock()
			e.timer = nil
			e.flushLocked()
			e.mu.Unlock()
		})
	}
}

// flushLocked publishes buffered fragments, thinking before visible text so
// event order matches stream order. Caller holds e.mu.
func (e *runEmitter) flushLocked() {
	if e.thoughtBuf.Len() == 0 && e.buf.Len() == 0 {
		return
	}
	e.lastFlush = time.Now()
	if e.thoughtBuf.Len() > 0 {
		text := e.thoughtBuf.String()
		e.thoughtBuf.Reset()
		e.publishLocked(protocol.RunEventThought, map[string]interface{}{"text": text})
	}
	if e.buf.Len() > 0 {
		text := e.buf.String()
		e.buf.Reset()
		e.publishLocked(protocol.RunEventTextDelta, map[string]interface{}{"text": text})
	}
}

func (e *runEmitter) publishLocked(kind string, payload map[string]interface{}) {
	if e.closed && kind != protocol.RunEventFinal && kind != protocol.RunEventError {
		return
	}
	e.seq++
	e.pub.Broadcast(bus.Event{
		Name: protocol.EventAgent,
		Payload: RunEvent{
			RunID:      e.runID,
			SessionKey: e.sessionKey,
			Seq:        e.seq,
			Kind:       kind,
			Payload:    payload,
		},
	})
}

// close stops the delta timer and flushes what remains. Terminal events are
// emitted by the runner before close.
func (e *runEmitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.flushLocked()
	e.closed = true
}
