package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// capturePublisher records broadcast events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []RunEvent
}

func (c *capturePublisher) Subscribe(string, bus.EventHandler) {}
func (c *capturePublisher) Unsubscribe(string)                 {}
func (c *capturePublisher) Broadcast(ev bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev.Payload.(RunEvent))
}

func (c *capturePublisher) snapshot() []RunEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RunEvent, len(c.events))
	copy(out, c.events)
	return out
}

func TestEmitterSequenceMonotonic(t *testing.T) {
	pub := &capturePublisher{}
	em := newRunEmitter("r1", "agent:main:main", pub)
	em.emit(protocol.RunEventLifecycle, map[string]interface{}{"phase": "started"})
	em.delta("hello")
	em.emit(protocol.RunEventFinal, map[string]interface{}{"reason": "completed"})
	em.close()

	events := pub.snapshot()
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d", i, ev.Seq)
		}
		if ev.RunID != "r1" {
			t.Errorf("event %d run id = %q", i, ev.RunID)
		}
	}
}

func TestEmitterFlushesDeltasBeforeOtherKinds(t *testing.T) {
	pub := &capturePublisher{}
	em := newRunEmitter("r1", "k", pub)
	// Prime lastFlush so the next delta buffers instead of flushing.
	em.delta("first")
	em.delta("buffered")
	em.emit(protocol.RunEventToolCall, map[string]interface{}{"name": "shell"})
	em.close()

	events := pub.snapshot()
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3: %+v", len(events), events)
	}
	if events[1].Kind != protocol.RunEventTextDelta || events[1].Payload["text"] != "buffered" {
		t.Errorf("buffered delta not flushed before tool_call: %+v", events[1])
	}
	if events[2].Kind != protocol.RunEventToolCall {
		t.Errorf("kind[2] = %s", events[2].Kind)
	}
}

func TestEmitterCoalescesDeltas(t *testing.T) {
	pub := &capturePublisher{}
	em := newRunEmitter("r1", "k", pub)
	em.delta("a") // immediate: lastFlush is zero
	em.delta("b")
	em.delta("c")
	em.delta("d")

	time.Sleep(deltaThrottle + 50*time.Millisecond)
	em.close()

	var texts []string
	for _, ev := range pub.snapshot() {
		if ev.Kind != protocol.RunEventTextDelta {
			t.Fatalf("unexpected kind %s", ev.Kind)
		}
		texts = append(texts, ev.Payload["text"].(string))
	}
	if len(texts) != 2 {
		t.Fatalf("delta events = %d, want 2 (coalesced): %v", len(texts), texts)
	}
	if texts[0] != "a" || texts[1] != "bcd" {
		t.Errorf("texts = %v", texts)
	}
	if got := texts[0] + texts[1]; got != "abcd" {
		t.Errorf("reassembled = %q", got)
	}
}

func TestEmitterClosedDropsNonTerminal(t *testing.T) {
	pub := &capturePublisher{}
	em := newRunEmitter("r1", "k", pub)
	em.close()
	em.delta("late")
	em.emit(protocol.RunEventThought, map[string]interface{}{"text": "x"})
	em.emit(protocol.RunEventError, map[string]interface{}{"code": "internal_error"})

	events := pub.snapshot()
	if len(events) != 1 || events[0].Kind != protocol.RunEventError {
		t.Errorf("events after close = %+v", events)
	}
}

func TestEmitterRoutesThinkingToThoughtEvents(t *testing.T) {
	pub := &capturePublisher{}
	em := newRunEmitter("r1", "k", pub)
	em.streamDelta(providers.Delta{Thinking: "mulling"}) // immediate: lastFlush is zero
	em.streamDelta(providers.Delta{Thinking: " it over", Text: "answer"})
	em.close()

	events := pub.snapshot()
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3: %+v", len(events), events)
	}
	if events[0].Kind != protocol.RunEventThought || events[0].Payload["text"] != "mulling" {
		t.Errorf("event[0] = %+v", events[0])
	}
	if events[1].Kind != protocol.RunEventThought || events[1].Payload["text"] != " it over" {
		t.Errorf("event[1] = %+v", events[1])
	}
	if events[2].Kind != protocol.RunEventTextDelta || events[2].Payload["text"] != "answer" {
		t.Errorf("event[2] = %+v", events[2])
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d", i, ev.Seq)
		}
	}
}
