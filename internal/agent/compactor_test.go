package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/store"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wordBlob produces text with a predictable token footprint.
func wordBlob(words int) string {
	return strings.Repeat("alpha ", words)
}

func TestShouldCompact(t *testing.T) {
	cfg := &config.CompactionConfig{ContextWindowTokens: 1000, TriggerRatio: 1.2}
	if ShouldCompact(1199, cfg) {
		t.Error("triggered below threshold")
	}
	if !ShouldCompact(1200, cfg) {
		t.Error("did not trigger at threshold")
	}
	// Defaults: 200000 × 1.2.
	if ShouldCompact(239999, nil) || !ShouldCompact(240000, nil) {
		t.Error("default threshold wrong")
	}
}

func TestCompactReducesTokensAndPreservesTail(t *testing.T) {
	est := NewEstimator()
	summaries := 0
	c := NewCompactor(est, func(_ context.Context, text string) (string, error) {
		summaries++
		return fmt.Sprintf("summary %d", summaries), nil
	}, discardLog())

	var events []store.Event
	for i := 0; i < 40; i++ {
		events = append(events,
			store.Event{Kind: store.KindUserMessage, Text: wordBlob(200)},
			store.Event{Kind: store.KindAssistantMessage, Text: wordBlob(200)},
		)
	}
	lastUser := events[len(events)-2].Text
	lastAssistant := events[len(events)-1].Text

	before := est.EstimateEvents(events)
	out, err := c.Compact(context.Background(), "k", events, &config.CompactionConfig{KeepLastEvents: 6})
	if err != nil {
		t.Fatal(err)
	}

	after := est.EstimateEvents(out)
	if after >= before {
		t.Fatalf("tokens did not decrease: %d -> %d", before, after)
	}
	if out[0].Kind != store.KindCompactionMarker {
		t.Errorf("head kind = %s", out[0].Kind)
	}
	if summaries == 0 {
		t.Error("no chunks summarized")
	}

	// Last user and assistant turns survive verbatim.
	var sawUser, sawAssistant bool
	for _, ev := range out {
		if ev.Kind == store.KindUserMessage && ev.Text == lastUser {
			sawUser = true
		}
		if ev.Kind == store.KindAssistantMessage && ev.Text == lastAssistant {
			sawAssistant = true
		}
	}
	if !sawUser || !sawAssistant {
		t.Errorf("tail not preserved: user=%v assistant=%v", sawUser, sawAssistant)
	}
}

func TestCompactIneffectiveWhenNothingToFold(t *testing.T) {
	est := NewEstimator()
	c := NewCompactor(est, func(_ context.Context, text string) (string, error) {
		return text, nil // a summarizer that shrinks nothing
	}, discardLog())

	// Too short: everything lands in the preserved tail.
	short := []store.Event{
		{Kind: store.KindUserMessage, Text: "hi"},
		{Kind: store.KindAssistantMessage, Text: "hello"},
	}
	if _, err := c.Compact(context.Background(), "k", short, nil); err != ErrCompactionIneffective {
		t.Errorf("short transcript: err = %v", err)
	}

	// Summaries as large as the input cannot reduce the estimate.
	var events []store.Event
	for i := 0; i < 30; i++ {
		events = append(events,
			store.Event{Kind: store.KindUserMessage, Text: wordBlob(100)},
			store.Event{Kind: store.KindAssistantMessage, Text: wordBlob(100)},
		)
	}
	if _, err := c.Compact(context.Background(), "k", events, &config.CompactionConfig{KeepLastEvents: 4}); err != ErrCompactionIneffective {
		t.Errorf("identity summarizer: err = %v", err)
	}
}

func TestPreservedTailReachesLastTurns(t *testing.T) {
	// Last user turn sits far from the end; the tail must stretch back.
	events := []store.Event{
		{Kind: store.KindUserMessage, Text: "old"},
		{Kind: store.KindAssistantMessage, Text: "old reply"},
		{Kind: store.KindUserMessage, Text: "question"},
		{Kind: store.KindToolCall, ToolName: "shell"},
		{Kind: store.KindToolResult, ToolName: "shell", Text: "out"},
		{Kind: store.KindToolCall, ToolName: "shell"},
		{Kind: store.KindToolResult, ToolName: "shell", Text: "out"},
		{Kind: store.KindAssistantMessage, Text: "answer"},
	}
	start := preservedTailStart(events, 2)
	if start > 2 {
		t.Errorf("tail start = %d, leaves last user turn out", start)
	}
}

func TestChunkRespectsMinimum(t *testing.T) {
	est := NewEstimator()
	var head []store.Event
	for i := 0; i < 20; i++ {
		head = append(head, store.Event{Kind: store.KindUserMessage, Text: wordBlob(50)})
	}
	total := est.EstimateEvents(head)
	chunks := chunkByTokens(head, est, 0.4, 0.15, total)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want several", len(chunks))
	}
	minTokens := int(0.15 * float64(total))
	for i, ch := range chunks {
		if got := est.EstimateEvents(ch); got < minTokens {
			t.Errorf("chunk %d = %d tokens, below minimum %d", i, got, minTokens)
		}
	}
	// Every head event lands in exactly one chunk.
	n := 0
	for _, ch := range chunks {
		n += len(ch)
	}
	if n != len(head) {
		t.Errorf("chunked %d events, want %d", n, len(head))
	}
}
