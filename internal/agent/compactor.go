package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// ErrCompactionIneffective is returned when compaction fails to reduce the
// estimated token count. The runner fails the run with this code rather than
// loop forever.
var ErrCompactionIneffective = errors.New("compaction did not reduce token estimate")

// SummarizeFunc condenses one chunk of conversation. The runner wires this
// to an LLM call using the same provider selection as runs.
type SummarizeFunc func(ctx context.Context, text string) (string, error)

// Compactor rewrites oversized transcripts: a preserved recent tail stays
// verbatim, the head is chunked and summarized into compaction markers.
type Compactor struct {
	est       *Estimator
	summarize SummarizeFunc
	log       *slog.Logger
}

// NewCompactor builds a compactor.
func NewCompactor(est *Estimator, summarize SummarizeFunc, log *slog.Logger) *Compactor {
	return &Compactor{est: est, summarize: summarize, log: log}
}

// ShouldCompact reports whether the transcript estimate crosses the trigger
// threshold for the given compaction settings.
func ShouldCompact(estimated int, cfg *config.CompactionConfig) bool {
	window := 200000
	ratio := 1.2
	if cfg != nil {
		if cfg.ContextWindowTokens > 0 {
			window = cfg.ContextWindowTokens
		}
		if cfg.TriggerRatio > 0 {
			ratio = cfg.TriggerRatio
		}
	}
	return float64(estimated) >= float64(window)*ratio
}

// Compact returns a replacement transcript. The caller persists it with an
// atomic rewrite while holding the session's lane.
func (c *Compactor) Compact(ctx context.Context, key string, events []store.Event, cfg *config.CompactionConfig) ([]store.Event, error) {
	baseRatio := 0.4
	minRatio := 0.15
	keepLast := 10
	if cfg != nil {
		if cfg.BaseChunkRatio > 0 {
			baseRatio = cfg.BaseChunkRatio
		}
		if cfg.MinChunkRatio > 0 {
			minRatio = cfg.MinChunkRatio
		}
		if cfg.KeepLastEvents > 0 {
			keepLast = cfg.KeepLastEvents
		}
	}

	totalTokens := c.est.EstimateEvents(events)
	tailStart := preservedTailStart(events, keepLast)
	if tailStart <= 0 {
		return nil, ErrCompactionIneffective
	}
	head, tail := events[:tailStart], events[tailStart:]

	chunks := chunkByTokens(head, c.est, baseRatio, minRatio, totalTokens)
	if len(chunks) == 0 {
		return nil, ErrCompactionIneffective
	}

	rewritten := make([]store.Event, 0, len(chunks)+len(tail))
	for i, chunk := range chunks {
		summary, err := c.summarize(ctx, fmt.Sprintf(summaryPrompt, renderChunk(chunk)))
		if err != nil {
			return nil, fmt.Errorf("summarize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		rewritten = append(rewritten, store.Event{
			Kind: store.KindCompactionMarker,
			Text: summary,
		})
	}
	rewritten = append(rewritten, tail...)

	newTokens := c.est.EstimateEvents(rewritten)
	if newTokens >= totalTokens {
		return nil, ErrCompactionIneffective
	}
	c.log.Info("agent.compacted",
		"session", key,
		"events_before", len(events), "events_after", len(rewritten),
		"tokens_before", totalTokens, "tokens_after", newTokens,
		"chunks", len(chunks))
	return rewritten, nil
}

// preservedTailStart returns the index where the verbatim tail begins. The
// tail keeps the last keepLast events and always reaches back far enough to
// include both the last user and the last assistant turn.
func preservedTailStart(events []store.Event, keepLast int) int {
	start := len(events) - keepLast
	if start < 0 {
		start = 0
	}
	lastUser, lastAssistant := -1, -1
	for i := len(events) - 1; i >= 0; i-- {
		if lastUser < 0 && events[i].Kind == store.KindUserMessage {
			lastUser = i
		}
		if lastAssistant < 0 && events[i].Kind == store.KindAssistantMessage {
			lastAssistant = i
		}
		if lastUser >= 0 && lastAssistant >= 0 {
			break
		}
	}
	if lastUser >= 0 && lastUser < start {
		start = lastUser
	}
	if lastAssistant >= 0 && lastAssistant < start {
		start = lastAssistant
	}
	return start
}

// chunkByTokens splits head events into summarization chunks. Each chunk
// targets baseRatio of the tokens remaining at its start; a trailing runt
// below minRatio of the total merges into the previous chunk.
func chunkByTokens(head []store.Event, est *Estimator, baseRatio, minRatio float64, totalTokens int) [][]store.Event {
	if len(head) == 0 {
		return nil
	}
	headTokens := est.EstimateEvents(head)
	minChunk := int(minRatio * float64(totalTokens))

	var chunks [][]store.Event
	var current []store.Event
	currentTokens := 0
	remaining := headTokens
	target := int(baseRatio * float64(remaining))

	for i := range head {
		evTokens := est.EstimateEvent(&head[i])
		current = append(current, head[i])
		currentTokens += evTokens
		remaining -= evTokens
		if currentTokens >= target && i < len(head)-1 {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
			target = int(baseRatio * float64(remaining))
			if target < minChunk {
				target = minChunk
			}
		}
	}
	if len(current) > 0 {
		if currentTokens < minChunk && len(chunks) > 0 {
			chunks[len(chunks)-1] = append(chunks[len(chunks)-1], current...)
		} else {
			chunks = append(chunks, current)
		}
	}
	return chunks
}

// renderChunk flattens events into plain text for the summarization prompt.
func renderChunk(events []store.Event) string {
	var b strings.Builder
	for _, ev := range events {
		switch ev.Kind {
		case store.KindUserMessage:
			fmt.Fprintf(&b, "User: %s\n", ev.Text)
		case store.KindAssistantMessage:
			fmt.Fprintf(&b, "Assistant: %s\n", ev.Text)
		case store.KindToolCall:
			fmt.Fprintf(&b, "Tool call %s(%s)\n", ev.ToolName, ev.Params)
		case store.KindToolResult:
			fmt.Fprintf(&b, "Tool result (%s): %s\n", ev.ToolName, ev.Text)
		case store.KindSystemNote:
			fmt.Fprintf(&b, "Note: %s\n", ev.Text)
		case store.KindCompactionMarker:
			fmt.Fprintf(&b, "Earlier summary: %s\n", ev.Text)
		}
	}
	return b.String()
}

// summaryPrompt is the instruction wrapped around each chunk.
const summaryPrompt = `Summarize the following conversation segment. Preserve: tool outputs that influenced state, unresolved questions, and open plans. Be concise but do not drop decisions or facts the conversation later depends on.

%s`
