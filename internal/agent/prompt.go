package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// SkillSource resolves skill names to their prompt instructions.
type SkillSource interface {
	Instructions(names []string) []string
}

// systemPrompt builds the layered system prompt: global base, vertical
// overlay, persona, then active skill instructions. Empty layers are
// skipped.
func systemPrompt(agent *config.ResolvedAgent, skills SkillSource) string {
	var layers []string
	if agent.BasePrompt != "" {
		layers = append(layers, agent.BasePrompt)
	}
	if agent.VerticalPrompt != "" {
		layers = append(layers, agent.VerticalPrompt)
	}
	if agent.Persona != "" {
		layers = append(layers, agent.Persona)
	}
	if skills != nil && len(agent.Skills) > 0 {
		layers = append(layers, skills.Instructions(agent.Skills)...)
	}
	return strings.Join(layers, "\n\n")
}

// envelopeHeader renders the normalized inbound prefix.
func envelopeHeader(env *bus.Envelope) string {
	from := env.FromDisplay
	if from == "" {
		from = env.Peer
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("[%s %s %s]", env.Channel, from, ts.UTC().Format(time.RFC3339))
}

// userText renders one envelope as prompt text with the header prepended.
func userText(env *bus.Envelope) string {
	body := env.Text
	if len(env.Attachments) > 0 {
		var refs []string
		for _, a := range env.Attachments {
			refs = append(refs, fmt.Sprintf("(attachment %s %s)", a.ContentType, a.Hash))
		}
		if body != "" {
			body += "\n"
		}
		body += strings.Join(refs, "\n")
	}
	return envelopeHeader(env) + " " + body
}

// historyMessages converts transcript events into provider messages.
// Compaction markers and system notes render as user-visible context notes;
// tool pairs keep their call IDs so providers can thread them.
func historyMessages(events []store.Event) []providers.Message {
	var msgs []providers.Message
	for _, ev := range events {
		switch ev.Kind {
		case store.KindUserMessage:
			msgs = append(msgs, providers.Message{Role: "user", Text: ev.Text})
		case store.KindAssistantMessage:
			msgs = append(msgs, providers.Message{Role: "assistant", Text: ev.Text})
		case store.KindToolCall:
			msgs = append(msgs, providers.Message{
				Role: "assistant",
				ToolCalls: []providers.ToolCall{{
					ID:     ev.ToolID,
					Name:   ev.ToolName,
					Params: ev.Params,
				}},
			})
		case store.KindToolResult:
			ok := ev.OK == nil || *ev.OK
			msgs = append(msgs, providers.Message{
				Role:       "tool",
				Text:       ev.Text,
				ToolCallID: ev.ToolID,
				ToolOK:     ok,
			})
		case store.KindCompactionMarker:
			msgs = append(msgs, providers.Message{
				Role: "user",
				Text: "[Conversation summary of earlier messages]\n" + ev.Text,
			})
		case store.KindSystemNote:
			msgs = append(msgs, providers.Message{
				Role: "user",
				Text: "[Note] " + ev.Text,
			})
		}
	}
	return msgs
}
