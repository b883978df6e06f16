// Package providers implements LLM backends over plain net/http with SSE
// streaming. Failures are classified for the auth pool so runs can fail over
// between profiles.
package providers

import (
	"context"
	"encoding/json"
)

// Provider is one LLM backend bound to a credential.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai").
	Name() string

	// Complete sends the conversation and returns the final response.
	// When onDelta is non-nil the response streams and each text or
	// thinking fragment is delivered as it arrives.
	Complete(ctx context.Context, req Request, onDelta func(Delta)) (*Response, error)
}

// Request is the provider-independent completion input.
type Request struct {
	Model         string
	System        string
	Messages      []Message
	Tools         []ToolSpec
	MaxTokens     int
	Temperature   float64 // ignored when thinking is on
	ThinkingLevel string  // off|minimal|low|medium|high|xhigh
}

// Message is one conversation turn.
type Message struct {
	Role       string // "user", "assistant", "tool"
	Text       string
	Images     []Image
	ToolCalls  []ToolCall // assistant turns that requested tools
	ToolCallID string     // set on role "tool"
	ToolOK     bool       // tool result success flag
}

// Image is inline base64 media attached to a user turn.
type Image struct {
	MediaType string
	Data      string
}

// ToolSpec declares one callable tool.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID     string
	Name   string
	Params json.RawMessage
}

// Delta is one streamed fragment.
type Delta struct {
	Text     string
	Thinking string
}

// StopReason is why the model stopped.
type StopReason string

const (
	StopEnd       StopReason = "stop"
	StopToolCalls StopReason = "tool_calls"
	StopLength    StopReason = "length"
)

// Response is the completed model output.
type Response struct {
	Text       string
	Thinking   string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CacheRead    int
	CacheWrite   int
}

// thinkingBudget maps a thinking level to a token budget. Zero disables
// extended thinking.
func thinkingBudget(level string) int {
	switch level {
	case "minimal":
		return 1024
	case "low":
		return 4096
	case "medium":
		return 10000
	case "high":
		return 32000
	case "xhigh":
		return 63999
	default:
		return 0
	}
}
