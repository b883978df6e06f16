package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// Anthropic implements Provider against the Messages API.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropic builds a provider for one credential. An empty baseURL uses
// the public endpoint.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicAPIBase
	}
	return &Anthropic{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 300 * time.Second},
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Complete(ctx context.Context, req Request, onDelta func(Delta)) (*Response, error) {
	body := p.buildBody(req, onDelta != nil)
	respBody, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	if onDelta == nil {
		var resp anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return p.parse(&resp), nil
	}
	return p.stream(respBody, onDelta)
}

func (p *Anthropic) buildBody(req Request, stream bool) map[string]interface{} {
	var messages []map[string]interface{}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			if len(msg.Images) > 0 {
				var blocks []map[string]interface{}
				for _, img := range msg.Images {
					blocks = append(blocks, map[string]interface{}{
						"type": "image",
						"source": map[string]interface{}{
							"type":       "base64",
							"media_type": img.MediaType,
							"data":       img.Data,
						},
					})
				}
				if msg.Text != "" {
					blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Text})
				}
				messages = append(messages, map[string]interface{}{"role": "user", "content": blocks})
			} else {
				messages = append(messages, map[string]interface{}{"role": "user", "content": msg.Text})
			}

		case "assistant":
			var blocks []map[string]interface{}
			if msg.Text != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Text})
			}
			for _, tc := range msg.ToolCalls {
				var input interface{} = map[string]interface{}{}
				if len(tc.Params) > 0 {
					input = json.RawMessage(tc.Params)
				}
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			messages = append(messages, map[string]interface{}{"role": "assistant", "content": blocks})

		case "tool":
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Text,
					"is_error":    !msg.ToolOK,
				}},
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	body := map[string]interface{}{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if req.System != "" {
		body["system"] = []map[string]interface{}{{
			"type":          "text",
			"text":          req.System,
			"cache_control": map[string]interface{}{"type": "ephemeral"},
		}}
	}
	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.InputSchema,
			})
		}
		body["tools"] = tools
	}
	if budget := thinkingBudget(req.ThinkingLevel); budget > 0 {
		body["thinking"] = map[string]interface{}{
			"type":          "enabled",
			"budget_tokens": budget,
		}
		// Thinking forbids temperature and needs room above the budget.
		if maxTokens < budget+4096 {
			body["max_tokens"] = budget + 8192
		}
	} else if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	return body
}

func (p *Anthropic) post(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &APIError{
			Provider:   "anthropic",
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *Anthropic) stream(body io.Reader, onDelta func(Delta)) (*Response, error) {
	result := &Response{StopReason: StopEnd}
	toolJSON := make(map[int]*strings.Builder)
	var currentEvent string

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStart
			if json.Unmarshal([]byte(data), &ev) == nil {
				result.Usage.InputTokens = ev.Message.Usage.InputTokens
				result.Usage.CacheWrite = ev.Message.Usage.CacheCreationInputTokens
				result.Usage.CacheRead = ev.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			var ev anthropicBlockStart
			if json.Unmarshal([]byte(data), &ev) == nil {
				if ev.ContentBlock.Type == "tool_use" {
					result.ToolCalls = append(result.ToolCalls, ToolCall{
						ID:   ev.ContentBlock.ID,
						Name: ev.ContentBlock.Name,
					})
					toolJSON[len(result.ToolCalls)-1] = &strings.Builder{}
				}
			}

		case "content_block_delta":
			var ev anthropicBlockDelta
			if json.Unmarshal([]byte(data), &ev) == nil {
				switch ev.Delta.Type {
				case "text_delta":
					result.Text += ev.Delta.Text
					onDelta(Delta{Text: ev.Delta.Text})
				case "thinking_delta":
					result.Thinking += ev.Delta.Thinking
					onDelta(Delta{Thinking: ev.Delta.Thinking})
				case "input_json_delta":
					if n := len(result.ToolCalls); n > 0 {
						toolJSON[n-1].WriteString(ev.Delta.PartialJSON)
					}
				}
			}

		case "message_delta":
			var ev anthropicMessageDelta
			if json.Unmarshal([]byte(data), &ev) == nil {
				result.StopReason = mapAnthropicStop(ev.Delta.StopReason)
				if ev.Usage.OutputTokens > 0 {
					result.Usage.OutputTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				return nil, fmt.Errorf("anthropic: stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: read stream: %w", err)
	}

	for i, b := range toolJSON {
		if b.Len() > 0 {
			result.ToolCalls[i].Params = json.RawMessage(b.String())
		} else {
			result.ToolCalls[i].Params = json.RawMessage("{}")
		}
	}
	return result, nil
}

func (p *Anthropic) parse(resp *anthropicResponse) *Response {
	result := &Response{StopReason: mapAnthropicStop(resp.StopReason)}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Text += block.Text
		case "thinking":
			result.Thinking += block.Thinking
		case "tool_use":
			params := block.Input
			if len(params) == 0 {
				params = json.RawMessage("{}")
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:     block.ID,
				Name:   block.Name,
				Params: params,
			})
		}
	}
	result.Usage = Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CacheWrite:   resp.Usage.CacheCreationInputTokens,
		CacheRead:    resp.Usage.CacheReadInputTokens,
	}
	return result
}

func mapAnthropicStop(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopToolCalls
	case "max_tokens":
		return StopLength
	default:
		return StopEnd
	}
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicMessageStart struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicBlockStart struct {
	Index        int            `json:"index"`
	ContentBlock anthropicBlock `json:"content_block"`
}

type anthropicBlockDelta struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
