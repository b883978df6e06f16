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

const openaiAPIBase = "https://api.openai.com/v1"

// OpenAI implements Provider against the Chat Completions API. It also works
// for OpenAI-compatible endpoints via a custom base URL.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAI builds a provider for one credential.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = openaiAPIBase
	}
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 300 * time.Second},
	}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Complete(ctx context.Context, req Request, onDelta func(Delta)) (*Response, error) {
	body := p.buildBody(req, onDelta != nil)
	respBody, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	if onDelta == nil {
		var resp openaiResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("openai: decode response: %w", err)
		}
		return p.parse(&resp)
	}
	return p.stream(respBody, onDelta)
}

func (p *OpenAI) buildBody(req Request, stream bool) map[string]interface{} {
	var messages []map[string]interface{}
	if req.System != "" {
		messages = append(messages, map[string]interface{}{"role": "system", "content": req.System})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			if len(msg.Images) > 0 {
				var parts []map[string]interface{}
				if msg.Text != "" {
					parts = append(parts, map[string]interface{}{"type": "text", "text": msg.Text})
				}
				for _, img := range msg.Images {
					parts = append(parts, map[string]interface{}{
						"type": "image_url",
						"image_url": map[string]interface{}{
							"url": fmt.Sprintf("data:%s;base64,%s", img.MediaType, img.Data),
						},
					})
				}
				messages = append(messages, map[string]interface{}{"role": "user", "content": parts})
			} else {
				messages = append(messages, map[string]interface{}{"role": "user", "content": msg.Text})
			}

		case "assistant":
			m := map[string]interface{}{"role": "assistant", "content": msg.Text}
			if len(msg.ToolCalls) > 0 {
				var calls []map[string]interface{}
				for _, tc := range msg.ToolCalls {
					calls = append(calls, map[string]interface{}{
						"id":   tc.ID,
						"type": "function",
						"function": map[string]interface{}{
							"name":      tc.Name,
							"arguments": string(tc.Params),
						},
					})
				}
				m["tool_calls"] = calls
			}
			messages = append(messages, m)

		case "tool":
			messages = append(messages, map[string]interface{}{
				"role":         "tool",
				"tool_call_id": msg.ToolCallID,
				"content":      msg.Text,
			})
		}
	}

	body := map[string]interface{}{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_completion_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.InputSchema,
				},
			})
		}
		body["tools"] = tools
	}
	if level := req.ThinkingLevel; level != "" && level != "off" {
		// Reasoning models take an effort knob rather than a token budget.
		effort := level
		if effort == "minimal" {
			effort = "low"
		}
		if effort == "xhigh" {
			effort = "high"
		}
		body["reasoning_effort"] = effort
	}
	return body
}

func (p *OpenAI) post(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &APIError{
			Provider:   "openai",
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *OpenAI) stream(body io.Reader, onDelta func(Delta)) (*Response, error) {
	result := &Response{StopReason: StopEnd}
	// Tool call arguments arrive as indexed fragments.
	type partialCall struct {
		id, name string
		args     strings.Builder
	}
	calls := make(map[int]*partialCall)
	maxIndex := -1

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			result.Usage.InputTokens = chunk.Usage.PromptTokens
			result.Usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			result.Text += choice.Delta.Content
			onDelta(Delta{Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			pc, ok := calls[tc.Index]
			if !ok {
				pc = &partialCall{}
				calls[tc.Index] = pc
				if tc.Index > maxIndex {
					maxIndex = tc.Index
				}
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			result.StopReason = mapOpenAIStop(choice.FinishReason)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("openai: read stream: %w", err)
	}

	for i := 0; i <= maxIndex; i++ {
		pc, ok := calls[i]
		if !ok {
			continue
		}
		params := pc.args.String()
		if params == "" {
			params = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:     pc.id,
			Name:   pc.name,
			Params: json.RawMessage(params),
		})
	}
	return result, nil
}

func (p *OpenAI) parse(resp *openaiResponse) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}
	choice := resp.Choices[0]
	result := &Response{
		Text:       choice.Message.Content,
		StopReason: mapOpenAIStop(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		params := tc.Function.Arguments
		if params == "" {
			params = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:     tc.ID,
			Name:   tc.Function.Name,
			Params: json.RawMessage(params),
		})
	}
	if resp.Usage != nil {
		result.Usage.InputTokens = resp.Usage.PromptTokens
		result.Usage.OutputTokens = resp.Usage.CompletionTokens
	}
	return result, nil
}

func mapOpenAIStop(reason string) StopReason {
	switch reason {
	case "tool_calls":
		return StopToolCalls
	case "length":
		return StopLength
	default:
		return StopEnd
	}
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
}

type openaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
}
