// Package tools defines the tool substrate: a registry of schema-validated
// tools, per-agent policy classes, and the approval broker that suspends
// approval-gated calls until an operator resolves them.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	// Name is the stable identifier used in tool calls and policy config.
	Name() string

	// Description is the model-facing summary.
	Description() string

	// InputSchema is an object-shaped JSON Schema for the parameters.
	InputSchema() map[string]interface{}

	// Execute runs the tool. Params have already passed schema validation.
	Execute(ctx context.Context, params json.RawMessage) *Result
}

// Result carries both halves of a tool outcome: free text for the model and
// a structured details object for clients.
type Result struct {
	Content string          `json:"content"`
	Details json.RawMessage `json:"details,omitempty"`
	OK      bool            `json:"ok"`
}

// NewResult builds a successful result.
func NewResult(content string) *Result {
	return &Result{Content: content, OK: true}
}

// ErrorResult builds a failed result whose content explains the failure to
// the model.
func ErrorResult(content string) *Result {
	return &Result{Content: content, OK: false}
}

// WithDetails attaches the structured details object.
func (r *Result) WithDetails(v interface{}) *Result {
	if data, err := json.Marshal(v); err == nil {
		r.Details = data
	}
	return r
}
