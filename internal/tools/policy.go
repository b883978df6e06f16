package tools

import (
	"github.com/nextlevelbuilder/agentgate/internal/config"
)

// Class decides how a tool call is handled before execution.
type Class string

const (
	ClassAuto     Class = "auto"     // runs immediately
	ClassApproval Class = "approval" // suspended until an operator approves
	ClassDenied   Class = "denied"   // returns a policy denial result
)

// defaultClasses are the classes applied when config is silent. Tools that
// execute arbitrary commands gate on approval.
var defaultClasses = map[string]Class{
	"shell": ClassApproval,
}

// Policy evaluates one agent's tool access.
type Policy struct {
	allow   map[string]bool // nil means all
	deny    map[string]bool
	classes map[string]Class
}

// NewPolicy builds a policy from config. A nil ToolPolicy allows every
// registered tool with default classes.
func NewPolicy(cfg *config.ToolPolicy) *Policy {
	p := &Policy{
		deny:    make(map[string]bool),
		classes: make(map[string]Class),
	}
	if cfg == nil {
		return p
	}
	if len(cfg.Allow) > 0 {
		p.allow = make(map[string]bool, len(cfg.Allow))
		for _, n := range cfg.Allow {
			p.allow[n] = true
		}
	}
	for _, n := range cfg.Deny {
		p.deny[n] = true
	}
	for name, class := range cfg.Classes {
		p.classes[name] = Class(class)
	}
	return p
}

// Allowed reports whether the tool is offered to the model at all. Denied
// tools stay visible so the model receives an explicit denial instead of
// hallucinating around a missing tool; only allow/deny filtering hides them.
func (p *Policy) Allowed(name string) bool {
	if p.deny[name] {
		return false
	}
	if p.allow == nil {
		return true
	}
	return p.allow[name]
}

// ClassOf returns the execution class for a tool.
func (p *Policy) ClassOf(name string) Class {
	if c, ok := p.classes[name]; ok {
		return c
	}
	if c, ok := defaultClasses[name]; ok {
		return c
	}
	return ClassAuto
}

// Filter returns the subset of names the policy allows, preserving order.
func (p *Policy) Filter(names []string) []string {
	var out []string
	for _, n := range names {
		if p.Allowed(n) {
			out = append(out, n)
		}
	}
	return out
}
