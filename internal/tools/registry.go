package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nextlevelbuilder/agentgate/internal/providers"
)

// Registry holds registered tools and their compiled input schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its input schema. Schemas must be
// object-shaped; a tool with an uncompilable schema is a programming error
// surfaced at startup.
func (r *Registry) Register(t Tool) error {
	schema := t.InputSchema()
	if typ, _ := schema["type"].(string); typ != "object" {
		return fmt.Errorf("tool %s: input schema must be an object, got %q", t.Name(), schema["type"])
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("tool %s: marshal schema: %w", t.Name(), err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("tool %s: parse schema: %w", t.Name(), err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("tool %s: add schema: %w", t.Name(), err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %s: already registered", t.Name())
	}
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = compiled
	return nil
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs returns provider tool declarations for the named tools.
func (r *Registry) Specs(names []string) []providers.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var specs []providers.ToolSpec
	for _, n := range names {
		t, ok := r.tools[n]
		if !ok {
			continue
		}
		specs = append(specs, providers.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return specs
}

// Execute validates params against the tool's schema and runs it. Invalid
// params produce a failed result, not an error; the model sees the
// validation message and can correct itself.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) *Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name))
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var decoded interface{}
	if err := json.Unmarshal(params, &decoded); err != nil {
		return ErrorResult(fmt.Sprintf("tool %s: params are not valid JSON: %v", name, err))
	}
	if err := schema.Validate(decoded); err != nil {
		return ErrorResult(fmt.Sprintf("tool %s: invalid params: %v", name, err))
	}
	return t.Execute(ctx, params)
}
