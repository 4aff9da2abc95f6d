// Package tools defines the closed set of capabilities the model may
// invoke. Each tool carries its name, schema and execution behind a shared
// interface; dispatch goes through that interface, with a name-keyed
// registry only for model interop.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/shopclerk/shopclerk/pkg/commerce"
)

// Canonical tool names.
const (
	NameProductSearch = "product_search"
	NameProductGet    = "product_get"
	NameCartAdd       = "cart_add"
	NameCartRemove    = "cart_remove"
)

// RequestContext carries per-request metadata into tool execution.
type RequestContext struct {
	Locale          string
	ApplicationID   string
	ConversationKey string
}

// Tool is one capability the model can call. Mutating tools are routed
// through the confirmation gate before Execute ever runs.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]interface{}
	Mutating() bool
	Execute(ctx context.Context, args map[string]interface{}, sess *commerce.Session, rctx RequestContext) (interface{}, error)
}

// Definition is the provider-neutral tool description sent to the model.
type Definition struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// Registry holds the registered tools, keyed by name for model interop.
type Registry struct {
	tools   map[string]Tool
	order   []string
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool, compiling its schema for argument validation.
func (r *Registry) Register(t Tool) error {
	if t.Name() == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if t.Description() == "" {
		return fmt.Errorf("tool description cannot be empty for %s", t.Name())
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.Schema()))
	if err != nil {
		return fmt.Errorf("invalid schema for tool %s: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name())
	}
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = schema
	r.order = append(r.order, t.Name())

	log.Info().Str("tool", t.Name()).Bool("mutating", t.Mutating()).Msg("Tool registered")
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the tool definitions in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

// Validate checks parsed arguments against the tool's schema.
func (r *Registry) Validate(name string, args map[string]interface{}) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return fmt.Errorf("validation errors: %v", details)
	}
	return nil
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
