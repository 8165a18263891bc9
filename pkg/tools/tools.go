// Package tools exposes external productivity systems as a uniform
// capability surface. Each adapter declares a provider name and a list of
// operations with JSON schemas; the registry validates inputs against those
// schemas before any adapter code runs. Adding a provider is a new adapter
// registration, never a dispatcher change.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrUnknownProvider is returned for a provider with no registered adapter.
var ErrUnknownProvider = errors.New("unknown tool provider")

// ErrUnknownOperation is returned for an operation the adapter does not offer.
var ErrUnknownOperation = errors.New("unknown tool operation")

// Connection is the decrypted settings for one tenant's tool connection.
type Connection struct {
	BaseURL string
	Token   string
	Extra   map[string]string
}

// Operation describes one callable operation of an adapter.
type Operation struct {
	Name        string
	Description string
	// InputSchema is the JSON Schema of the operation's input object.
	InputSchema json.RawMessage
}

// Adapter is an external system exposed to agents.
type Adapter interface {
	// ProviderName is the registry key (e.g. "task-tracker").
	ProviderName() string
	// Operations lists the operations in their declared order.
	Operations() []Operation
	// Execute runs one operation. input has already been validated against
	// the operation's schema.
	Execute(ctx context.Context, op string, input json.RawMessage, conn Connection) (json.RawMessage, error)
	// ValidateConnection preflights a connection's credentials.
	ValidateConnection(ctx context.Context, conn Connection) error
}

// Registry holds adapters and their compiled input schemas.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	schemas  map[string]*jsonschema.Schema // provider/operation
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds an adapter, compiling every operation's input schema.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.ProviderName()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("tool provider already registered: %s", name)
	}
	for _, op := range a.Operations() {
		schema, err := compileSchema(op.InputSchema)
		if err != nil {
			return fmt.Errorf("invalid input schema for %s/%s: %w", name, op.Name, err)
		}
		r.schemas[name+"/"+op.Name] = schema
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for a provider.
func (r *Registry) Get(provider string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return a, nil
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute validates the input against the operation's schema and runs the
// adapter.
func (r *Registry) Execute(ctx context.Context, provider, op string, input json.RawMessage, conn Connection) (json.RawMessage, error) {
	a, err := r.Get(provider)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	schema, ok := r.schemas[provider+"/"+op]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownOperation, provider, op)
	}

	var doc any
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, &doc); err != nil {
		return nil, fmt.Errorf("tool input is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("tool input rejected by schema: %w", err)
	}

	return a.Execute(ctx, op, input, conn)
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("input.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("input.json")
}
