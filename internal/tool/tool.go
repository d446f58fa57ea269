// Package tool implements the auxiliary capabilities a thought can request.
package tool

import (
	"context"
	"fmt"

	"github.com/qzbxwv/EGO/internal/llm"
)

// Tool is a named capability invoked with a free-form query. Failures are
// reported through Result, never as a Go error.
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, query string) Result
}

// Result is the textual outcome of a tool invocation.
type Result struct {
	Content string     `json:"content"`
	IsError bool       `json:"is_error"`
	Usage   *llm.Usage `json:"usage,omitempty"`
}

// Errorf builds an error result.
func Errorf(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Generator is the part of an LLM backend the model-backed tools need.
type Generator interface {
	Generate(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// NotFoundError is returned when a tool name is not registered.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// Registry is a fixed, read-only set of tools keyed by exact name.
type Registry struct {
	tools []Tool
	index map[string]Tool
}

// NewRegistry builds a registry. Duplicate names are rejected.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{index: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Name()
		if _, exists := r.index[name]; exists {
			return nil, fmt.Errorf("tool %q already registered", name)
		}
		r.index[name] = t
		r.tools = append(r.tools, t)
	}
	return r, nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.index[name]
	return t, ok
}

// List returns the tools in registration order.
func (r *Registry) List() []Tool {
	out := make([]Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name()
	}
	return names
}

// Invoke runs the named tool. Only an unknown name yields an error; a
// panicking tool becomes an error result.
func (r *Registry) Invoke(ctx context.Context, name, query string) (res Result, err error) {
	t, ok := r.index[name]
	if !ok {
		return Result{}, &NotFoundError{Name: name}
	}
	defer func() {
		if p := recover(); p != nil {
			res = Errorf("%s failed: %v", name, p)
		}
	}()
	return t.Invoke(ctx, query), nil
}
