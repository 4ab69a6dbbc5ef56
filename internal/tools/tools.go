// Package tools defines the server-side tool registry: the fixed set of
// tools a tool server advertises over tools/list and the dispatch of
// tools/call requests to their handlers.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/mcp"
)

// Handler executes one tool call. Returning an error produces an
// in-band error result; handlers never need to build one themselves.
type Handler func(ctx context.Context, args jsonval.Object) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *mcp.PropertySchema
	Handler     Handler
}

// Definition returns the tools/list form of t.
func (t *Tool) Definition() mcp.ToolDefinition {
	schema := t.InputSchema
	if schema == nil {
		schema = &mcp.PropertySchema{Type: "object"}
	}
	return mcp.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}

// Registry holds available tools in registration order.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	order []string
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		tools:  make(map[string]*Tool),
	}
}

// Register adds a tool. Registering a name twice replaces the earlier
// tool but keeps its position.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// List returns the tool definitions in registration order.
func (r *Registry) List() []mcp.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]mcp.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Execute dispatches a call by exact name. It always returns a result:
// an unknown name, a handler error, and a handler panic all become a
// result with IsError set and a single text block.
func (r *Registry) Execute(ctx context.Context, name string, args jsonval.Object) (result *mcp.CallResult) {
	tool := r.Get(name)
	if tool == nil {
		err := &UnknownToolError{ToolName: name}
		r.logger.Warn("unknown tool requested", "tool", name)
		return mcp.NewErrorResult(err.Error())
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked",
				"tool", name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			result = mcp.NewErrorResult(fmt.Sprintf("tool %s failed: internal error", name))
		}
	}()

	text, err := tool.Handler(ctx, args)
	if err != nil {
		r.logger.Debug("tool returned error", "tool", name, "error", err)
		return mcp.NewErrorResult(err.Error())
	}
	return mcp.NewTextResult(text)
}
