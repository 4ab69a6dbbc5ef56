package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/toolrelay/internal/jsonval"
)

// DeviceToolName is the tool served by the secondary (device) endpoint.
const DeviceToolName = "control_android_emulator"

// Router fans tool operations out across a mandatory primary service and
// an optional secondary service. Tool lists are merged with primary
// entries taking precedence, and calls to the secondary's designated
// tools are routed there while it is available.
type Router struct {
	primary        ToolService
	secondary      ToolService
	secondaryTools map[string]bool
	logger         *slog.Logger

	mu             sync.RWMutex
	secondaryReady bool
}

// NewRouter creates a router. secondary may be nil. When secondaryTools
// is empty, only [DeviceToolName] is routed to the secondary.
func NewRouter(primary, secondary ToolService, secondaryTools []string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if len(secondaryTools) == 0 {
		secondaryTools = []string{DeviceToolName}
	}
	names := make(map[string]bool, len(secondaryTools))
	for _, n := range secondaryTools {
		names[n] = true
	}
	return &Router{
		primary:        primary,
		secondary:      secondary,
		secondaryTools: names,
		logger:         logger,
	}
}

// Initialize initializes the primary, which must succeed, then the
// secondary. A secondary failure is logged and leaves the router usable
// with the primary alone.
func (r *Router) Initialize(ctx context.Context) error {
	if err := r.primary.Initialize(ctx); err != nil {
		return fmt.Errorf("primary: %w", err)
	}

	if r.secondary == nil {
		return nil
	}
	if err := r.secondary.Initialize(ctx); err != nil {
		r.logger.Warn("secondary tool server unavailable, continuing without it",
			"error", err)
		_ = r.secondary.Close()
		r.setSecondaryReady(false)
		return nil
	}
	r.setSecondaryReady(true)
	return nil
}

// ListTools queries both endpoints concurrently and merges the results.
// A failing endpoint contributes nothing; the call itself never fails.
func (r *Router) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var (
		wg                 sync.WaitGroup
		primary, secondary []ToolDefinition
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		tools, err := r.primary.ListTools(ctx)
		if err != nil {
			r.logger.Warn("primary tools/list failed", "error", err)
			return
		}
		primary = tools
	}()

	if r.SecondaryAvailable() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tools, err := r.secondary.ListTools(ctx)
			if err != nil {
				r.logger.Warn("secondary tools/list failed", "error", err)
				return
			}
			secondary = tools
		}()
	}

	wg.Wait()
	return MergeTools(primary, secondary), nil
}

// CallTool routes designated tools to the secondary when it is
// available and everything else to the primary.
func (r *Router) CallTool(ctx context.Context, name string, args jsonval.Object) (*CallResult, error) {
	if r.secondaryTools[name] && r.SecondaryAvailable() {
		r.logger.Debug("routing tool call to secondary", "tool", name)
		return r.secondary.CallTool(ctx, name, args)
	}
	return r.primary.CallTool(ctx, name, args)
}

// IsConnected reflects the primary endpoint only.
func (r *Router) IsConnected() bool {
	return r.primary.IsConnected()
}

// SecondaryAvailable reports whether a secondary is configured and
// initialized.
func (r *Router) SecondaryAvailable() bool {
	if r.secondary == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.secondaryReady
}

// Close closes both endpoints.
func (r *Router) Close() error {
	var errs []error
	if err := r.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary: %w", err))
	}
	if r.secondary != nil {
		r.setSecondaryReady(false)
		if err := r.secondary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("secondary: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) setSecondaryReady(ready bool) {
	r.mu.Lock()
	r.secondaryReady = ready
	r.mu.Unlock()
}

// MergeTools concatenates tool lists in order, keeping the first
// definition seen for each name.
func MergeTools(lists ...[]ToolDefinition) []ToolDefinition {
	seen := make(map[string]bool)
	merged := []ToolDefinition{}
	for _, list := range lists {
		for _, t := range list {
			if seen[t.Name] {
				continue
			}
			seen[t.Name] = true
			merged = append(merged, t)
		}
	}
	return merged
}
