package tools

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"voice-orchestrator/backend/internal/logging"
	"voice-orchestrator/backend/internal/metrics"
)

// Registry maps tool names to implementations.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	logger  *logging.Logger
	metrics *metrics.Instruments
}

// NewRegistry creates an empty Registry. logger and m may be nil.
func NewRegistry(logger *logging.Logger, m *metrics.Instruments) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		logger:  logger.With("component", "tools"),
		metrics: m,
	}
}

// Register adds tools. A name can only be registered once.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		name := t.Name()
		if name == "" {
			return fmt.Errorf("tool has no name")
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("tool %q already registered", name)
		}
		r.tools[name] = t
	}
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Invoke runs the named tool. Unknown names and panics become failed
// results rather than errors.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) Result {
	return r.InvokeStream(ctx, name, params, nil)
}

// InvokeStream runs the named tool, forwarding progress messages to
// onMessage when the tool supports streaming.
func (r *Registry) InvokeStream(ctx context.Context, name string, params map[string]any, onMessage MessageFunc) (result Result) {
	t, ok := r.Lookup(name)
	if !ok {
		r.logger.Warn("tool not found", "tool", name)
		return Failed("tool not found: %s", name)
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", fmt.Sprint(p))
			result = Failed("tool %s panicked: %v", name, p)
		}
		r.metrics.ToolInvoked(ctx, name, result.Success, time.Since(start))
		r.logger.Debug("tool invoked", "tool", name, "success", result.Success, "elapsed", time.Since(start).String())
	}()

	if st, ok := t.(StreamingTool); ok && onMessage != nil {
		return st.InvokeStream(ctx, params, onMessage)
	}
	return t.Invoke(ctx, params)
}
