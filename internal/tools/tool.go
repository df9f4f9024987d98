// Package tools is the tool invocation gateway. Every external action the
// engines perform goes through a Tool registered by name at startup.
package tools

import (
	"context"
	"fmt"
)

// Result is the uniform outcome of a tool invocation.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Succeeded returns a successful Result carrying data.
func Succeeded(data any) Result {
	return Result{Success: true, Data: data}
}

// Failed returns a failed Result with a formatted error message.
func Failed(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Tool performs one unit of external work.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, params map[string]any) Result
}

// MessageFunc receives progress messages from a streaming tool.
type MessageFunc func(message string)

// StreamingTool is a Tool that reports progress while it runs.
type StreamingTool interface {
	Tool
	InvokeStream(ctx context.Context, params map[string]any, onMessage MessageFunc) Result
}

// Func adapts a function to the Tool interface.
type Func struct {
	name string
	fn   func(ctx context.Context, params map[string]any) Result
}

// NewFunc creates a Tool named name backed by fn.
func NewFunc(name string, fn func(ctx context.Context, params map[string]any) Result) *Func {
	return &Func{name: name, fn: fn}
}

// Name returns the tool name.
func (f *Func) Name() string { return f.name }

// Invoke calls the wrapped function.
func (f *Func) Invoke(ctx context.Context, params map[string]any) Result {
	return f.fn(ctx, params)
}
