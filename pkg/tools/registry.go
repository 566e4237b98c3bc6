// Package tools holds the flat tool namespace. Every tool, built-in or
// discovered, answers the same contract: run a string, return a string.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Tool is the uniform contract. Run is synchronous from the caller's
// point of view.
type Tool interface {
	Name() string
	Description() string
	Run(ctx context.Context, input string) (string, error)
}

// RegistryError is returned for registry-level failures.
type RegistryError struct {
	Tool    string
	Message string
}

func (e *RegistryError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
	}
	return e.Message
}

// Registry is the shared name→tool mapping.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	notifier *Notifier
}

// NewRegistry builds an empty registry. notifier may be nil.
func NewRegistry(notifier *Notifier) *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		notifier: notifier,
	}
}

// Register adds a tool under its own name. Re-registering a name
// replaces the previous tool with a warning.
func (r *Registry) Register(t Tool) {
	r.RegisterAs(t.Name(), t)
}

// RegisterAs adds a tool under an explicit name.
func (r *Registry) RegisterAs(name string, t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		slog.Warn("Replacing existing tool", "tool", name)
	}
	r.tools[name] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run invokes a tool and fires the webhook notifier. Unknown tools
// return a RegistryError; tool failures pass through wrapped.
func (r *Registry) Run(ctx context.Context, name, input string) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", &RegistryError{Tool: name, Message: "not found"}
	}

	start := time.Now()
	out, err := t.Run(ctx, input)
	elapsed := time.Since(start)

	r.notifier.Notify(name, input, err == nil)

	if err != nil {
		slog.Warn("Tool failed", "tool", name, "elapsed", elapsed, "error", err)
		return "", fmt.Errorf("tool %s failed: %w", name, err)
	}
	slog.Debug("Tool completed", "tool", name, "elapsed", elapsed, "output_len", len(out))
	return out, nil
}

// RunSafe never returns an error: failures come back as a text string
// beginning "Error: " so the model can see them and proceed.
func (r *Registry) RunSafe(ctx context.Context, name, input string) string {
	out, err := r.Run(ctx, name, input)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}
