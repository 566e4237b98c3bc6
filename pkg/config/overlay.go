package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// GenParams are the generation parameters the overlay may inject into a
// request body. Nil fields are not injected. Frontend-supplied values win
// unless Force is set.
type GenParams struct {
	Temperature   *float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
	TopP          *float64 `mapstructure:"top_p" yaml:"top_p,omitempty"`
	TopK          *int     `mapstructure:"top_k" yaml:"top_k,omitempty"`
	NumCtx        *int     `mapstructure:"num_ctx" yaml:"num_ctx,omitempty"`
	RepeatPenalty *float64 `mapstructure:"repeat_penalty" yaml:"repeat_penalty,omitempty"`
	MaxTokens     *int     `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	Seed          *int     `mapstructure:"seed" yaml:"seed,omitempty"`
	Stop          []string `mapstructure:"stop" yaml:"stop,omitempty"`
	Force         bool     `mapstructure:"force_params" yaml:"force_params,omitempty"`
}

// bodyKeys maps GenParams to chat-completion body keys.
func (g GenParams) bodyValues() map[string]any {
	out := make(map[string]any)
	if g.Temperature != nil {
		out["temperature"] = *g.Temperature
	}
	if g.TopP != nil {
		out["top_p"] = *g.TopP
	}
	if g.TopK != nil {
		out["top_k"] = *g.TopK
	}
	if g.NumCtx != nil {
		out["num_ctx"] = *g.NumCtx
	}
	if g.RepeatPenalty != nil {
		out["repeat_penalty"] = *g.RepeatPenalty
	}
	if g.MaxTokens != nil {
		out["max_tokens"] = *g.MaxTokens
	}
	if g.Seed != nil {
		out["seed"] = *g.Seed
	}
	if len(g.Stop) > 0 {
		out["stop"] = g.Stop
	}
	return out
}

// Apply injects the params into a request body. Existing body keys are
// kept unless Force is set.
func (g GenParams) Apply(body map[string]any) {
	for key, val := range g.bodyValues() {
		if _, exists := body[key]; exists && !g.Force {
			continue
		}
		body[key] = val
	}
}

// Overlay is the mutation-safe runtime override file. Reads re-load the
// file when its modification time changes; writes persist immediately.
// Snapshot values are never cached across requests by callers.
type Overlay struct {
	path string

	mu      sync.Mutex
	data    map[string]any
	modTime time.Time
}

// NewOverlay binds an overlay to its YAML file. A missing file is an
// empty overlay.
func NewOverlay(path string) *Overlay {
	return &Overlay{path: path, data: map[string]any{}}
}

// Snapshot returns a copy of the current overlay, reloading from disk if
// the file changed.
func (o *Overlay) Snapshot() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.reloadLocked()

	out := make(map[string]any, len(o.data))
	for k, v := range o.data {
		out[k] = v
	}
	return out
}

// Get returns one overlay value.
func (o *Overlay) Get(key string) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.reloadLocked()
	v, ok := o.data[key]
	return v, ok
}

// GetBool returns a boolean overlay value, or def when absent or not a
// bool.
func (o *Overlay) GetBool(key string, def bool) bool {
	v, ok := o.Get(key)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// Set writes one key and persists the overlay file.
func (o *Overlay) Set(key string, value any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.reloadLocked()
	o.data[key] = value
	return o.persistLocked()
}

// Replace swaps the whole overlay and persists it.
func (o *Overlay) Replace(data map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.data = make(map[string]any, len(data))
	for k, v := range data {
		o.data[k] = v
	}
	return o.persistLocked()
}

// ToggleViMode flips the web UI vi-mode boolean and returns the new value.
func (o *Overlay) ToggleViMode() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.reloadLocked()
	current, _ := o.data["vi_mode"].(bool)
	o.data["vi_mode"] = !current
	if err := o.persistLocked(); err != nil {
		return current, err
	}
	return !current, nil
}

// GenParams decodes the generation-parameter keys from the overlay.
func (o *Overlay) GenParams() GenParams {
	snap := o.Snapshot()

	var params GenParams
	if err := mapstructure.Decode(snap, &params); err != nil {
		slog.Warn("Failed to decode overlay generation params", "error", err)
		return GenParams{}
	}
	return params
}

func (o *Overlay) reloadLocked() {
	info, err := os.Stat(o.path)
	if err != nil {
		// Missing overlay file means no overrides.
		if !os.IsNotExist(err) {
			slog.Warn("Failed to stat overlay file", "path", o.path, "error", err)
		}
		return
	}

	if !info.ModTime().After(o.modTime) {
		return
	}

	raw, err := os.ReadFile(o.path)
	if err != nil {
		slog.Warn("Failed to read overlay file", "path", o.path, "error", err)
		return
	}

	data := map[string]any{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		slog.Warn("Failed to parse overlay file, keeping previous values",
			"path", o.path, "error", err)
		return
	}

	o.data = data
	o.modTime = info.ModTime()
}

func (o *Overlay) persistLocked() error {
	raw, err := yaml.Marshal(o.data)
	if err != nil {
		return fmt.Errorf("failed to marshal overlay: %w", err)
	}

	if dir := filepath.Dir(o.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create overlay directory: %w", err)
		}
	}

	if err := os.WriteFile(o.path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write overlay: %w", err)
	}

	if info, err := os.Stat(o.path); err == nil {
		o.modTime = info.ModTime()
	}
	return nil
}
