package backends

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/RALaBarge/beigebox/pkg/config"
)

// ErrorPrefix marks diagnostics the proxy returns as chat content when
// every backend fails.
const ErrorPrefix = "[BeigeBox] Backend error: "

// Dispatcher tries backends in priority order.
type Dispatcher struct {
	backends []Backend
	preloads map[string][]string // backend name -> models to pin
}

// NewDispatcher builds the ordered, retry-wrapped backend list.
func NewDispatcher(cfgs []config.BackendConfig) (*Dispatcher, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}

	ordered := make([]config.BackendConfig, len(cfgs))
	copy(ordered, cfgs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	d := &Dispatcher{preloads: make(map[string][]string)}
	for _, cfg := range ordered {
		inner, err := newHTTPBackend(cfg)
		if err != nil {
			return nil, err
		}
		wrapped := NewRetry(inner, cfg.MaxRetries)
		d.backends = append(d.backends, wrapped)
		if len(cfg.PreloadModels) > 0 {
			d.preloads[wrapped.Name()] = cfg.PreloadModels
		}
	}
	return d, nil
}

// Backends exposes the ordered list, mainly for health reporting.
func (d *Dispatcher) Backends() []Backend {
	return d.backends
}

// Forward tries each supporting backend in order and returns the first
// success. Total exhaustion yields a synthesized 503 whose content is a
// readable concatenation of per-backend errors, never a Go error — the
// proxy always has something to send.
func (d *Dispatcher) Forward(ctx context.Context, model string, body map[string]any) *Response {
	var failures []string
	for _, b := range d.backends {
		if !b.SupportsModel(model) {
			continue
		}
		resp, err := b.Forward(ctx, body)
		if err == nil {
			return resp
		}
		slog.Warn("Backend failed, trying next", "backend", b.Name(), "error", err)
		// Error text first so a status fragment directly follows the
		// prefix in the synthesized message.
		failures = append(failures, fmt.Sprintf("%v (%s)", err, b.Name()))
	}

	if len(failures) == 0 {
		failures = append(failures, fmt.Sprintf("no backend supports model %q", model))
	}
	detail := strings.Join(failures, "; ")
	return &Response{
		OK:      false,
		Status:  503,
		Backend: "none",
		Body: map[string]any{
			"error": map[string]any{
				"message": ErrorPrefix + detail,
				"type":    "backend_unavailable",
			},
		},
	}
}

// Stream tries each supporting backend; once the first event line flows
// the stream is committed and mid-stream failures are not retried. On
// total failure the returned channel carries one synthesized error event
// and the terminator.
func (d *Dispatcher) Stream(ctx context.Context, model string, body map[string]any) (<-chan string, string) {
	var failures []string
	for _, b := range d.backends {
		if !b.SupportsModel(model) {
			continue
		}
		ch, err := b.Stream(ctx, body)
		if err != nil {
			slog.Warn("Backend stream failed, trying next", "backend", b.Name(), "error", err)
			failures = append(failures, fmt.Sprintf("%v (%s)", err, b.Name()))
			continue
		}

		// Commit only after the first line flows; an immediately closed
		// channel falls through like a connection failure.
		first, ok := <-ch
		if !ok {
			failures = append(failures, fmt.Sprintf("stream closed before first event (%s)", b.Name()))
			continue
		}

		out := make(chan string, 32)
		go func() {
			defer close(out)
			out <- first
			for line := range ch {
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, b.Name()
	}

	if len(failures) == 0 {
		failures = append(failures, fmt.Sprintf("no backend supports model %q", model))
	}
	detail := strings.Join(failures, "; ")

	out := make(chan string, 2)
	out <- fmt.Sprintf(`data: {"error": {"message": %q, "type": "backend_unavailable"}}`, ErrorPrefix+detail)
	out <- "data: [DONE]"
	close(out)
	return out, "none"
}

// Models returns the union of every backend's model list. Backend
// failures drop that backend's contribution.
func (d *Dispatcher) Models(ctx context.Context) []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range d.backends {
		models, err := b.Models(ctx)
		if err != nil {
			slog.Warn("Model list fetch failed", "backend", b.Name(), "error", err)
			continue
		}
		for _, m := range models {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Health probes every backend.
func (d *Dispatcher) Health(ctx context.Context) map[string]string {
	out := make(map[string]string, len(d.backends))
	for _, b := range d.backends {
		if err := b.Health(ctx); err != nil {
			out[b.Name()] = err.Error()
		} else {
			out[b.Name()] = "ok"
		}
	}
	return out
}

// PreloadAll pins configured models at startup. Failures are logged;
// startup proceeds.
func (d *Dispatcher) PreloadAll(ctx context.Context) {
	for _, b := range d.backends {
		for _, model := range d.preloads[b.Name()] {
			preloadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			if err := b.Preload(preloadCtx, model); err != nil {
				slog.Warn("Model preload failed", "backend", b.Name(), "model", model, "error", err)
			}
			cancel()
		}
	}
}
