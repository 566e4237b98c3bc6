package backends

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/RALaBarge/beigebox/pkg/config"
)

// httpBackend implements Backend for the three OpenAI-compatible
// provider kinds: local (no auth, cost always nil), openai (optional
// bearer), metered (bearer required, cost extracted).
type httpBackend struct {
	name    string
	kind    string
	baseURL string
	apiKey  string
	client  *http.Client

	mu     sync.RWMutex
	models map[string]bool // nil until first successful fetch
}

// newHTTPBackend builds one provider from config. Construction validates
// what Validate may have missed at runtime (expanded env vars).
func newHTTPBackend(cfg config.BackendConfig) (*httpBackend, error) {
	if cfg.Type == "metered" && cfg.APIKey == "" {
		return nil, fmt.Errorf("backend %s: metered backends require an api key", cfg.Name)
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &httpBackend{
		name:    cfg.Name,
		kind:    cfg.Type,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (b *httpBackend) Name() string {
	return b.kind + ":" + b.name
}

func (b *httpBackend) completionsURL() string {
	if b.kind == "metered" {
		return b.baseURL + "/chat/completions"
	}
	return b.baseURL + "/v1/chat/completions"
}

func (b *httpBackend) modelsURL() string {
	if b.kind == "metered" {
		return b.baseURL + "/models"
	}
	return b.baseURL + "/v1/models"
}

func (b *httpBackend) setAuth(req *http.Request) {
	if b.kind != "local" && b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
}

// statusError carries an HTTP status so the retry wrapper can classify.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	msg := e.body
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Sprintf("HTTP %d: %s", e.status, msg)
}

func (b *httpBackend) Forward(ctx context.Context, body map[string]any) (*Response, error) {
	payload := make(map[string]any, len(body))
	for k, v := range body {
		payload[k] = v
	}
	delete(payload, "stream")

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.completionsURL(), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	b.setAuth(req)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", b.name, err)
	}
	defer resp.Body.Close()
	latency := time.Since(start).Milliseconds()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", b.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{status: resp.StatusCode, body: string(rawBody)}
	}

	parsed := map[string]any{}
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response from %s: %w", b.name, err)
	}

	return &Response{
		OK:        true,
		Status:    resp.StatusCode,
		Body:      parsed,
		Backend:   b.Name(),
		LatencyMS: latency,
		Cost:      b.extractCost(parsed),
	}, nil
}

// extractCost reads the body cost for metered backends: top-level "cost"
// or nested "usage.cost". Unmetered backends always report nil.
func (b *httpBackend) extractCost(body map[string]any) *float64 {
	if b.kind != "metered" {
		return nil
	}
	if c, ok := toFloat(body["cost"]); ok {
		return &c
	}
	if usage, ok := body["usage"].(map[string]any); ok {
		if c, ok := toFloat(usage["cost"]); ok {
			return &c
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (b *httpBackend) Stream(ctx context.Context, body map[string]any) (<-chan string, error) {
	payload := make(map[string]any, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	payload["stream"] = true

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.completionsURL(), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	b.setAuth(req)

	// Streams have no overall deadline; the per-backend timeout only
	// bounds non-streaming calls.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream request to %s failed: %w", b.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		rawBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &statusError{status: resp.StatusCode, body: string(rawBody)}
	}

	out := make(chan string, 32)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				trimmed := strings.TrimRight(line, "\r\n")
				if trimmed != "" {
					select {
					case out <- trimmed:
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					slog.Warn("Stream read error", "backend", b.name, "error", err)
				}
				return
			}
		}
	}()
	return out, nil
}

func (b *httpBackend) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.modelsURL(), nil)
	if err != nil {
		return err
	}
	b.setAuth(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s unreachable: %w", b.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend %s returned status %d", b.name, resp.StatusCode)
	}
	return nil
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (b *httpBackend) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.modelsURL(), nil)
	if err != nil {
		return nil, err
	}
	b.setAuth(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch models from %s: %w", b.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models fetch from %s returned status %d", b.name, resp.StatusCode)
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to parse model list from %s: %w", b.name, err)
	}

	names := make([]string, 0, len(list.Data))
	known := make(map[string]bool, len(list.Data))
	for _, m := range list.Data {
		names = append(names, m.ID)
		known[m.ID] = true
	}

	b.mu.Lock()
	b.models = known
	b.mu.Unlock()
	return names, nil
}

func (b *httpBackend) SupportsModel(model string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.models == nil {
		// Every backend is a candidate before the first fetch.
		return true
	}
	return b.models[model]
}

// Preload pins a model on a local backend with an infinite keep-alive.
func (b *httpBackend) Preload(ctx context.Context, model string) error {
	if b.kind != "local" {
		return nil
	}
	raw, err := json.Marshal(map[string]any{"model": model, "keep_alive": -1})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/generate", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("preload of %s on %s failed: %w", model, b.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("preload of %s on %s returned status %d", model, b.name, resp.StatusCode)
	}
	slog.Info("Preloaded model", "backend", b.name, "model", model)
	return nil
}

var _ Backend = (*httpBackend)(nil)
