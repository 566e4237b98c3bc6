package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RALaBarge/beigebox/pkg/config"
)

func chatResponse(content string) map[string]any {
	return map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
}

func backendServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func localCfg(name, url string) config.BackendConfig {
	return config.BackendConfig{Name: name, Type: "local", URL: url, Priority: 1, MaxRetries: 0, Timeout: 5}
}

func TestForwardSuccess(t *testing.T) {
	srv := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasStream := body["stream"]
		assert.False(t, hasStream, "non-streaming forward must strip the stream flag")
		json.NewEncoder(w).Encode(chatResponse("hi"))
	})

	b, err := newHTTPBackend(localCfg("ollama", srv.URL))
	require.NoError(t, err)

	resp, err := b.Forward(context.Background(), map[string]any{"model": "m", "stream": true})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "local:ollama", resp.Backend)
	assert.Nil(t, resp.Cost) // local backends never report cost
	assert.GreaterOrEqual(t, resp.LatencyMS, int64(0))
}

func TestMeteredPathAuthAndCost(t *testing.T) {
	srv := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body := chatResponse("paid answer")
		body["usage"] = map[string]any{"cost": 0.00042}
		json.NewEncoder(w).Encode(body)
	})

	b, err := newHTTPBackend(config.BackendConfig{
		Name: "paid", Type: "metered", URL: srv.URL, APIKey: "sk-test", Timeout: 5,
	})
	require.NoError(t, err)

	resp, err := b.Forward(context.Background(), map[string]any{"model": "m"})
	require.NoError(t, err)
	require.NotNil(t, resp.Cost)
	assert.InDelta(t, 0.00042, *resp.Cost, 1e-9)
}

func TestMeteredRequiresKey(t *testing.T) {
	_, err := newHTTPBackend(config.BackendConfig{Name: "paid", Type: "metered", URL: "http://x"})
	assert.Error(t, err)
}

func TestTopLevelCost(t *testing.T) {
	srv := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		body := chatResponse("x")
		body["cost"] = 0.001
		json.NewEncoder(w).Encode(body)
	})
	b, err := newHTTPBackend(config.BackendConfig{
		Name: "paid", Type: "metered", URL: srv.URL, APIKey: "k", Timeout: 5,
	})
	require.NoError(t, err)

	resp, err := b.Forward(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, resp.Cost)
	assert.InDelta(t, 0.001, *resp.Cost, 1e-9)
}

func TestRetryClassification(t *testing.T) {
	assert.True(t, retryable(&statusError{status: 429}))
	assert.True(t, retryable(&statusError{status: 503}))
	assert.True(t, retryable(&statusError{status: 404}))
	assert.False(t, retryable(&statusError{status: 400}))
	assert.False(t, retryable(&statusError{status: 401}))
	assert.False(t, retryable(&statusError{status: 403}))
	assert.True(t, retryable(fmt.Errorf("connection refused")))
}

func TestRetryRecoversTransient(t *testing.T) {
	var calls atomic.Int32
	srv := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(chatResponse("recovered"))
	})

	inner, err := newHTTPBackend(localCfg("flaky", srv.URL))
	require.NoError(t, err)
	r := NewRetry(inner, 1)

	resp, err := r.Forward(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryStopsOnPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	inner, err := newHTTPBackend(localCfg("denied", srv.URL))
	require.NoError(t, err)
	r := NewRetry(inner, 2)

	_, err = r.Forward(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "permanent errors must not retry")
}

func TestSupportsModelBeforeAndAfterFetch(t *testing.T) {
	srv := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"id": "known-model"}},
		})
	})
	b, err := newHTTPBackend(localCfg("ollama", srv.URL))
	require.NoError(t, err)

	assert.True(t, b.SupportsModel("anything")) // before first fetch

	models, err := b.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"known-model"}, models)

	assert.True(t, b.SupportsModel("known-model"))
	assert.False(t, b.SupportsModel("anything"))
}

func TestDispatcherFallsThrough(t *testing.T) {
	bad := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	good := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse("from-second"))
	})

	d, err := NewDispatcher([]config.BackendConfig{
		{Name: "bad", Type: "local", URL: bad.URL, Priority: 1, Timeout: 5},
		{Name: "good", Type: "local", URL: good.URL, Priority: 2, Timeout: 5},
	})
	require.NoError(t, err)

	resp := d.Forward(context.Background(), "m", map[string]any{"model": "m"})
	assert.True(t, resp.OK)
	assert.Equal(t, "local:good", resp.Backend)
}

func TestDispatcherSynthesizes503(t *testing.T) {
	bad := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	d, err := NewDispatcher([]config.BackendConfig{
		{Name: "only", Type: "local", URL: bad.URL, Priority: 1, Timeout: 5},
	})
	require.NoError(t, err)

	resp := d.Forward(context.Background(), "m", map[string]any{"model": "m"})
	assert.False(t, resp.OK)
	assert.Equal(t, 503, resp.Status)

	errBody := resp.Body["error"].(map[string]any)
	msg := errBody["message"].(string)
	assert.True(t, strings.HasPrefix(msg, ErrorPrefix+"HTTP 400:"), "got %q", msg)
	assert.Contains(t, msg, "local:only")
}

func sseServer(t *testing.T, lines []string) *httptest.Server {
	return backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	})
}

func TestStreamRelaysLines(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		"data: [DONE]",
	})

	d, err := NewDispatcher([]config.BackendConfig{localCfg("s", srv.URL)})
	require.NoError(t, err)

	ch, backend := d.Stream(context.Background(), "m", map[string]any{"model": "m"})
	assert.Equal(t, "local:s", backend)

	var lines []string
	for line := range ch {
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "data: [DONE]", lines[2])
}

func TestStreamTotalFailureSynthesized(t *testing.T) {
	srv := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	d, err := NewDispatcher([]config.BackendConfig{localCfg("s", srv.URL)})
	require.NoError(t, err)

	ch, backend := d.Stream(context.Background(), "m", map[string]any{"model": "m"})
	assert.Equal(t, "none", backend)

	var lines []string
	for line := range ch {
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], ErrorPrefix)
	assert.Equal(t, "data: [DONE]", lines[1])
}

func TestParseCostSentinel(t *testing.T) {
	cost, ok := ParseCostSentinel("__bb_cost__:0.000125")
	require.True(t, ok)
	assert.InDelta(t, 0.000125, cost, 1e-9)

	cost, ok = ParseCostSentinel("data: __bb_cost__:1.5")
	require.True(t, ok)
	assert.InDelta(t, 1.5, cost, 1e-9)

	_, ok = ParseCostSentinel(`data: {"choices":[]}`)
	assert.False(t, ok)

	_, ok = ParseCostSentinel("__bb_cost__:not-a-number")
	assert.False(t, ok)
}
