// Package backends talks to the upstream inference providers. A
// Dispatcher holds backends in priority order, each wrapped with a
// retry layer; the proxy only ever sees the dispatcher.
package backends

import (
	"context"
	"strconv"
	"strings"
)

// CostSentinelPrefix marks an out-of-band cost line a metered backend
// emits inside its event stream. The proxy consumes these lines; clients
// never see them.
const CostSentinelPrefix = "__bb_cost__:"

// Response is the result of a non-streaming forward.
type Response struct {
	OK        bool           `json:"ok"`
	Status    int            `json:"status"`
	Body      map[string]any `json:"body"`
	Backend   string         `json:"backend"`
	LatencyMS int64          `json:"latency_ms"`
	// Cost in USD; nil for unmetered backends.
	Cost *float64 `json:"cost,omitempty"`
}

// Backend is one upstream provider.
type Backend interface {
	Name() string
	// Forward sends a non-streaming chat completion.
	Forward(ctx context.Context, body map[string]any) (*Response, error)
	// Stream sends a streaming chat completion and yields raw event
	// lines. An error return means no line ever flowed.
	Stream(ctx context.Context, body map[string]any) (<-chan string, error)
	Health(ctx context.Context) error
	Models(ctx context.Context) ([]string, error)
	// SupportsModel is true for every model until the first successful
	// model-list fetch.
	SupportsModel(model string) bool
	// Preload pins a model with an infinite keep-alive. Only local
	// backends implement it meaningfully.
	Preload(ctx context.Context, model string) error
}

// ParseCostSentinel extracts the cost from a sentinel line. It tolerates
// an SSE "data: " prefix.
func ParseCostSentinel(line string) (float64, bool) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "data: ")
	if !strings.HasPrefix(line, CostSentinelPrefix) {
		return 0, false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(line, CostSentinelPrefix))
	cost, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return cost, true
}
