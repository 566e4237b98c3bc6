package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/RALaBarge/beigebox/pkg/config"
)

// Embedder turns text into a float vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Ollama's llama runner crashes when it receives concurrent embedding
// requests, so all calls are serialized through one mutex.
var ollamaEmbedMu sync.Mutex

// OllamaEmbedder calls the local embedding model over HTTP.
type OllamaEmbedder struct {
	host       string
	model      string
	maxRetries int
	client     *http.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder builds an embedder from config.
func NewOllamaEmbedder(cfg config.EmbeddingConfig) *OllamaEmbedder {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &OllamaEmbedder{
		host:       cfg.Host,
		model:      cfg.Model,
		maxRetries: 3,
		client:     &http.Client{Timeout: timeout},
	}
}

func (e *OllamaEmbedder) Model() string {
	return e.model
}

// Embed returns the raw embedding for text. Callers normalize.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	var resp *http.Response
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
			e.host+"/api/embeddings", bytes.NewReader(body))
		if reqErr != nil {
			return nil, fmt.Errorf("failed to build embed request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = e.client.Do(req)
		if err == nil {
			break
		}
		slog.Debug("Embedding retry", "attempt", attempt+1, "error", err)
		if attempt < e.maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reach embedding backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding backend returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding")
	}
	return out.Embedding, nil
}

// Normalize scales a vector to unit L2 length in place and returns it.
// A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

var _ Embedder = (*OllamaEmbedder)(nil)
