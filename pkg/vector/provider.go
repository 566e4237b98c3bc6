// Package vector is the semantic index: an embedding facade over a
// pluggable nearest-neighbor backend. The facade owns embedding and
// metadata; backends only see ids, vectors, documents, and string
// metadata. Indexing is best-effort and asynchronous — a message exists
// in the store before it is searchable here.
package vector

import (
	"context"
	"fmt"

	"github.com/RALaBarge/beigebox/pkg/config"
)

// Result is one backend query hit.
type Result struct {
	ID       string
	Score    float32
	Document string
	Metadata map[string]string
}

// Provider is the pluggable nearest-neighbor backend. The collection is
// fixed at construction. Implementations are safe for concurrent use.
type Provider interface {
	Name() string
	Upsert(ctx context.Context, id string, vector []float32, document string, metadata map[string]string) error
	Query(ctx context.Context, vector []float32, topK int, where map[string]string) ([]Result, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// NewProvider constructs the configured backend.
func NewProvider(cfg config.VectorConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "chromem":
		return NewChromemProvider(cfg.PersistPath, cfg.Collection)
	case "qdrant":
		return NewQdrantProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported vector provider: %s (supported: chromem, qdrant)", cfg.Provider)
	}
}
