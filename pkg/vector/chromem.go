package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemProvider is the embedded default backend: pure Go, on-disk
// persistence, no external service. All collection operations are
// serialized through the mutex.
type ChromemProvider struct {
	db          *chromem.DB
	col         *chromem.Collection
	persistPath string
	mu          sync.Mutex
}

// NewChromemProvider opens or creates the persistent database and its
// single collection.
func NewChromemProvider(persistPath, collection string) (*ChromemProvider, error) {
	var db *chromem.DB

	if persistPath != "" {
		if err := os.MkdirAll(persistPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		dbPath := persistPath + "/vectors.gob"
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, false)
			if err != nil {
				slog.Warn("Failed to load existing vector database, creating new",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
				slog.Info("Loaded vector database", "path", dbPath)
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
		slog.Info("Created in-memory vector database (no persistence)")
	}

	// Vectors arrive pre-computed; the embedding function must never run.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	col, err := db.GetOrCreateCollection(collection, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", collection, err)
	}

	return &ChromemProvider{db: db, col: col, persistPath: persistPath}, nil
}

func (p *ChromemProvider) Name() string {
	return "chromem"
}

func (p *ChromemProvider) Upsert(ctx context.Context, id string, vector []float32, document string, metadata map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc := chromem.Document{
		ID:        id,
		Content:   document,
		Metadata:  metadata,
		Embedding: vector,
	}
	if err := p.col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist after upsert", "error", err)
	}
	return nil
}

func (p *ChromemProvider) Query(ctx context.Context, vector []float32, topK int, where map[string]string) ([]Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := p.col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := p.col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, Result{
			ID:       r.ID,
			Score:    r.Similarity,
			Document: r.Content,
			Metadata: r.Metadata,
		})
	}
	return out, nil
}

func (p *ChromemProvider) Count(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.col.Count(), nil
}

// Close persists the database.
func (p *ChromemProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persist()
}

func (p *ChromemProvider) persist() error {
	if p.persistPath == "" {
		return nil
	}
	if err := p.db.Export(p.persistPath+"/vectors.gob", false, ""); err != nil {
		return fmt.Errorf("failed to persist database: %w", err)
	}
	return nil
}

var _ Provider = (*ChromemProvider)(nil)
