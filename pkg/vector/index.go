package vector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/RALaBarge/beigebox/pkg/store"
)

// SearchHit is one semantic search result with its metadata unpacked.
type SearchHit struct {
	ID             string  `json:"id"`
	Score          float32 `json:"score"`
	Content        string  `json:"content"`
	ConversationID string  `json:"conversation_id"`
	Role           string  `json:"role"`
	Model          string  `json:"model,omitempty"`
	Timestamp      string  `json:"timestamp"`
}

// Index is the embedding facade over a Provider. Every VectorRecord id
// equals the Message id it was built from.
type Index struct {
	provider Provider
	embedder Embedder
}

// NewIndex wires a provider and an embedder.
func NewIndex(provider Provider, embedder Embedder) *Index {
	return &Index{provider: provider, embedder: embedder}
}

// StoreMessage embeds and upserts one message synchronously.
func (ix *Index) StoreMessage(ctx context.Context, msg *store.Message) error {
	if msg == nil || msg.Content == "" {
		return nil
	}
	vec, err := ix.embedder.Embed(ctx, msg.Content)
	if err != nil {
		return fmt.Errorf("failed to embed message %s: %w", msg.ID, err)
	}
	metadata := map[string]string{
		"conversation_id": msg.ConversationID,
		"role":            msg.Role,
		"model":           msg.Model,
		"timestamp":       msg.Timestamp.UTC().Format(time.RFC3339),
	}
	if err := ix.provider.Upsert(ctx, msg.ID, Normalize(vec), msg.Content, metadata); err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", msg.ID, err)
	}
	return nil
}

// StoreMessageAsync indexes in the background. Failures are logged; the
// message log remains the source of truth.
func (ix *Index) StoreMessageAsync(msg *store.Message) {
	if ix == nil || msg == nil {
		return
	}
	copied := *msg
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := ix.StoreMessage(ctx, &copied); err != nil {
			slog.Warn("Async vector indexing failed", "message_id", copied.ID, "error", err)
		}
	}()
}

// Search returns the k nearest messages. whereRole filters by message
// role when non-empty.
func (ix *Index) Search(ctx context.Context, query string, k int, whereRole string) ([]SearchHit, error) {
	if k <= 0 {
		k = 5
	}
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var where map[string]string
	if whereRole != "" {
		where = map[string]string{"role": whereRole}
	}

	results, err := ix.provider.Query(ctx, Normalize(vec), k, where)
	if err != nil {
		return nil, err
	}
	return toHits(results), nil
}

// SearchGrouped is the two-pass variant: over-fetch, keep the single best
// hit per conversation, then return the top k of those.
func (ix *Index) SearchGrouped(ctx context.Context, query string, k int) ([]SearchHit, error) {
	if k <= 0 {
		k = 5
	}
	hits, err := ix.Search(ctx, query, k*3, "")
	if err != nil {
		return nil, err
	}

	best := make(map[string]SearchHit)
	for _, h := range hits {
		if prev, ok := best[h.ConversationID]; !ok || h.Score > prev.Score {
			best[h.ConversationID] = h
		}
	}

	out := make([]SearchHit, 0, len(best))
	for _, h := range best {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Stats reports the index size and configuration.
func (ix *Index) Stats(ctx context.Context) (map[string]any, error) {
	count, err := ix.provider.Count(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"provider":        ix.provider.Name(),
		"embedding_model": ix.embedder.Model(),
		"records":         count,
	}, nil
}

// Close releases the backend.
func (ix *Index) Close() error {
	return ix.provider.Close()
}

func toHits(results []Result) []SearchHit {
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{
			ID:             r.ID,
			Score:          r.Score,
			Content:        r.Document,
			ConversationID: r.Metadata["conversation_id"],
			Role:           r.Metadata["role"],
			Model:          r.Metadata["model"],
			Timestamp:      r.Metadata["timestamp"],
		})
	}
	return hits
}
