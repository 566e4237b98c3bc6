package vector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RALaBarge/beigebox/pkg/store"
)

// fakeEmbedder maps known strings to fixed directions so similarity is
// predictable without a live embedding backend.
type fakeEmbedder struct{}

func (fakeEmbedder) Model() string { return "fake" }

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	switch text {
	case "cats", "about cats":
		return []float32{1, 0, 0, 0}, nil
	case "dogs":
		return []float32{0.9, 0.1, 0, 0}, nil
	case "compilers":
		return []float32{0, 0, 1, 0}, nil
	default:
		return []float32{0.5, 0.5, 0.5, 0.5}, nil
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	p, err := NewChromemProvider(t.TempDir(), "messages")
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return NewIndex(p, fakeEmbedder{})
}

func msg(id, conv, role, content string) *store.Message {
	return &store.Message{
		ID: id, ConversationID: conv, Role: role,
		Content: content, Timestamp: time.Now().UTC(),
	}
}

func TestStoreAndSearch(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.StoreMessage(ctx, msg("m1", "c1", "user", "cats")))
	require.NoError(t, ix.StoreMessage(ctx, msg("m2", "c1", "assistant", "dogs")))
	require.NoError(t, ix.StoreMessage(ctx, msg("m3", "c2", "user", "compilers")))

	hits, err := ix.Search(ctx, "about cats", 2, "")
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "m1", hits[0].ID)
	assert.Equal(t, "c1", hits[0].ConversationID)
	assert.Equal(t, "cats", hits[0].Content)
}

func TestSearchRoleFilter(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.StoreMessage(ctx, msg("m1", "c1", "user", "cats")))
	require.NoError(t, ix.StoreMessage(ctx, msg("m2", "c1", "assistant", "dogs")))

	hits, err := ix.Search(ctx, "about cats", 5, "assistant")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m2", hits[0].ID)
}

func TestSearchGroupedBestPerConversation(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.StoreMessage(ctx, msg("m1", "c1", "user", "cats")))
	require.NoError(t, ix.StoreMessage(ctx, msg("m2", "c1", "assistant", "dogs")))
	require.NoError(t, ix.StoreMessage(ctx, msg("m3", "c2", "user", "compilers")))

	hits, err := ix.SearchGrouped(ctx, "about cats", 5)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, h := range hits {
		seen[h.ConversationID]++
	}
	for conv, n := range seen {
		assert.Equal(t, 1, n, "conversation %s should appear once", conv)
	}
	require.NotEmpty(t, hits)
	assert.Equal(t, "c1", hits[0].ConversationID)
	assert.Equal(t, "m1", hits[0].ID)
}

func TestEmptyIndexSearch(t *testing.T) {
	ix := newTestIndex(t)
	hits, err := ix.Search(context.Background(), "anything", 5, "")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStats(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.StoreMessage(ctx, msg("m1", "c1", "user", "cats")))

	stats, err := ix.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "chromem", stats["provider"])
	assert.Equal(t, 1, stats["records"])
}

func TestSkipsEmptyContent(t *testing.T) {
	ix := newTestIndex(t)
	require.NoError(t, ix.StoreMessage(context.Background(), msg("m1", "c1", "user", "")))

	count, err := ix.provider.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}
