package chromem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-engine/backend/internal/vector"
	"github.com/knowledge-engine/backend/pkg/config"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := NewStore(config.ChromemConfig{Path: path, CollectionName: "items"})
	require.NoError(t, err)
	return store
}

func TestSearch_EmptyCollection(t *testing.T) {
	store := newTestStore(t, "")

	hits, err := store.Search(context.Background(), []float32{1, 0, 0}, 5, vector.Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_OrdersBySimilarityAndFilters(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, []vector.Record{
		{ID: "a", Embedding: []float32{1, 0, 0}, Snippet: "alpha", Department: "eng"},
		{ID: "b", Embedding: []float32{0.8, 0.6, 0}, Snippet: "beta", Department: "hr"},
		{ID: "c", Embedding: []float32{0, 0, 1}, Snippet: "gamma", Department: "eng"},
	}))

	hits, err := store.Search(ctx, []float32{1, 0, 0}, 10, vector.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
	assert.InDelta(t, 0.8, hits[1].Similarity, 1e-5)
	assert.Equal(t, "alpha", hits[0].Snippet)

	hits, err = store.Search(ctx, []float32{1, 0, 0}, 10, vector.Filter{Department: "eng"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "c", hits[1].ID)
}

func TestUpsert_ReplacesExistingVector(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, []vector.Record{{ID: "a", Embedding: []float32{1, 0}, Snippet: "v1"}}))
	require.NoError(t, store.Upsert(ctx, []vector.Record{{ID: "a", Embedding: []float32{0, 1}, Snippet: "v2"}}))

	hits, err := store.Search(ctx, []float32{0, 1}, 1, vector.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "v2", hits[0].Snippet)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
}

func TestUpsert_RequiresEmbedding(t *testing.T) {
	store := newTestStore(t, "")

	err := store.Upsert(context.Background(), []vector.Record{{ID: "a", Snippet: "no vector"}})
	assert.Error(t, err)
}

func TestPersistentStore_Reopens(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := newTestStore(t, dir)
	require.NoError(t, store.Upsert(ctx, []vector.Record{{ID: "a", Embedding: []float32{1, 0}, Snippet: "kept"}}))

	reopened := newTestStore(t, dir)
	hits, err := reopened.Search(ctx, []float32{1, 0}, 1, vector.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}
