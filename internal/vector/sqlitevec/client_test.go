package sqlitevec

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, dim int) *Client {
	t.Helper()
	client, err := Open(filepath.Join(t.TempDir(), "vectors.db"), dim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestUpsertAndQuery(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.UpsertBatch(ctx, []Entry{
		{ID: "a/x", Vector: []float32{1, 0, 0}},
		{ID: "b/y", Vector: []float32{0.9, 0.1, 0}},
		{ID: "c/z", Vector: []float32{0, 1, 0}},
	}))

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "a/x", matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
	assert.Equal(t, "b/y", matches[1].ID)
	assert.Equal(t, "c/z", matches[2].ID)
}

func TestQueryReturnsTextAndMetadata(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Entry{
		ID:     "alice/widgets",
		Vector: []float32{1, 0, 0},
		Text:   "widgets - a widget library",
		Metadata: Metadata{
			Owner:    "alice",
			Language: "Go",
			Stars:    42,
			Topics:   "ui,widgets",
		},
	}))

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "widgets - a widget library", matches[0].Text)
	assert.Equal(t, Metadata{
		Owner:    "alice",
		Language: "Go",
		Stars:    42,
		Topics:   "ui,widgets",
	}, matches[0].Metadata)
}

func TestQueryMinSimilarityAndTopK(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.UpsertBatch(ctx, []Entry{
		{ID: "a/x", Vector: []float32{1, 0, 0}},
		{ID: "b/y", Vector: []float32{0.9, 0.1, 0}},
		{ID: "c/z", Vector: []float32{0, 1, 0}},
	}))

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, 10, 0.5, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	matches, err = idx.Query(ctx, []float32{1, 0, 0}, 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a/x", matches[0].ID)
}

func TestQueryExcludes(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a/x", Vector: []float32{1, 0, 0}}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "b/y", Vector: []float32{1, 0, 0}}))

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, 10, 0,
		map[string]bool{"a/x": true})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b/y", matches[0].ID)
}

func TestUpsertReplaces(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a/x", Vector: []float32{1, 0, 0}}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a/x", Vector: []float32{0, 1, 0}, ModelVersion: "v2"}))

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	vec, err := idx.Get(ctx, "a/x")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, vec)
}

func TestCountStale(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a/x", Vector: []float32{1, 0, 0}, ModelVersion: "v1"}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a/y", Vector: []float32{0, 1, 0}, ModelVersion: "v2"}))

	stale, err := idx.CountStale(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, 1, stale)

	stale, err = idx.CountStale(ctx, "v3")
	require.NoError(t, err)
	assert.Equal(t, 2, stale)
}

func TestDimEnforced(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	assert.Error(t, idx.Upsert(ctx, Entry{ID: "a/x", Vector: []float32{1, 0}}))
	_, err := idx.Query(ctx, []float32{1, 0}, 10, 0, nil)
	assert.Error(t, err)
}

func TestDeleteAndClear(t *testing.T) {
	idx := newTestIndex(t, 3)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a/x", Vector: []float32{1, 0, 0}}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "b/y", Vector: []float32{0, 1, 0}}))

	require.NoError(t, idx.Delete(ctx, "a/x"))
	require.NoError(t, idx.Delete(ctx, "missing"))

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, idx.Clear(ctx))
	count, err = idx.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
}
