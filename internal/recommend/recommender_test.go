package recommend

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdybowski/stargazer/internal/apperr"
	"github.com/pdybowski/stargazer/internal/db/sqlite"
	"github.com/pdybowski/stargazer/internal/vector/sqlitevec"
	"github.com/pdybowski/stargazer/pkg/models"
)

type fixture struct {
	rec   *Recommender
	repos *sqlite.RepoStore
	edges *sqlite.EdgeStore
	index *sqlitevec.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.NewStore(sqlite.StoreConfig{Path: filepath.Join(dir, "store.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	index, err := sqlitevec.Open(filepath.Join(dir, "vectors.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	repos := sqlite.NewRepoStore(store)
	edges := sqlite.NewEdgeStore(store)

	return &fixture{
		rec:   NewRecommender(repos, edges, index, RecommenderConfig{}, zerolog.Nop()),
		repos: repos,
		edges: edges,
		index: index,
	}
}

func seed(t *testing.T, f *fixture, names ...string) {
	t.Helper()
	for _, nameWithOwner := range names {
		owner, name := models.SplitNameWithOwner(nameWithOwner)
		require.NoError(t, f.repos.UpsertFromRemote(context.Background(), &models.RemoteRepo{
			NameWithOwner:  nameWithOwner,
			Owner:          owner,
			Name:           name,
			OwnerType:      models.OwnerTypeUser,
			Visibility:     "public",
			StarredAtEpoch: 1000,
		}, 1000))
	}
}

func TestRecommendUnknownSource(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Recommend(context.Background(), "ghost/repo", 10, Options{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRecommendDeletedSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/x")
	require.NoError(t, f.repos.SoftDelete(ctx, "alice/x"))

	_, err := f.rec.Recommend(ctx, "alice/x", 10, Options{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestGraphRecallScoring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/x", "alice/y", "bob/z")
	require.NoError(t, f.edges.InsertBatch(ctx, []models.GraphEdge{
		{Source: "alice/x", Target: "alice/y", Kind: models.EdgeKindAuthor, Weight: 1.0},
		{Source: "alice/x", Target: "alice/y", Kind: models.EdgeKindEcosystem, Weight: 0.6},
		{Source: "alice/x", Target: "bob/z", Kind: models.EdgeKindCollection, Weight: 0.5},
	}))

	recs, err := f.rec.Recommend(ctx, "alice/x", 10, Options{})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// alice/y: (1.0*1.0 + 0.6*0.5)/2 = 0.65
	assert.Equal(t, "alice/y", recs[0].Repository.NameWithOwner)
	assert.InDelta(t, 0.65, recs[0].GraphScore, 1e-9)
	assert.ElementsMatch(t, []string{"author", "ecosystem"}, recs[0].Reasons)

	// bob/z: (0.5*0.5)/2 = 0.125
	assert.Equal(t, "bob/z", recs[1].Repository.NameWithOwner)
	assert.InDelta(t, 0.125, recs[1].GraphScore, 1e-9)

	for _, rec := range recs {
		assert.InDelta(t, 0.65*rec.GraphScore+0.35*rec.SemanticScore, rec.FinalScore, 1e-9)
	}
}

func TestGraphScoreSaturatesAtOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/x", "alice/y")
	// Author + ecosystem + collection sums past the divisor.
	require.NoError(t, f.edges.InsertBatch(ctx, []models.GraphEdge{
		{Source: "alice/x", Target: "alice/y", Kind: models.EdgeKindAuthor, Weight: 1.0},
		{Source: "alice/x", Target: "alice/y", Kind: models.EdgeKindEcosystem, Weight: 1.0},
		{Source: "alice/x", Target: "alice/y", Kind: models.EdgeKindCollection, Weight: 0.5},
	}))
	// (1.0 + 0.5 + 0.25)/2 = 0.875; push over with semantic edge ignored.
	recs, err := f.rec.Recommend(ctx, "alice/x", 10, Options{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.LessOrEqual(t, recs[0].GraphScore, 1.0)
}

func TestSemanticEdgesExcludedFromGraphRecall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/x", "bob/y")
	require.NoError(t, f.edges.InsertBatch(ctx, []models.GraphEdge{
		{Source: "alice/x", Target: "bob/y", Kind: models.EdgeKindSemantic, Weight: 0.9},
	}))

	recs, err := f.rec.Recommend(ctx, "alice/x", 10, Options{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSemanticRecallFusion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/x", "bob/y", "carol/z")
	require.NoError(t, f.index.UpsertBatch(ctx, []sqlitevec.Entry{
		{ID: "alice/x", Vector: []float32{1, 0, 0}},
		{ID: "bob/y", Vector: []float32{0.9, 0.1, 0}},
		{ID: "carol/z", Vector: []float32{0.8, 0.2, 0}},
	}))
	require.NoError(t, f.edges.InsertBatch(ctx, []models.GraphEdge{
		{Source: "alice/x", Target: "carol/z", Kind: models.EdgeKindCollection, Weight: 0.5},
	}))

	recs, err := f.rec.Recommend(ctx, "alice/x", 10, Options{})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// carol/z gets both legs; bob/y only semantic.
	byName := map[string]Recommendation{}
	for _, rec := range recs {
		byName[rec.Repository.NameWithOwner] = rec
	}
	assert.Positive(t, byName["carol/z"].GraphScore)
	assert.Positive(t, byName["carol/z"].SemanticScore)
	assert.Zero(t, byName["bob/y"].GraphScore)
	assert.Positive(t, byName["bob/y"].SemanticScore)
}

func TestGraphWeightConfigurable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/x", "bob/y")
	require.NoError(t, f.edges.InsertBatch(ctx, []models.GraphEdge{
		{Source: "alice/x", Target: "bob/y", Kind: models.EdgeKindAuthor, Weight: 1.0},
	}))

	tuned := NewRecommender(f.repos, f.edges, f.index,
		RecommenderConfig{GraphWeight: 0.9}, zerolog.Nop())

	recs, err := tuned.Recommend(ctx, "alice/x", 10, Options{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	// Graph score (1.0*1.0)/2 = 0.5 fused at the configured 0.9.
	assert.InDelta(t, 0.9*0.5, recs[0].FinalScore, 1e-9)
}

func TestSkipSemanticOption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/x", "bob/y", "carol/z")
	require.NoError(t, f.index.UpsertBatch(ctx, []sqlitevec.Entry{
		{ID: "alice/x", Vector: []float32{1, 0, 0}},
		{ID: "bob/y", Vector: []float32{0.9, 0.1, 0}},
	}))
	require.NoError(t, f.edges.InsertBatch(ctx, []models.GraphEdge{
		{Source: "alice/x", Target: "carol/z", Kind: models.EdgeKindCollection, Weight: 0.5},
	}))

	recs, err := f.rec.Recommend(ctx, "alice/x", 10, Options{SkipSemantic: true})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "carol/z", recs[0].Repository.NameWithOwner)
	assert.Zero(t, recs[0].SemanticScore)
}

func TestExcludeOption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/x", "bob/y", "carol/z")
	require.NoError(t, f.edges.InsertBatch(ctx, []models.GraphEdge{
		{Source: "alice/x", Target: "bob/y", Kind: models.EdgeKindAuthor, Weight: 1.0},
		{Source: "alice/x", Target: "carol/z", Kind: models.EdgeKindCollection, Weight: 0.5},
	}))

	recs, err := f.rec.Recommend(ctx, "alice/x", 10, Options{Exclude: []string{"bob/y"}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "carol/z", recs[0].Repository.NameWithOwner)
}

func TestPerOwnerCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	names := []string{"alice/x"}
	var edges []models.GraphEdge
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("bob/repo%d", i)
		names = append(names, name)
		edges = append(edges, models.GraphEdge{
			Source: "alice/x", Target: name,
			Kind: models.EdgeKindCollection, Weight: 0.5,
		})
	}
	seed(t, f, names...)
	require.NoError(t, f.edges.InsertBatch(ctx, edges))

	recs, err := f.rec.Recommend(ctx, "alice/x", 10, Options{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, "bob", rec.Repository.Owner)
	}
}

func TestDeletedNeighborsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/x", "bob/y")
	require.NoError(t, f.edges.InsertBatch(ctx, []models.GraphEdge{
		{Source: "alice/x", Target: "bob/y", Kind: models.EdgeKindAuthor, Weight: 1.0},
	}))
	require.NoError(t, f.repos.SoftDelete(ctx, "bob/y"))

	recs, err := f.rec.Recommend(ctx, "alice/x", 10, Options{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	names := []string{"alice/x"}
	var edges []models.GraphEdge
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("owner%d/repo", i)
		names = append(names, name)
		edges = append(edges, models.GraphEdge{
			Source: "alice/x", Target: name,
			Kind: models.EdgeKindCollection, Weight: 0.5,
		})
	}
	seed(t, f, names...)
	require.NoError(t, f.edges.InsertBatch(ctx, edges))

	recs, err := f.rec.Recommend(ctx, "alice/x", 3, Options{})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}
