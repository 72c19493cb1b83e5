package search

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdybowski/stargazer/internal/apperr"
	"github.com/pdybowski/stargazer/internal/db/sqlite"
	"github.com/pdybowski/stargazer/internal/vector/sqlitevec"
	"github.com/pdybowski/stargazer/pkg/models"
)

// mapEmbedder returns canned vectors per text, empty for unknown texts.
type mapEmbedder struct {
	vectors map[string][]float32
}

func (m *mapEmbedder) Embed(_ context.Context, text string) []float32 {
	return m.vectors[text]
}

type searchFixture struct {
	manager  *Manager
	repos    *sqlite.RepoStore
	index    *sqlitevec.Client
	embedder *mapEmbedder
}

func newSearchFixture(t *testing.T) *searchFixture {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.NewStore(sqlite.StoreConfig{Path: filepath.Join(dir, "store.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	index, err := sqlitevec.Open(filepath.Join(dir, "vectors.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	repos := sqlite.NewRepoStore(store)
	embedder := &mapEmbedder{vectors: map[string][]float32{}}

	manager := NewManager(repos, index, embedder, ManagerConfig{
		FTSWeight:      0.3,
		SemanticWeight: 0.7,
		CacheTTL:       time.Minute,
	}, zerolog.Nop())

	return &searchFixture{manager: manager, repos: repos, index: index, embedder: embedder}
}

func seed(t *testing.T, f *searchFixture, nameWithOwner, description string, vector []float32) {
	t.Helper()
	ctx := context.Background()
	owner, name := models.SplitNameWithOwner(nameWithOwner)
	require.NoError(t, f.repos.UpsertFromRemote(ctx, &models.RemoteRepo{
		NameWithOwner:  nameWithOwner,
		Owner:          owner,
		Name:           name,
		OwnerType:      models.OwnerTypeUser,
		Description:    description,
		Visibility:     "public",
		StarredAtEpoch: 1000,
	}, 1000))
	if vector != nil {
		require.NoError(t, f.index.Upsert(ctx, sqlitevec.Entry{ID: nameWithOwner, Vector: vector}))
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	f := newSearchFixture(t)
	_, err := f.manager.Search(context.Background(), "   ", models.RepoFilters{}, 10)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInputInvalid, apperr.KindOf(err))
}

func TestHybridFusion(t *testing.T) {
	f := newSearchFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/terminal-ui", "terminal user interface toolkit", []float32{1, 0, 0})
	seed(t, f, "bob/tui-widgets", "widgets for building interfaces", []float32{0.9, 0.1, 0})
	seed(t, f, "carol/webserver", "a fast web server", []float32{0, 1, 0})

	f.embedder.vectors["terminal"] = []float32{1, 0, 0}

	results, err := f.manager.Search(ctx, "terminal", models.RepoFilters{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// The lexical+semantic match outranks semantic-only neighbors.
	assert.Equal(t, "alice/terminal-ui", results[0].Repository.NameWithOwner)
	assert.Equal(t, MatchHybrid, results[0].MatchType)
	assert.Greater(t, results[0].FTSScore, 0.0)
	assert.Greater(t, results[0].SemanticScore, 0.9)

	for _, r := range results {
		expected := 0.3*r.FTSScore + 0.7*r.SemanticScore
		assert.InDelta(t, expected, r.FinalScore, 1e-9)
		assert.NotEqual(t, "carol/webserver", r.Repository.NameWithOwner)
	}
}

func TestSemanticOnlyResultsAreHydrated(t *testing.T) {
	f := newSearchFixture(t)
	ctx := context.Background()

	seed(t, f, "bob/tui-widgets", "widgets for building interfaces", []float32{1, 0, 0})
	f.embedder.vectors["console toolkit"] = []float32{1, 0, 0}

	results, err := f.manager.Search(ctx, "console toolkit", models.RepoFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, MatchSemantic, results[0].MatchType)
	require.NotNil(t, results[0].Repository)
	assert.Equal(t, "bob/tui-widgets", results[0].Repository.NameWithOwner)
}

func TestSemanticRecallDeepensWithLimit(t *testing.T) {
	f := newSearchFixture(t)
	ctx := context.Background()

	// Twelve semantic-only matches: a fixed recall cutoff of ten would
	// starve pages past the first.
	for i := 0; i < 12; i++ {
		seed(t, f, fmt.Sprintf("owner%d/repo", i), "unrelated description", []float32{1, 0, 0})
	}
	f.embedder.vectors["console toolkit"] = []float32{1, 0, 0}

	results, err := f.manager.Search(ctx, "console toolkit", models.RepoFilters{}, 12)
	require.NoError(t, err)
	assert.Len(t, results, 12)
}

func TestWeakSemanticMatchesSurface(t *testing.T) {
	f := newSearchFixture(t)
	ctx := context.Background()

	// Similarity ~0.1: weak neighbors still rank, they just score low.
	seed(t, f, "bob/far-away", "unrelated description", []float32{0.1, 1, 0})
	f.embedder.vectors["console toolkit"] = []float32{1, 0, 0}

	results, err := f.manager.Search(ctx, "console toolkit", models.RepoFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, MatchSemantic, results[0].MatchType)
	assert.Less(t, results[0].SemanticScore, 0.3)
	assert.Positive(t, results[0].SemanticScore)
}

func TestDegradesToLexicalWithoutEmbedder(t *testing.T) {
	f := newSearchFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/terminal-ui", "terminal user interface toolkit", nil)

	// No vector for the query text: the embedder returns empty.
	results, err := f.manager.Search(ctx, "terminal", models.RepoFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, MatchFTS, results[0].MatchType)
	assert.Zero(t, results[0].SemanticScore)

	snap := f.manager.Snapshot()
	assert.Equal(t, int64(1), snap.Degraded)
}

func TestSemanticHitsRespectFilters(t *testing.T) {
	f := newSearchFixture(t)
	ctx := context.Background()

	seed(t, f, "bob/tui-widgets", "widgets for building interfaces", []float32{1, 0, 0})
	f.embedder.vectors["console toolkit"] = []float32{1, 0, 0}

	results, err := f.manager.Search(ctx, "console toolkit",
		models.RepoFilters{MinStars: 1000}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSoftDeletedNeverSurfaces(t *testing.T) {
	f := newSearchFixture(t)
	ctx := context.Background()

	seed(t, f, "bob/tui-widgets", "widgets for building interfaces", []float32{1, 0, 0})
	require.NoError(t, f.repos.SoftDelete(ctx, "bob/tui-widgets"))
	f.embedder.vectors["widgets"] = []float32{1, 0, 0}

	results, err := f.manager.Search(ctx, "widgets", models.RepoFilters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCacheHitAndInvalidation(t *testing.T) {
	f := newSearchFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/terminal-ui", "terminal user interface toolkit", nil)

	_, err := f.manager.Search(ctx, "terminal", models.RepoFilters{}, 10)
	require.NoError(t, err)
	_, err = f.manager.Search(ctx, "terminal", models.RepoFilters{}, 10)
	require.NoError(t, err)

	snap := f.manager.Snapshot()
	assert.Equal(t, int64(2), snap.Queries)
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.Equal(t, 1, snap.CacheSize)

	f.manager.ClearCache()
	assert.Zero(t, f.manager.Snapshot().CacheSize)

	_, err = f.manager.Search(ctx, "terminal", models.RepoFilters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.manager.Snapshot().CacheMisses)
}

func TestDifferentFiltersDifferentCacheEntries(t *testing.T) {
	f := newSearchFixture(t)
	ctx := context.Background()

	seed(t, f, "alice/terminal-ui", "terminal user interface toolkit", nil)

	_, err := f.manager.Search(ctx, "terminal", models.RepoFilters{}, 10)
	require.NoError(t, err)
	_, err = f.manager.Search(ctx, "terminal", models.RepoFilters{MinStars: 5}, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, f.manager.Snapshot().CacheSize)
}

func TestSigmoid(t *testing.T) {
	assert.InDelta(t, 0.5, sigmoid(0), 1e-9)
	assert.Greater(t, sigmoid(5.0), 0.99)
	assert.Less(t, sigmoid(-5.0), 0.01)
	// Monotone: a better lexical score always normalizes higher.
	assert.Greater(t, sigmoid(2.0), sigmoid(1.0))
}
