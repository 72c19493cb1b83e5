package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdybowski/stargazer/internal/db/sqlite"
	"github.com/pdybowski/stargazer/internal/embedding"
	"github.com/pdybowski/stargazer/internal/github"
	"github.com/pdybowski/stargazer/internal/graph"
	"github.com/pdybowski/stargazer/internal/recommend"
	"github.com/pdybowski/stargazer/internal/search"
	syncengine "github.com/pdybowski/stargazer/internal/sync"
	"github.com/pdybowski/stargazer/internal/vector/sqlitevec"
	"github.com/pdybowski/stargazer/internal/vectorize"
	"github.com/pdybowski/stargazer/pkg/models"
)

type stubRemote struct {
	starred []*models.RemoteRepo
}

func (s *stubRemote) FetchStarred(context.Context, int64) ([]*models.RemoteRepo, error) {
	return s.starred, nil
}

func (s *stubRemote) FetchReadme(context.Context, string, string) (string, error) {
	return "", nil
}

type serverFixture struct {
	api    *httptest.Server
	repos  *sqlite.RepoStore
	edges  *sqlite.EdgeStore
	index  *sqlitevec.Client
	remote *stubRemote
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.Nop()

	store, err := sqlite.NewStore(sqlite.StoreConfig{Path: filepath.Join(dir, "store.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	index, err := sqlitevec.Open(filepath.Join(dir, "vectors.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	cacheDir := filepath.Join(dir, "readme-cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0750))

	repos := sqlite.NewRepoStore(store)
	edges := sqlite.NewEdgeStore(store)
	annotations := sqlite.NewAnnotationStore(store)
	history := sqlite.NewHistoryStore(store)

	// Disabled backend: the API must keep serving lexical results.
	embedder := embedding.NewService(embedding.ServiceConfig{Model: "test", Dim: 4}, logger)
	indexer := vectorize.NewIndexer(embedder, index, "test", logger)
	graphSvc := graph.NewService(repos, edges, annotations, index,
		graph.ServiceConfig{SemanticTopK: 10, MinSimilarity: 0.6}, logger)

	remote := &stubRemote{}
	engine := syncengine.NewEngine(syncengine.EngineConfig{
		Remote:         remote,
		Repos:          repos,
		History:        history,
		Indexer:        indexer,
		Graph:          graphSvc,
		ReadmeCache:    github.NewReadmeCache(cacheDir),
		ReadmeMaxChars: 500,
	}, logger)
	t.Cleanup(engine.Shutdown)

	searcher := search.NewManager(repos, index, embedder, search.ManagerConfig{}, logger)
	engine.OnComplete(searcher.ClearCache)

	srv := New(Deps{
		Engine:      engine,
		Searcher:    searcher,
		Recommender: recommend.NewRecommender(repos, edges, index, recommend.RecommenderConfig{}, logger),
		Graph:       graphSvc,
		Repos:       repos,
		History:     history,
		Edges:       edges,
		Annotations: annotations,
		Index:       index,
		Indexer:     indexer,
		Embedder:    embedder,
	}, logger)

	api := httptest.NewServer(srv.Router())
	t.Cleanup(api.Close)

	return &serverFixture{api: api, repos: repos, edges: edges, index: index, remote: remote}
}

func (f *serverFixture) seed(t *testing.T, nameWithOwner, description string) {
	t.Helper()
	owner, name := models.SplitNameWithOwner(nameWithOwner)
	require.NoError(t, f.repos.UpsertFromRemote(context.Background(), &models.RemoteRepo{
		NameWithOwner:  nameWithOwner,
		Owner:          owner,
		Name:           name,
		OwnerType:      models.OwnerTypeUser,
		Description:    description,
		Visibility:     "public",
		StarredAtEpoch: 1000,
	}, 1000))
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	resp, err := http.Post(url, "application/json", reader)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)

	var body map[string]any
	status := getJSON(t, f.api.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["embedder_enabled"])
}

func TestSearchEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.seed(t, "alice/terminal-ui", "terminal user interface toolkit")

	var body struct {
		Count   int `json:"count"`
		Results []struct {
			Repository struct {
				NameWithOwner string `json:"name_with_owner"`
			} `json:"repository"`
			MatchType string `json:"match_type"`
		} `json:"results"`
	}
	status := getJSON(t, f.api.URL+"/api/search?q=terminal", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "alice/terminal-ui", body.Results[0].Repository.NameWithOwner)
	assert.Equal(t, "fts", body.Results[0].MatchType)
}

func TestSearchRequiresQuery(t *testing.T) {
	f := newServerFixture(t)

	var body struct {
		Error       string   `json:"error"`
		Message     string   `json:"message"`
		Suggestions []string `json:"suggestions"`
	}
	status := getJSON(t, f.api.URL+"/api/search", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "input_invalid", body.Error)
	assert.NotEmpty(t, body.Suggestions)
}

func TestSearchMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.seed(t, "alice/terminal-ui", "terminal user interface toolkit")

	var ignore map[string]any
	getJSON(t, f.api.URL+"/api/search?q=terminal", &ignore)
	getJSON(t, f.api.URL+"/api/search?q=terminal", &ignore)

	var metrics struct {
		Queries   int64 `json:"queries"`
		CacheHits int64 `json:"cache_hits"`
	}
	status := getJSON(t, f.api.URL+"/api/search/metrics", &metrics)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(2), metrics.Queries)
	assert.Equal(t, int64(1), metrics.CacheHits)
}

func TestRecommendationsNotFound(t *testing.T) {
	f := newServerFixture(t)

	var body struct {
		Error string `json:"error"`
	}
	status := getJSON(t, f.api.URL+"/api/recommendations/ghost/repo", &body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body.Error)
}

func TestManualSyncLifecycle(t *testing.T) {
	f := newServerFixture(t)
	f.remote.starred = []*models.RemoteRepo{{
		NameWithOwner:  "alice/widgets",
		Owner:          "alice",
		Name:           "widgets",
		OwnerType:      models.OwnerTypeUser,
		Description:    "a widget library",
		Visibility:     "public",
		StarredAtEpoch: 1000,
	}}

	var started map[string]any
	status := postJSON(t, f.api.URL+"/api/sync/manual", map[string]any{"kind": "full"}, &started)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "started", started["status"])

	require.Eventually(t, func() bool {
		var st struct {
			Running   bool `json:"running"`
			LiveCount int  `json:"live_count"`
		}
		getJSON(t, f.api.URL+"/api/sync/status", &st)
		return !st.Running && st.LiveCount == 1
	}, 5*time.Second, 25*time.Millisecond)

	var hist struct {
		Count int `json:"count"`
	}
	getJSON(t, f.api.URL+"/api/sync/history", &hist)
	assert.Equal(t, 1, hist.Count)
}

func TestManualSyncQueryParams(t *testing.T) {
	f := newServerFixture(t)

	var started map[string]any
	status := postJSON(t, f.api.URL+"/api/sync/manual?full_sync=true", nil, &started)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "full", started["kind"])
}

func TestSearchOffsetPagination(t *testing.T) {
	f := newServerFixture(t)
	f.seed(t, "alice/widgets", "a widget library")
	f.seed(t, "bob/gadgets", "a gadget library")

	var page struct {
		Count int `json:"count"`
	}
	status := getJSON(t, f.api.URL+"/api/search?q=library&limit=1&offset=1", &page)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, page.Count)

	status = getJSON(t, f.api.URL+"/api/search?q=library&limit=1&offset=5", &page)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, page.Count)
}

func TestSemanticRebuildAccepted(t *testing.T) {
	f := newServerFixture(t)

	var body map[string]any
	status := postJSON(t, f.api.URL+"/api/graph/semantic-edges/rebuild", nil, &body)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "started", body["status"])
}

func TestManualSyncRejectsBadKind(t *testing.T) {
	f := newServerFixture(t)
	status := postJSON(t, f.api.URL+"/api/sync/manual", map[string]any{"kind": "bogus"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestReanalyzeEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.seed(t, "alice/widgets", "a widget library")

	status := postJSON(t, f.api.URL+"/api/sync/repo/alice/widgets/reanalyze", nil, nil)
	assert.Equal(t, http.StatusAccepted, status)

	repo, err := f.repos.GetByName(context.Background(), "alice/widgets")
	require.NoError(t, err)
	assert.True(t, repo.PendingReanalyze)

	status = postJSON(t, f.api.URL+"/api/sync/repo/ghost/repo/reanalyze", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGraphEndpoints(t *testing.T) {
	f := newServerFixture(t)
	f.seed(t, "alice/x", "first")
	f.seed(t, "alice/y", "second")

	var rebuild struct {
		StructuralEdges int `json:"structural_edges"`
	}
	status := postJSON(t, f.api.URL+"/api/graph/rebuild", nil, &rebuild)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, rebuild.StructuralEdges)

	var edges struct {
		Count int `json:"count"`
	}
	status = getJSON(t, f.api.URL+"/api/graph/nodes/alice/x/edges", &edges)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, edges.Count)

	var related struct {
		Count   int `json:"count"`
		Related []struct {
			Kind   string  `json:"kind"`
			Weight float64 `json:"weight"`
		} `json:"related"`
	}
	status = getJSON(t, f.api.URL+"/api/graph/nodes/alice/x/related", &related)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, related.Count)
	assert.Equal(t, "author", related.Related[0].Kind)

	status = getJSON(t, f.api.URL+"/api/graph/nodes/ghost/repo/edges", &struct{}{})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestVectorStatusAndReindex(t *testing.T) {
	f := newServerFixture(t)
	f.seed(t, "alice/widgets", "a widget library")

	var vs struct {
		VectorCount     int    `json:"vector_count"`
		StaleVectors    int    `json:"stale_vectors"`
		ModelVersion    string `json:"model_version"`
		Dim             int    `json:"dim"`
		EmbedderEnabled bool   `json:"embedder_enabled"`
	}
	status := getJSON(t, f.api.URL+"/api/vector/status", &vs)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 4, vs.Dim)
	assert.Equal(t, 0, vs.StaleVectors)
	assert.Equal(t, "test", vs.ModelVersion)
	assert.False(t, vs.EmbedderEnabled)

	status = postJSON(t, f.api.URL+"/api/vector/reindex", nil, nil)
	assert.Equal(t, http.StatusAccepted, status)
}

func TestRepoListAndDetail(t *testing.T) {
	f := newServerFixture(t)
	f.seed(t, "alice/widgets", "a widget library")
	f.seed(t, "bob/gadgets", "a gadget library")

	var list struct {
		Count int `json:"count"`
		Repos []struct {
			NameWithOwner string `json:"name_with_owner"`
		} `json:"repos"`
	}
	status := getJSON(t, f.api.URL+"/api/repos/", &list)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, list.Count)

	var detail struct {
		Repository struct {
			NameWithOwner string `json:"name_with_owner"`
			Description   string `json:"description"`
		} `json:"repository"`
		Tags []string `json:"tags"`
	}
	status = getJSON(t, f.api.URL+"/api/repos/alice/widgets", &detail)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice/widgets", detail.Repository.NameWithOwner)
	assert.Equal(t, "a widget library", detail.Repository.Description)

	status = getJSON(t, f.api.URL+"/api/repos/ghost/repo", &struct{}{})
	assert.Equal(t, http.StatusNotFound, status)
}
