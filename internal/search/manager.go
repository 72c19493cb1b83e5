// Package search implements hybrid lexical plus semantic retrieval over the
// repository store.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/pdybowski/stargazer/internal/apperr"
	"github.com/pdybowski/stargazer/internal/db/sqlite"
	"github.com/pdybowski/stargazer/internal/vector/sqlitevec"
	"github.com/pdybowski/stargazer/pkg/models"
)

// MatchType records which retrieval leg produced a result.
type MatchType string

const (
	MatchFTS      MatchType = "fts"
	MatchSemantic MatchType = "semantic"
	MatchHybrid   MatchType = "hybrid"
)

// Result is one scored search hit.
type Result struct {
	Repository    *models.Repository `json:"repository"`
	FinalScore    float64            `json:"final_score"`
	FTSScore      float64            `json:"fts_score"`
	SemanticScore float64            `json:"semantic_score"`
	MatchType     MatchType          `json:"match_type"`
}

// Embedder is the query-embedding surface the manager needs.
type Embedder interface {
	Embed(ctx context.Context, text string) []float32
}

// Manager coordinates the two retrieval legs, fuses their scores, and
// caches recent queries.
type Manager struct {
	repos    *sqlite.RepoStore
	index    *sqlitevec.Client
	embedder Embedder

	ftsWeight      float64
	semanticWeight float64

	cacheMu  sync.RWMutex
	cache    map[string]cacheEntry
	cacheTTL time.Duration
	group    singleflight.Group

	metrics Metrics
	logger  zerolog.Logger
}

type cacheEntry struct {
	results  []Result
	expireAt time.Time
}

// Metrics counts cache behavior and degraded queries. Read via Snapshot.
type Metrics struct {
	mu          sync.Mutex
	Queries     int64 `json:"queries"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	Degraded    int64 `json:"degraded"`
	Errors      int64 `json:"errors"`
}

// MetricsSnapshot is the exported view of Metrics.
type MetricsSnapshot struct {
	Queries     int64 `json:"queries"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	Degraded    int64 `json:"degraded"`
	Errors      int64 `json:"errors"`
	CacheSize   int   `json:"cache_size"`
}

// ManagerConfig tunes scoring and caching.
type ManagerConfig struct {
	FTSWeight      float64
	SemanticWeight float64
	CacheTTL       time.Duration
}

// NewManager builds the search manager.
func NewManager(repos *sqlite.RepoStore, index *sqlitevec.Client, embedder Embedder,
	cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.FTSWeight <= 0 {
		cfg.FTSWeight = 0.3
	}
	if cfg.SemanticWeight <= 0 {
		cfg.SemanticWeight = 0.7
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}

	return &Manager{
		repos:          repos,
		index:          index,
		embedder:       embedder,
		ftsWeight:      cfg.FTSWeight,
		semanticWeight: cfg.SemanticWeight,
		cache:          make(map[string]cacheEntry),
		cacheTTL:       cfg.CacheTTL,
		logger:         logger.With().Str("component", "search").Logger(),
	}
}

// Search runs a hybrid query. When the embedder is unavailable the semantic
// leg is skipped and results come from the lexical leg alone; that
// degradation is never an error.
func (m *Manager) Search(ctx context.Context, query string, filters models.RepoFilters, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.New(apperr.KindInputInvalid, "query must not be empty").
			WithSuggestions("provide a non-empty q parameter")
	}
	if limit <= 0 {
		limit = 20
	}

	m.metrics.mu.Lock()
	m.metrics.Queries++
	m.metrics.mu.Unlock()

	key := cacheKey(query, filters, limit)
	if results, ok := m.cached(key); ok {
		m.metrics.mu.Lock()
		m.metrics.CacheHits++
		m.metrics.mu.Unlock()
		return results, nil
	}
	m.metrics.mu.Lock()
	m.metrics.CacheMisses++
	m.metrics.mu.Unlock()

	v, err, _ := m.group.Do(key, func() (any, error) {
		results, err := m.hybridSearch(ctx, query, filters, limit)
		if err != nil {
			return nil, err
		}
		m.store(key, results)
		return results, nil
	})
	if err != nil {
		m.metrics.mu.Lock()
		m.metrics.Errors++
		m.metrics.mu.Unlock()
		return nil, err
	}
	return v.([]Result), nil
}

func (m *Manager) hybridSearch(ctx context.Context, query string, filters models.RepoFilters, limit int) ([]Result, error) {
	type ftsLeg struct {
		hits []sqlite.ScoredRepository
		err  error
	}
	type semLeg struct {
		matches []sqlitevec.Match
	}

	ftsCh := make(chan ftsLeg, 1)
	semCh := make(chan semLeg, 1)

	// Both legs recall the same depth so deep pages keep drawing from the
	// semantic side instead of starving it behind a fixed cutoff.
	recallK := limit
	if recallK < 10 {
		recallK = 10
	}

	go func() {
		hits, err := m.repos.FullTextSearch(ctx, query, filters, recallK)
		ftsCh <- ftsLeg{hits: hits, err: err}
	}()

	go func() {
		vector := m.embedder.Embed(ctx, query)
		if len(vector) == 0 {
			m.metrics.mu.Lock()
			m.metrics.Degraded++
			m.metrics.mu.Unlock()
			semCh <- semLeg{}
			return
		}
		matches, err := m.index.Query(ctx, vector, recallK, 0, nil)
		if err != nil {
			m.logger.Warn().Err(err).Msg("semantic leg failed, degrading to lexical")
			m.metrics.mu.Lock()
			m.metrics.Degraded++
			m.metrics.mu.Unlock()
			semCh <- semLeg{}
			return
		}
		semCh <- semLeg{matches: matches}
	}()

	fts := <-ftsCh
	sem := <-semCh
	if fts.err != nil {
		return nil, fmt.Errorf("lexical search: %w", fts.err)
	}

	return m.fuse(ctx, fts.hits, sem.matches, filters, limit)
}

// fuse merges the two result sets into one ranked list.
func (m *Manager) fuse(ctx context.Context, ftsHits []sqlite.ScoredRepository,
	semMatches []sqlitevec.Match, filters models.RepoFilters, limit int) ([]Result, error) {

	byName := make(map[string]*Result)
	order := make([]string, 0, len(ftsHits)+len(semMatches))

	for _, hit := range ftsHits {
		name := hit.Repository.NameWithOwner
		byName[name] = &Result{
			Repository: hit.Repository,
			FTSScore:   sigmoid(hit.Score),
			MatchType:  MatchFTS,
		}
		order = append(order, name)
	}

	var missing []string
	for _, match := range semMatches {
		if r, ok := byName[match.ID]; ok {
			r.SemanticScore = match.Similarity
			r.MatchType = MatchHybrid
			continue
		}
		byName[match.ID] = &Result{
			SemanticScore: match.Similarity,
			MatchType:     MatchSemantic,
		}
		order = append(order, match.ID)
		missing = append(missing, match.ID)
	}

	// Semantic hits arrive as bare ids; hydrate them and drop any that no
	// longer pass the filters or have been soft-deleted since indexing.
	if len(missing) > 0 {
		repos, err := m.repos.GetByNames(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("hydrate semantic hits: %w", err)
		}
		now := time.Now()
		for _, repo := range repos {
			r := byName[repo.NameWithOwner]
			if repo.IsDeleted || !matchesFilters(repo, filters, now) {
				delete(byName, repo.NameWithOwner)
				continue
			}
			r.Repository = repo
		}
	}

	results := make([]Result, 0, len(order))
	for _, name := range order {
		r, ok := byName[name]
		if !ok || r.Repository == nil {
			continue
		}
		r.FinalScore = m.ftsWeight*r.FTSScore + m.semanticWeight*r.SemanticScore
		results = append(results, *r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].FinalScore != results[j].FinalScore {
			return results[i].FinalScore > results[j].FinalScore
		}
		if results[i].FTSScore != results[j].FTSScore {
			return results[i].FTSScore > results[j].FTSScore
		}
		return results[i].Repository.NameWithOwner < results[j].Repository.NameWithOwner
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// matchesFilters mirrors the SQL filter clause for results hydrated outside
// the lexical leg.
func matchesFilters(repo *models.Repository, f models.RepoFilters, now time.Time) bool {
	if len(f.Languages) > 0 {
		found := false
		for _, lang := range f.Languages {
			if repo.PrimaryLanguage.Valid && repo.PrimaryLanguage.String == lang {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinStars > 0 && repo.StargazerCount < f.MinStars {
		return false
	}
	if f.StarredAfter > 0 && repo.StarredAtEpoch <= f.StarredAfter {
		return false
	}
	if f.OwnerType != "" && repo.OwnerType != f.OwnerType {
		return false
	}
	if f.IsActive && !repo.IsActive(now) {
		return false
	}
	if f.IsNew && !repo.IsNew(now) {
		return false
	}
	if f.ExcludeArchived && repo.Archived {
		return false
	}
	return true
}

// sigmoid squashes a BM25-derived score into (0, 1).
func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// ClearCache drops every cached query. Sync calls this after each run so
// stale results never outlive a data change.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	m.cache = make(map[string]cacheEntry)
	m.cacheMu.Unlock()
}

// Snapshot returns current metric values.
func (m *Manager) Snapshot() MetricsSnapshot {
	m.metrics.mu.Lock()
	snap := MetricsSnapshot{
		Queries:     m.metrics.Queries,
		CacheHits:   m.metrics.CacheHits,
		CacheMisses: m.metrics.CacheMisses,
		Degraded:    m.metrics.Degraded,
		Errors:      m.metrics.Errors,
	}
	m.metrics.mu.Unlock()

	m.cacheMu.RLock()
	snap.CacheSize = len(m.cache)
	m.cacheMu.RUnlock()
	return snap
}

func (m *Manager) cached(key string) ([]Result, bool) {
	m.cacheMu.RLock()
	entry, ok := m.cache[key]
	m.cacheMu.RUnlock()
	if !ok || time.Now().After(entry.expireAt) {
		return nil, false
	}
	return entry.results, true
}

func (m *Manager) store(key string, results []Result) {
	m.cacheMu.Lock()
	m.cache[key] = cacheEntry{results: results, expireAt: time.Now().Add(m.cacheTTL)}
	m.cacheMu.Unlock()
}

func cacheKey(query string, f models.RepoFilters, limit int) string {
	return fmt.Sprintf("%s|%s|%d|%d|%s|%t|%t|%t|%d",
		query, strings.Join(f.Languages, ","), f.MinStars, f.StarredAfter,
		f.OwnerType, f.IsActive, f.IsNew, f.ExcludeArchived, limit)
}
