package server

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/pdybowski/stargazer/internal/apperr"
	"github.com/pdybowski/stargazer/internal/recommend"
	"github.com/pdybowski/stargazer/internal/search"
	syncengine "github.com/pdybowski/stargazer/internal/sync"
	"github.com/pdybowski/stargazer/pkg/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	live, err := s.repos.CountLive(r.Context())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindStoreUnavailable, "store unreachable", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"live_repos":       live,
		"embedder_enabled": s.embedder.Enabled(),
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type syncManualRequest struct {
	Kind      string `json:"kind"`
	Reanalyze bool   `json:"reanalyze"`
}

func (s *Server) handleSyncManual(w http.ResponseWriter, r *http.Request) {
	var req syncManualRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperr.Wrap(apperr.KindInputInvalid, "invalid request body", err))
			return
		}
	}
	// Query parameters override the body form.
	if r.URL.Query().Get("full_sync") == "true" {
		req.Kind = "full"
	}
	if r.URL.Query().Get("reanalyze") == "true" {
		req.Reanalyze = true
	}

	kind := models.SyncKindIncremental
	switch req.Kind {
	case "", "incremental":
	case "full":
		kind = models.SyncKindFull
	default:
		writeError(w, apperr.Newf(apperr.KindInputInvalid, "unknown sync kind %q", req.Kind).
			WithSuggestions(`use "full" or "incremental"`))
		return
	}
	if req.Reanalyze && kind != models.SyncKindFull {
		writeError(w, apperr.New(apperr.KindInputInvalid, "reanalyze requires a full sync"))
		return
	}

	if s.engine.Running() {
		writeError(w, apperr.New(apperr.KindConflict, "a sync is already running").
			WithSuggestions("wait for the current sync to finish, then retry"))
		return
	}

	go func() {
		if _, err := s.engine.Run(context.Background(),
			syncengine.Options{Kind: kind, Reanalyze: req.Reanalyze}); err != nil {
			s.logger.Error().Err(err).Str("kind", string(kind)).Msg("manual sync failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "started",
		"kind":   string(kind),
	})
}

func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	runs, err := s.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(runs),
		"runs":  runs,
	})
}

func (s *Server) handleReanalyze(w http.ResponseWriter, r *http.Request) {
	nameWithOwner := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")

	repo, err := s.repos.GetByName(r.Context(), nameWithOwner)
	if err != nil {
		writeError(w, err)
		return
	}
	if repo == nil || repo.IsDeleted {
		writeError(w, apperr.Newf(apperr.KindNotFound, "repository %s is not in the live set", nameWithOwner))
		return
	}

	if err := s.repos.MarkPendingReanalyze(r.Context(), nameWithOwner); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":          "queued",
		"name_with_owner": nameWithOwner,
	})
}

type searchResultView struct {
	Repository    repoView         `json:"repository"`
	FinalScore    float64          `json:"final_score"`
	FTSScore      float64          `json:"fts_score"`
	SemanticScore float64          `json:"semantic_score"`
	MatchType     search.MatchType `json:"match_type"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	filters := parseFilters(r)

	// Offset pagination slices a larger deterministic result set.
	results, err := s.searcher.Search(r.Context(), query, filters, limit+offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if offset > 0 {
		if offset >= len(results) {
			results = nil
		} else {
			results = results[offset:]
		}
	}

	views := make([]searchResultView, len(results))
	for i, res := range results {
		views[i] = searchResultView{
			Repository:    toRepoView(res.Repository),
			FinalScore:    res.FinalScore,
			FTSScore:      res.FTSScore,
			SemanticScore: res.SemanticScore,
			MatchType:     res.MatchType,
		}
	}
	resp := map[string]any{
		"query":   query,
		"count":   len(views),
		"results": views,
	}

	// Recommendations for the strongest hit, on request.
	if r.URL.Query().Get("include_related") == "true" && len(results) > 0 {
		top := results[0].Repository.NameWithOwner
		recs, err := s.recommender.Recommend(r.Context(), top, 5, recommend.Options{})
		if err != nil {
			s.logger.Warn().Err(err).Str("repo", top).Msg("related lookup failed")
		} else {
			related := make([]recommendationView, len(recs))
			for i, rec := range recs {
				related[i] = recommendationView{
					Repository:    toRepoView(rec.Repository),
					FinalScore:    rec.FinalScore,
					GraphScore:    rec.GraphScore,
					SemanticScore: rec.SemanticScore,
					Reasons:       rec.Reasons,
				}
			}
			resp["related"] = related
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.searcher.Snapshot())
}

type recommendationView struct {
	Repository    repoView `json:"repository"`
	FinalScore    float64  `json:"final_score"`
	GraphScore    float64  `json:"graph_score"`
	SemanticScore float64  `json:"semantic_score"`
	Reasons       []string `json:"reasons,omitempty"`
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	nameWithOwner := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
	limit := queryInt(r, "limit", 10)

	opts := recommend.Options{
		SkipSemantic: r.URL.Query().Get("include_semantic") == "false",
	}
	if csv := r.URL.Query().Get("exclude_repos"); csv != "" {
		for _, name := range strings.Split(csv, ",") {
			if name = strings.TrimSpace(name); name != "" {
				opts.Exclude = append(opts.Exclude, name)
			}
		}
	}

	recs, err := s.recommender.Recommend(r.Context(), nameWithOwner, limit, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]recommendationView, len(recs))
	for i, rec := range recs {
		views[i] = recommendationView{
			Repository:    toRepoView(rec.Repository),
			FinalScore:    rec.FinalScore,
			GraphScore:    rec.GraphScore,
			SemanticScore: rec.SemanticScore,
			Reasons:       rec.Reasons,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name_with_owner": nameWithOwner,
		"count":           len(views),
		"recommendations": views,
	})
}

func (s *Server) handleGraphRebuild(w http.ResponseWriter, r *http.Request) {
	structural, err := s.graph.RebuildStructural(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	semantic, err := s.graph.RebuildSemantic(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"structural_edges": structural,
		"semantic_edges":   semantic,
	})
}

func (s *Server) handleSemanticRebuild(w http.ResponseWriter, r *http.Request) {
	if !s.semanticRebuild.CompareAndSwap(false, true) {
		writeError(w, apperr.New(apperr.KindConflict, "a semantic rebuild is already running"))
		return
	}

	topK := queryInt(r, "top_k", 0)
	minSim := queryFloat(r, "min_similarity", 0)

	go func() {
		defer s.semanticRebuild.Store(false)
		started := time.Now()
		edges, err := s.graph.RebuildSemanticTuned(context.Background(), topK, minSim)
		if err != nil {
			s.logger.Error().Err(err).Msg("semantic rebuild failed")
			return
		}
		s.logger.Info().Int("edges", edges).
			Dur("elapsed", time.Since(started)).Msg("semantic rebuild finished")
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started"})
}

func (s *Server) handleNodeEdges(w http.ResponseWriter, r *http.Request) {
	nameWithOwner := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
	limit := queryInt(r, "limit", 0)

	wanted := map[models.EdgeKind]bool{}
	if csv := r.URL.Query().Get("edge_types"); csv != "" {
		for _, k := range strings.Split(csv, ",") {
			if k = strings.TrimSpace(k); k != "" {
				wanted[models.EdgeKind(k)] = true
			}
		}
	}

	repo, err := s.repos.GetByName(r.Context(), nameWithOwner)
	if err != nil {
		writeError(w, err)
		return
	}
	if repo == nil {
		writeError(w, apperr.Newf(apperr.KindNotFound, "repository %s not found", nameWithOwner))
		return
	}

	edges, err := s.edges.EdgesFor(r.Context(), nameWithOwner, "")
	if err != nil {
		writeError(w, err)
		return
	}
	if len(wanted) > 0 {
		filtered := edges[:0]
		for _, e := range edges {
			if wanted[e.Kind] {
				filtered = append(filtered, e)
			}
		}
		edges = filtered
	}
	if limit > 0 && len(edges) > limit {
		edges = edges[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name_with_owner": nameWithOwner,
		"count":           len(edges),
		"edges":           edges,
	})
}

type relatedView struct {
	Repository repoView `json:"repository"`
	Kind       string   `json:"kind"`
	Weight     float64  `json:"weight"`
}

// handleNodeRelated returns the direct graph neighbors enriched with their
// repository records, strongest edge first. Unlike recommendations there is
// no vector fusion and no diversity cap.
func (s *Server) handleNodeRelated(w http.ResponseWriter, r *http.Request) {
	nameWithOwner := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")

	repo, err := s.repos.GetByName(r.Context(), nameWithOwner)
	if err != nil {
		writeError(w, err)
		return
	}
	if repo == nil {
		writeError(w, apperr.Newf(apperr.KindNotFound, "repository %s not found", nameWithOwner))
		return
	}

	edges, err := s.edges.EdgesFor(r.Context(), nameWithOwner, "")
	if err != nil {
		writeError(w, err)
		return
	}

	// Strongest edge per neighbor wins.
	strongest := make(map[string]models.GraphEdge)
	for _, e := range edges {
		other := e.Target
		if other == nameWithOwner {
			other = e.Source
		}
		if cur, ok := strongest[other]; !ok || e.Weight > cur.Weight {
			strongest[other] = e
		}
	}

	names := make([]string, 0, len(strongest))
	for name := range strongest {
		names = append(names, name)
	}
	neighbors, err := s.repos.GetByNames(r.Context(), names)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]relatedView, 0, len(neighbors))
	for _, n := range neighbors {
		if n.IsDeleted {
			continue
		}
		e := strongest[n.NameWithOwner]
		views = append(views, relatedView{
			Repository: toRepoView(n),
			Kind:       string(e.Kind),
			Weight:     e.Weight,
		})
	}
	sortRelated(views)
	if limit := queryInt(r, "limit", 0); limit > 0 && len(views) > limit {
		views = views[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name_with_owner": nameWithOwner,
		"count":           len(views),
		"related":         views,
	})
}

func (s *Server) handleVectorStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.index.Count(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	stale, err := s.index.CountStale(r.Context(), s.indexer.ModelVersion())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vector_count":     count,
		"stale_vectors":    stale,
		"model_version":    s.indexer.ModelVersion(),
		"dim":              s.index.Dim(),
		"embedder_enabled": s.embedder.Enabled(),
		"reindexing":       s.reindexing.Load(),
	})
}

func (s *Server) handleVectorReindex(w http.ResponseWriter, r *http.Request) {
	if !s.reindexing.CompareAndSwap(false, true) {
		writeError(w, apperr.New(apperr.KindConflict, "a reindex is already running"))
		return
	}

	go func() {
		defer s.reindexing.Store(false)
		ctx := context.Background()
		started := time.Now()

		repos, err := s.repos.ListAllLive(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("reindex: load repositories failed")
			return
		}
		if err := s.index.Clear(ctx); err != nil {
			s.logger.Error().Err(err).Msg("reindex: clear index failed")
			return
		}
		written, err := s.indexer.IndexBatch(ctx, repos)
		if err != nil {
			s.logger.Error().Err(err).Msg("reindex failed")
			return
		}
		s.logger.Info().Int("repos", len(repos)).Int("vectors", written).
			Dur("elapsed", time.Since(started)).Msg("reindex finished")
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started"})
}

func (s *Server) handleRepoList(w http.ResponseWriter, r *http.Request) {
	filters := parseFilters(r)
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	var (
		repos []*models.Repository
		err   error
	)
	if r.URL.Query().Get("deleted") == "true" {
		repos, err = s.repos.ListDeleted(r.Context())
	} else {
		repos, err = s.repos.ListLive(r.Context(), filters, limit, offset)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(repos),
		"repos": toRepoViews(repos),
	})
}

func (s *Server) handleRepoDetail(w http.ResponseWriter, r *http.Request) {
	nameWithOwner := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")

	repo, err := s.repos.GetByName(r.Context(), nameWithOwner)
	if err != nil {
		writeError(w, err)
		return
	}
	if repo == nil {
		writeError(w, apperr.Newf(apperr.KindNotFound, "repository %s not found", nameWithOwner))
		return
	}

	tags, err := s.annotations.TagsFor(r.Context(), nameWithOwner)
	if err != nil {
		writeError(w, err)
		return
	}
	collections, err := s.annotations.CollectionsFor(r.Context(), nameWithOwner)
	if err != nil {
		writeError(w, err)
		return
	}
	note, err := s.annotations.NoteFor(r.Context(), nameWithOwner)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"repository":  toRepoView(repo),
		"tags":        tags,
		"collections": collections,
	}
	if note != nil {
		resp["note"] = map[string]any{
			"body":             note.Body.String,
			"rating":           note.Rating,
			"updated_at_epoch": note.UpdatedAtEpoch,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func sortRelated(views []relatedView) {
	sort.Slice(views, func(i, j int) bool {
		if views[i].Weight != views[j].Weight {
			return views[i].Weight > views[j].Weight
		}
		return views[i].Repository.NameWithOwner < views[j].Repository.NameWithOwner
	})
}

// parseFilters extracts the shared filter set from query parameters.
func parseFilters(r *http.Request) models.RepoFilters {
	q := r.URL.Query()
	f := models.RepoFilters{
		MinStars:        queryInt(r, "min_stars", 0),
		StarredAfter:    queryInt64(r, "starred_after", 0),
		OwnerType:       models.OwnerType(q.Get("owner_type")),
		IsActive:        q.Get("is_active") == "true",
		IsNew:           q.Get("is_new") == "true",
		ExcludeArchived: q.Get("exclude_archived") == "true",
	}
	if langs := q.Get("languages"); langs != "" {
		for _, l := range strings.Split(langs, ",") {
			if l = strings.TrimSpace(l); l != "" {
				f.Languages = append(f.Languages, l)
			}
		}
	}
	return f
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func queryFloat(r *http.Request, key string, fallback float64) float64 {
	if v := r.URL.Query().Get(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func queryInt64(r *http.Request, key string, fallback int64) int64 {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
