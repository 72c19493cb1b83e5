// Package server exposes the HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/pdybowski/stargazer/internal/db/sqlite"
	"github.com/pdybowski/stargazer/internal/embedding"
	"github.com/pdybowski/stargazer/internal/recommend"
	"github.com/pdybowski/stargazer/internal/search"
	syncengine "github.com/pdybowski/stargazer/internal/sync"
	"github.com/pdybowski/stargazer/internal/vector/sqlitevec"
	"github.com/pdybowski/stargazer/internal/vectorize"
)

// Server wires the HTTP routes to the domain services.
type Server struct {
	engine      *syncengine.Engine
	searcher    *search.Manager
	recommender *recommend.Recommender
	graph       GraphService
	repos       *sqlite.RepoStore
	history     *sqlite.HistoryStore
	edges       *sqlite.EdgeStore
	annotations *sqlite.AnnotationStore
	index       *sqlitevec.Client
	indexer     *vectorize.Indexer
	embedder    *embedding.Service

	httpServer      *http.Server
	reindexing      atomic.Bool
	semanticRebuild atomic.Bool
	logger          zerolog.Logger
}

// GraphService is the graph maintenance surface the handlers call.
type GraphService interface {
	RebuildStructural(ctx context.Context) (int, error)
	RebuildSemantic(ctx context.Context) (int, error)
	RebuildSemanticTuned(ctx context.Context, topK int, minSimilarity float64) (int, error)
}

// Deps collects everything the server needs.
type Deps struct {
	Engine      *syncengine.Engine
	Searcher    *search.Manager
	Recommender *recommend.Recommender
	Graph       GraphService
	Repos       *sqlite.RepoStore
	History     *sqlite.HistoryStore
	Edges       *sqlite.EdgeStore
	Annotations *sqlite.AnnotationStore
	Index       *sqlitevec.Client
	Indexer     *vectorize.Indexer
	Embedder    *embedding.Service
}

// New builds the server with its router but does not start listening.
func New(deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		engine:      deps.Engine,
		searcher:    deps.Searcher,
		recommender: deps.Recommender,
		graph:       deps.Graph,
		repos:       deps.Repos,
		history:     deps.History,
		edges:       deps.Edges,
		annotations: deps.Annotations,
		index:       deps.Index,
		indexer:     deps.Indexer,
		embedder:    deps.Embedder,
		logger:      logger.With().Str("component", "server").Logger(),
	}
}

// Router assembles the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(maxBodySize(1 << 20))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", s.handleSyncStatus)
			r.Post("/manual", s.handleSyncManual)
			r.Get("/history", s.handleSyncHistory)
			r.Post("/repo/{owner}/{name}/reanalyze", s.handleReanalyze)
		})

		r.Get("/search", s.handleSearch)
		r.Get("/search/metrics", s.handleSearchMetrics)

		r.Get("/recommendations/{owner}/{name}", s.handleRecommendations)

		r.Route("/graph", func(r chi.Router) {
			r.Post("/rebuild", s.handleGraphRebuild)
			r.Post("/semantic-edges/rebuild", s.handleSemanticRebuild)
			r.Get("/nodes/{owner}/{name}/edges", s.handleNodeEdges)
			r.Get("/nodes/{owner}/{name}/related", s.handleNodeRelated)
		})

		r.Route("/vector", func(r chi.Router) {
			r.Get("/status", s.handleVectorStatus)
			r.Post("/reindex", s.handleVectorReindex)
		})

		r.Route("/repos", func(r chi.Router) {
			r.Get("/", s.handleRepoList)
			r.Get("/{owner}/{name}", s.handleRepoDetail)
		})
	})

	return r
}

// Start begins serving on the given port and blocks until shutdown.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Int("port", port).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
