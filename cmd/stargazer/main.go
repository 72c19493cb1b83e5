// Package main provides the entry point for the stargazer service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pdybowski/stargazer/internal/config"
	"github.com/pdybowski/stargazer/internal/db/sqlite"
	"github.com/pdybowski/stargazer/internal/embedding"
	"github.com/pdybowski/stargazer/internal/github"
	"github.com/pdybowski/stargazer/internal/graph"
	"github.com/pdybowski/stargazer/internal/recommend"
	"github.com/pdybowski/stargazer/internal/scheduler"
	"github.com/pdybowski/stargazer/internal/search"
	"github.com/pdybowski/stargazer/internal/server"
	syncengine "github.com/pdybowski/stargazer/internal/sync"
	"github.com/pdybowski/stargazer/internal/vector/sqlitevec"
	"github.com/pdybowski/stargazer/internal/vectorize"
)

var Version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("Failed to create data directories")
	}

	log.Info().
		Str("version", Version).
		Int("port", cfg.Port).
		Str("store", cfg.StorePath).
		Bool("embedder", cfg.EmbedderURL != "").
		Msg("Starting stargazer")

	store, err := sqlite.NewStore(sqlite.StoreConfig{Path: cfg.StorePath})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	index, err := sqlitevec.Open(cfg.VectorDBPath(), cfg.EmbeddingDim)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open vector index")
	}
	defer index.Close()

	repos := sqlite.NewRepoStore(store)
	edges := sqlite.NewEdgeStore(store)
	annotations := sqlite.NewAnnotationStore(store)
	history := sqlite.NewHistoryStore(store)

	embedder := embedding.NewService(embedding.ServiceConfig{
		BaseURL:   cfg.EmbedderURL,
		Model:     cfg.EmbedderModel,
		Dim:       cfg.EmbeddingDim,
		BatchSize: cfg.EmbedBatchSize,
	}, log.Logger)
	indexer := vectorize.NewIndexer(embedder, index, cfg.EmbedderModel, log.Logger)

	graphSvc := graph.NewService(repos, edges, annotations, index, graph.ServiceConfig{
		SemanticTopK:  cfg.SemanticTopK,
		MinSimilarity: cfg.SemanticMinSimilarity,
	}, log.Logger)

	remote := github.NewClient(github.ClientConfig{Token: cfg.RemoteToken}, log.Logger)

	engine := syncengine.NewEngine(syncengine.EngineConfig{
		Remote:         remote,
		Repos:          repos,
		History:        history,
		Indexer:        indexer,
		Graph:          graphSvc,
		ReadmeCache:    github.NewReadmeCache(cfg.ReadmeCachePath()),
		ReadmeMaxChars: cfg.ReadmeMaxChars,
	}, log.Logger)

	searcher := search.NewManager(repos, index, embedder, search.ManagerConfig{
		FTSWeight:      cfg.FTSWeight,
		SemanticWeight: cfg.SemanticWeight,
	}, log.Logger)
	engine.OnComplete(searcher.ClearCache)

	recommender := recommend.NewRecommender(repos, edges, index, recommend.RecommenderConfig{
		GraphWeight: cfg.GraphWeight,
	}, log.Logger)

	sched := scheduler.New(engine, scheduler.Config{
		DailySpec:  cfg.SyncCronDaily,
		WeeklySpec: cfg.SyncCronWeekly,
	}, log.Logger)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	srv := server.New(server.Deps{
		Engine:      engine,
		Searcher:    searcher,
		Recommender: recommender,
		Graph:       graphSvc,
		Repos:       repos,
		History:     history,
		Edges:       edges,
		Annotations: annotations,
		Index:       index,
		Indexer:     indexer,
		Embedder:    embedder,
	}, log.Logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(cfg.Port)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
		return
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}
	sched.Stop()
	engine.Shutdown()

	log.Info().Msg("Stargazer shutdown complete")
}
