package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pdybowski/stargazer/internal/db/sqlite"
	"github.com/pdybowski/stargazer/internal/vector/sqlitevec"
	"github.com/pdybowski/stargazer/pkg/models"
)

// Service rebuilds and maintains the repository relationship graph.
type Service struct {
	repos         *sqlite.RepoStore
	edges         *sqlite.EdgeStore
	annotations   *sqlite.AnnotationStore
	index         *sqlitevec.Client
	semanticTopK  int
	minSimilarity float64
	logger        zerolog.Logger
}

// ServiceConfig tunes semantic edge discovery.
type ServiceConfig struct {
	SemanticTopK  int
	MinSimilarity float64
}

// NewService builds the graph service.
func NewService(repos *sqlite.RepoStore, edges *sqlite.EdgeStore, annotations *sqlite.AnnotationStore,
	index *sqlitevec.Client, cfg ServiceConfig, logger zerolog.Logger) *Service {
	topK := cfg.SemanticTopK
	if topK <= 0 {
		topK = 10
	}
	minSim := cfg.MinSimilarity
	if minSim <= 0 {
		minSim = 0.6
	}
	return &Service{
		repos:         repos,
		edges:         edges,
		annotations:   annotations,
		index:         index,
		semanticTopK:  topK,
		minSimilarity: minSim,
		logger:        logger.With().Str("component", "graph").Logger(),
	}
}

// RebuildStructural recomputes author, ecosystem, and collection edges from
// the live set and swaps them in atomically. Semantic edges are untouched.
func (s *Service) RebuildStructural(ctx context.Context) (int, error) {
	repos, err := s.repos.ListAllLive(ctx)
	if err != nil {
		return 0, fmt.Errorf("load live repositories: %w", err)
	}

	live := make(map[string]bool, len(repos))
	names := make([]string, 0, len(repos))
	for _, r := range repos {
		live[r.NameWithOwner] = true
		names = append(names, r.NameWithOwner)
	}

	pairs, err := s.annotations.CollectionPairs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load collection pairs: %w", err)
	}

	edges := DetectAuthorEdges(repos)
	edges = append(edges, DetectEcosystemEdges(repos)...)
	edges = append(edges, DetectCollectionEdges(pairs, live)...)

	if err := s.edges.ReplaceStructural(ctx, edges); err != nil {
		return 0, fmt.Errorf("store structural edges: %w", err)
	}
	if err := s.repos.SetEdgesComputedAt(ctx, names, time.Now().UnixMilli()); err != nil {
		return 0, fmt.Errorf("stamp edges_computed_at: %w", err)
	}

	s.logger.Info().Int("repos", len(repos)).Int("edges", len(edges)).
		Msg("rebuilt structural edges")
	return len(edges), nil
}

// RebuildSemantic drops all semantic edges and rediscovers them from the
// vector index, one neighborhood query per live repository.
func (s *Service) RebuildSemantic(ctx context.Context) (int, error) {
	return s.RebuildSemanticTuned(ctx, s.semanticTopK, s.minSimilarity)
}

// RebuildSemanticTuned is RebuildSemantic with per-call discovery parameters.
// Non-positive values fall back to the configured defaults.
func (s *Service) RebuildSemanticTuned(ctx context.Context, topK int, minSimilarity float64) (int, error) {
	if topK <= 0 {
		topK = s.semanticTopK
	}
	if minSimilarity <= 0 {
		minSimilarity = s.minSimilarity
	}

	repos, err := s.repos.ListAllLive(ctx)
	if err != nil {
		return 0, fmt.Errorf("load live repositories: %w", err)
	}

	if err := s.edges.ClearSemantic(ctx); err != nil {
		return 0, fmt.Errorf("clear semantic edges: %w", err)
	}

	total := 0
	for _, r := range repos {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		edges, err := s.semanticEdgesFor(ctx, r.NameWithOwner, topK, minSimilarity)
		if err != nil {
			s.logger.Warn().Err(err).Str("repo", r.NameWithOwner).
				Msg("semantic edge discovery failed")
			continue
		}
		if len(edges) == 0 {
			continue
		}
		if err := s.edges.InsertBatch(ctx, edges); err != nil {
			return total, fmt.Errorf("store semantic edges for %s: %w", r.NameWithOwner, err)
		}
		total += len(edges)
	}

	s.logger.Info().Int("edges", total).Msg("rebuilt semantic edges")
	return total, nil
}

// RefreshSemanticFor rewrites the semantic neighborhood of one repository
// after its vector changed.
func (s *Service) RefreshSemanticFor(ctx context.Context, nameWithOwner string) error {
	edges, err := s.semanticEdgesFor(ctx, nameWithOwner, s.semanticTopK, s.minSimilarity)
	if err != nil {
		return err
	}
	return s.edges.ReplaceSemanticFor(ctx, nameWithOwner, edges)
}

func (s *Service) semanticEdgesFor(ctx context.Context, nameWithOwner string, topK int, minSimilarity float64) ([]models.GraphEdge, error) {
	vector, err := s.index.Get(ctx, nameWithOwner)
	if err != nil {
		return nil, fmt.Errorf("load vector for %s: %w", nameWithOwner, err)
	}
	if vector == nil {
		return nil, nil
	}

	matches, err := s.index.Query(ctx, vector, topK, minSimilarity,
		map[string]bool{nameWithOwner: true})
	if err != nil {
		return nil, fmt.Errorf("query neighbors of %s: %w", nameWithOwner, err)
	}

	edges := make([]models.GraphEdge, 0, len(matches))
	for _, m := range matches {
		// Canonical direction keeps (a, b) and (b, a) from coexisting.
		source, target := nameWithOwner, m.ID
		if target < source {
			source, target = target, source
		}
		edges = append(edges, models.GraphEdge{
			Source: source,
			Target: target,
			Kind:   models.EdgeKindSemantic,
			Weight: round2(m.Similarity),
		})
	}
	return edges, nil
}

// RemoveFor drops every edge touching a repository, typically after soft
// deletion.
func (s *Service) RemoveFor(ctx context.Context, nameWithOwner string) error {
	return s.edges.RemoveTouching(ctx, nameWithOwner)
}
