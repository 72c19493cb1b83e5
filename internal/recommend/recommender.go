// Package recommend produces related-repository suggestions by fusing graph
// neighborhoods with vector similarity.
package recommend

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/pdybowski/stargazer/internal/apperr"
	"github.com/pdybowski/stargazer/internal/db/sqlite"
	"github.com/pdybowski/stargazer/internal/vector/sqlitevec"
	"github.com/pdybowski/stargazer/pkg/models"
)

const (
	defaultGraphWeight = 0.65

	// Graph recall scores sum edge contributions and normalize by this
	// divisor, saturating at 1.
	graphScoreDivisor = 2.0

	semanticRecallK = 20
	perOwnerCap     = 2
)

// kindWeights scales each edge kind's contribution to the graph score.
// Semantic edges are deliberately absent: vector similarity enters through
// its own recall leg.
var kindWeights = map[models.EdgeKind]float64{
	models.EdgeKindAuthor:     1.0,
	models.EdgeKindEcosystem:  0.5,
	models.EdgeKindCollection: 0.5,
}

// Recommendation is one suggested repository with its score breakdown.
type Recommendation struct {
	Repository    *models.Repository `json:"repository"`
	FinalScore    float64            `json:"final_score"`
	GraphScore    float64            `json:"graph_score"`
	SemanticScore float64            `json:"semantic_score"`
	Reasons       []string           `json:"reasons,omitempty"`
}

// Options narrows one recommendation request. The zero value keeps both
// recall legs and excludes nothing.
type Options struct {
	// SkipSemantic drops the vector recall leg, leaving graph-only results.
	SkipSemantic bool
	// Exclude removes the named repositories from the candidate set.
	Exclude []string
}

// Recommender fuses graph and vector recall for one source repository.
type Recommender struct {
	repos          *sqlite.RepoStore
	edges          *sqlite.EdgeStore
	index          *sqlitevec.Client
	graphWeight    float64
	semanticWeight float64
	logger         zerolog.Logger
}

// RecommenderConfig tunes the fusion stage. GraphWeight must be in [0, 1];
// the semantic leg gets the complement.
type RecommenderConfig struct {
	GraphWeight float64
}

// NewRecommender builds a recommender.
func NewRecommender(repos *sqlite.RepoStore, edges *sqlite.EdgeStore,
	index *sqlitevec.Client, cfg RecommenderConfig, logger zerolog.Logger) *Recommender {
	gw := cfg.GraphWeight
	if gw <= 0 || gw > 1 {
		gw = defaultGraphWeight
	}
	return &Recommender{
		repos:          repos,
		edges:          edges,
		index:          index,
		graphWeight:    gw,
		semanticWeight: 1 - gw,
		logger:         logger.With().Str("component", "recommend").Logger(),
	}
}

// Recommend returns up to limit related repositories for the given source,
// strongest first, with at most two per owner. An unknown or deleted source
// is a not-found error.
func (r *Recommender) Recommend(ctx context.Context, nameWithOwner string, limit int, opts Options) ([]Recommendation, error) {
	if limit <= 0 {
		limit = 10
	}

	source, err := r.repos.GetByName(ctx, nameWithOwner)
	if err != nil {
		return nil, fmt.Errorf("load source repository: %w", err)
	}
	if source == nil || source.IsDeleted {
		return nil, apperr.Newf(apperr.KindNotFound, "repository %s is not in the live set", nameWithOwner)
	}

	graphScores, reasons, err := r.graphRecall(ctx, nameWithOwner)
	if err != nil {
		return nil, err
	}

	var semanticScores map[string]float64
	if !opts.SkipSemantic {
		semanticScores, err = r.semanticRecall(ctx, nameWithOwner)
		if err != nil {
			// Vector trouble degrades to graph-only recommendations.
			r.logger.Warn().Err(err).Str("repo", nameWithOwner).
				Msg("semantic recall failed, using graph only")
			semanticScores = nil
		}
	}

	candidates := make(map[string]*Recommendation)
	for name, score := range graphScores {
		candidates[name] = &Recommendation{
			GraphScore: score,
			Reasons:    reasons[name],
		}
	}
	for name, sim := range semanticScores {
		if c, ok := candidates[name]; ok {
			c.SemanticScore = sim
			continue
		}
		candidates[name] = &Recommendation{SemanticScore: sim}
	}
	delete(candidates, nameWithOwner)
	for _, name := range opts.Exclude {
		delete(candidates, name)
	}
	if len(candidates) == 0 {
		return []Recommendation{}, nil
	}

	names := make([]string, 0, len(candidates))
	for name := range candidates {
		names = append(names, name)
	}
	repos, err := r.repos.GetByNames(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("hydrate candidates: %w", err)
	}

	ranked := make([]Recommendation, 0, len(repos))
	for _, repo := range repos {
		if repo.IsDeleted {
			continue
		}
		c := candidates[repo.NameWithOwner]
		c.Repository = repo
		c.FinalScore = r.graphWeight*c.GraphScore + r.semanticWeight*c.SemanticScore
		ranked = append(ranked, *c)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].FinalScore != ranked[j].FinalScore {
			return ranked[i].FinalScore > ranked[j].FinalScore
		}
		return ranked[i].Repository.NameWithOwner < ranked[j].Repository.NameWithOwner
	})

	return diversify(ranked, limit), nil
}

// graphRecall scores every direct neighbor by its weighted edge sum.
func (r *Recommender) graphRecall(ctx context.Context, nameWithOwner string) (map[string]float64, map[string][]string, error) {
	edges, err := r.edges.EdgesFor(ctx, nameWithOwner, "")
	if err != nil {
		return nil, nil, fmt.Errorf("load edges: %w", err)
	}

	scores := make(map[string]float64)
	reasons := make(map[string][]string)
	for _, e := range edges {
		kw, ok := kindWeights[e.Kind]
		if !ok {
			continue
		}
		other := e.Target
		if other == nameWithOwner {
			other = e.Source
		}
		scores[other] += e.Weight * kw
		reasons[other] = append(reasons[other], string(e.Kind))
	}

	for name, sum := range scores {
		score := sum / graphScoreDivisor
		if score > 1 {
			score = 1
		}
		scores[name] = score
	}
	return scores, reasons, nil
}

// semanticRecall returns vector neighbors of the source, keyed by name.
func (r *Recommender) semanticRecall(ctx context.Context, nameWithOwner string) (map[string]float64, error) {
	vector, err := r.index.Get(ctx, nameWithOwner)
	if err != nil {
		return nil, err
	}
	if vector == nil {
		return nil, nil
	}

	matches, err := r.index.Query(ctx, vector, semanticRecallK, 0,
		map[string]bool{nameWithOwner: true})
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(matches))
	for _, m := range matches {
		scores[m.ID] = m.Similarity
	}
	return scores, nil
}

// diversify applies the per-owner cap while preserving rank order.
func diversify(ranked []Recommendation, limit int) []Recommendation {
	perOwner := make(map[string]int)
	out := make([]Recommendation, 0, limit)
	for _, rec := range ranked {
		if perOwner[rec.Repository.Owner] >= perOwnerCap {
			continue
		}
		perOwner[rec.Repository.Owner]++
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out
}
