// Package vectorize builds embedding texts for repositories and keeps the
// vector index in step with the relational store.
package vectorize

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pdybowski/stargazer/internal/vector/sqlitevec"
	"github.com/pdybowski/stargazer/pkg/models"
)

// Embedder produces embedding vectors. Failures surface as empty vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) []float32
	EmbedBatch(ctx context.Context, texts []string) [][]float32
}

// Indexer maintains vector index entries for repositories.
type Indexer struct {
	embedder     Embedder
	index        *sqlitevec.Client
	modelVersion string
	logger       zerolog.Logger
}

// NewIndexer builds a vector indexer. modelVersion tags stored vectors so a
// model change can be detected and reindexed.
func NewIndexer(embedder Embedder, index *sqlitevec.Client, modelVersion string, logger zerolog.Logger) *Indexer {
	return &Indexer{
		embedder:     embedder,
		index:        index,
		modelVersion: modelVersion,
		logger:       logger.With().Str("component", "vectorize").Logger(),
	}
}

// ModelVersion returns the tag written on every stored vector.
func (x *Indexer) ModelVersion() string { return x.modelVersion }

// BuildText composes the canonical embedding text for one repository:
// "{name} - {description}" followed by the README summary when present.
func BuildText(repo *models.Repository) string {
	var b strings.Builder
	b.WriteString(repo.Name)
	if repo.Description.Valid && repo.Description.String != "" {
		b.WriteString(" - ")
		b.WriteString(repo.Description.String)
	}
	if repo.ReadmeSummary.Valid && repo.ReadmeSummary.String != "" {
		b.WriteString("\n\n")
		b.WriteString(repo.ReadmeSummary.String)
	}
	return strings.TrimSpace(b.String())
}

// IndexRepository embeds one repository and upserts its vector. Repositories
// whose text is too short to carry signal are skipped, as are those the
// embedder could not vectorize; neither case is an error.
func (x *Indexer) IndexRepository(ctx context.Context, repo *models.Repository) (bool, error) {
	text := BuildText(repo)
	if len([]rune(text)) < minIndexChars {
		x.logger.Debug().Str("repo", repo.NameWithOwner).Msg("text too short, skipping vector")
		return false, nil
	}

	vector := x.embedder.Embed(ctx, text)
	if len(vector) == 0 {
		x.logger.Warn().Str("repo", repo.NameWithOwner).Msg("embedding unavailable, skipping vector")
		return false, nil
	}

	err := x.index.Upsert(ctx, x.entryFor(repo, text, vector))
	if err != nil {
		return false, fmt.Errorf("index %s: %w", repo.NameWithOwner, err)
	}
	return true, nil
}

// IndexBatch embeds many repositories, skipping the unembeddable ones, and
// returns how many vectors were written.
func (x *Indexer) IndexBatch(ctx context.Context, repos []*models.Repository) (int, error) {
	var (
		texts      []string
		candidates []*models.Repository
	)
	for _, repo := range repos {
		text := BuildText(repo)
		if len([]rune(text)) < minIndexChars {
			continue
		}
		texts = append(texts, text)
		candidates = append(candidates, repo)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	vectors := x.embedder.EmbedBatch(ctx, texts)

	var entries []sqlitevec.Entry
	for i, repo := range candidates {
		if len(vectors[i]) == 0 {
			x.logger.Warn().Str("repo", repo.NameWithOwner).Msg("embedding unavailable, skipping vector")
			continue
		}
		entries = append(entries, x.entryFor(repo, texts[i], vectors[i]))
	}
	if len(entries) == 0 {
		return 0, nil
	}

	if err := x.index.UpsertBatch(ctx, entries); err != nil {
		return 0, fmt.Errorf("index batch: %w", err)
	}
	return len(entries), nil
}

// entryFor packs the vector with its source text and display metadata so
// index matches are meaningful without a relational lookup.
func (x *Indexer) entryFor(repo *models.Repository, text string, vector []float32) sqlitevec.Entry {
	return sqlitevec.Entry{
		ID:     repo.NameWithOwner,
		Vector: vector,
		Text:   text,
		Metadata: sqlitevec.Metadata{
			Owner:    repo.Owner,
			Language: repo.PrimaryLanguage.String,
			Stars:    repo.StargazerCount,
			Topics:   strings.Join(repo.Topics, ","),
		},
		ModelVersion: x.modelVersion,
	}
}

// Remove drops a repository's vector, typically after soft deletion.
func (x *Indexer) Remove(ctx context.Context, nameWithOwner string) error {
	return x.index.Delete(ctx, nameWithOwner)
}
