package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pdybowski/stargazer/pkg/models"
)

// repositoryColumns is the standard list of columns to select for
// repositories. Keep in lockstep with scanRepository.
const repositoryColumns = `id, name_with_owner, owner, name, owner_type,
       description, readme_summary, primary_language, topics, homepage_url,
       license, visibility, archived, stargazer_count, fork_count,
       created_at_epoch, pushed_at_epoch, starred_at_epoch, last_synced_epoch,
       last_analyzed_at_epoch, edges_computed_at_epoch, pending_reanalyze,
       summary, categories, features, use_cases, is_deleted`

// ScoredRepository pairs a repository with a lexical relevance score.
// Score is the negated bm25 rank, so higher is more relevant.
type ScoredRepository struct {
	Repository *models.Repository
	Score      float64
}

// RepoStore provides repository-related database operations.
type RepoStore struct {
	store *Store
}

// NewRepoStore creates a new repository store.
func NewRepoStore(store *Store) *RepoStore {
	return &RepoStore{store: store}
}

// UpsertFromRemote inserts a newly observed repository or overwrites the
// upstream-derived columns of an existing one. AI-derived columns and the
// readme summary are left untouched; a soft-deleted row that reappears
// upstream comes back live.
func (s *RepoStore) UpsertFromRemote(ctx context.Context, r *models.RemoteRepo, syncedAt int64) error {
	const query = `
		INSERT INTO repositories
		(name_with_owner, owner, name, owner_type, description, primary_language,
		 topics, homepage_url, license, visibility, archived, stargazer_count,
		 fork_count, created_at_epoch, pushed_at_epoch, starred_at_epoch, last_synced_epoch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name_with_owner) DO UPDATE SET
			owner_type = excluded.owner_type,
			description = excluded.description,
			primary_language = excluded.primary_language,
			topics = excluded.topics,
			homepage_url = excluded.homepage_url,
			license = excluded.license,
			visibility = excluded.visibility,
			archived = excluded.archived,
			stargazer_count = excluded.stargazer_count,
			fork_count = excluded.fork_count,
			created_at_epoch = excluded.created_at_epoch,
			pushed_at_epoch = excluded.pushed_at_epoch,
			starred_at_epoch = excluded.starred_at_epoch,
			last_synced_epoch = excluded.last_synced_epoch,
			is_deleted = 0
	`

	_, err := s.store.ExecContext(ctx, query,
		r.NameWithOwner, r.Owner, r.Name, string(r.OwnerType),
		nullString(r.Description), nullString(r.PrimaryLanguage),
		marshalStrings(r.Topics), nullString(r.HomepageURL), nullString(r.License),
		r.Visibility, boolInt(r.Archived), r.StargazerCount, r.ForkCount,
		r.CreatedAtEpoch, r.PushedAtEpoch, r.StarredAtEpoch, syncedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert repository %s: %w", r.NameWithOwner, err)
	}
	return nil
}

// lightUpdateColumns is the whitelist of columns a light update may touch.
var lightUpdateColumns = map[string]bool{
	"description":      true,
	"primary_language": true,
	"stargazer_count":  true,
	"fork_count":       true,
	"archived":         true,
	"visibility":       true,
	"owner_type":       true,
	"starred_at_epoch": true,
}

// UpdateFields overwrites the given whitelisted columns and bumps
// last_synced_epoch, leaving everything else intact.
func (s *RepoStore) UpdateFields(ctx context.Context, nameWithOwner string, fields map[string]any, syncedAt int64) error {
	if len(fields) == 0 {
		return s.UpdateLastSynced(ctx, []string{nameWithOwner}, syncedAt)
	}

	setClauses := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for col, val := range fields {
		if !lightUpdateColumns[col] {
			return fmt.Errorf("column %q is not a light-update column", col)
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, val)
	}
	setClauses = append(setClauses, "last_synced_epoch = ?")
	args = append(args, syncedAt, nameWithOwner)

	// #nosec G201 -- column names come from the whitelist above.
	query := fmt.Sprintf("UPDATE repositories SET %s WHERE name_with_owner = ?",
		strings.Join(setClauses, ", "))

	_, err := s.store.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update repository %s: %w", nameWithOwner, err)
	}
	return nil
}

// UpdateLastSynced bumps last_synced_epoch for the given repositories.
func (s *RepoStore) UpdateLastSynced(ctx context.Context, names []string, syncedAt int64) error {
	if len(names) == 0 {
		return nil
	}
	args := make([]any, 0, len(names)+1)
	args = append(args, syncedAt)
	for _, n := range names {
		args = append(args, n)
	}
	// #nosec G201 -- placeholders only.
	query := fmt.Sprintf("UPDATE repositories SET last_synced_epoch = ? WHERE name_with_owner IN (%s)",
		repeatPlaceholders(len(names)))
	_, err := s.store.DB().ExecContext(ctx, query, args...)
	return err
}

// SoftDelete marks a repository deleted. Annotations are untouched.
func (s *RepoStore) SoftDelete(ctx context.Context, nameWithOwner string) error {
	_, err := s.store.ExecContext(ctx,
		"UPDATE repositories SET is_deleted = 1 WHERE name_with_owner = ?", nameWithOwner)
	if err != nil {
		return fmt.Errorf("soft delete %s: %w", nameWithOwner, err)
	}
	return nil
}

// Restore brings a soft-deleted repository back to the live set.
func (s *RepoStore) Restore(ctx context.Context, nameWithOwner string) error {
	_, err := s.store.ExecContext(ctx,
		"UPDATE repositories SET is_deleted = 0 WHERE name_with_owner = ?", nameWithOwner)
	if err != nil {
		return fmt.Errorf("restore %s: %w", nameWithOwner, err)
	}
	return nil
}

// GetByName returns one repository (live or deleted) or nil when absent.
func (s *RepoStore) GetByName(ctx context.Context, nameWithOwner string) (*models.Repository, error) {
	row := s.store.QueryRowContext(ctx,
		"SELECT "+repositoryColumns+" FROM repositories WHERE name_with_owner = ?", nameWithOwner)

	repo, err := scanRepositoryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return repo, err
}

// ListLive returns live repositories matching the filters, ordered by
// starred_at descending.
func (s *RepoStore) ListLive(ctx context.Context, filters models.RepoFilters, limit, offset int) ([]*models.Repository, error) {
	filters.IsDeleted = false
	where, args := buildFilterClause(filters, time.Now())
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, offset)

	// #nosec G201 -- where clause is assembled from fixed fragments.
	query := fmt.Sprintf(`SELECT %s FROM repositories WHERE %s
		ORDER BY starred_at_epoch DESC LIMIT ? OFFSET ?`, repositoryColumns, where)

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list live repositories: %w", err)
	}
	defer rows.Close()
	return scanRepositories(rows)
}

// ListAllLive returns every live repository. Used by sync reconciliation and
// graph rebuilds.
func (s *RepoStore) ListAllLive(ctx context.Context) ([]*models.Repository, error) {
	rows, err := s.store.QueryContext(ctx,
		"SELECT "+repositoryColumns+" FROM repositories WHERE is_deleted = 0")
	if err != nil {
		return nil, fmt.Errorf("list all live repositories: %w", err)
	}
	defer rows.Close()
	return scanRepositories(rows)
}

// ListDeleted returns soft-deleted repositories, most recently starred first.
func (s *RepoStore) ListDeleted(ctx context.Context) ([]*models.Repository, error) {
	rows, err := s.store.QueryContext(ctx,
		"SELECT "+repositoryColumns+" FROM repositories WHERE is_deleted = 1 ORDER BY starred_at_epoch DESC")
	if err != nil {
		return nil, fmt.Errorf("list deleted repositories: %w", err)
	}
	defer rows.Close()
	return scanRepositories(rows)
}

// GetByNames fetches repositories by their name_with_owner keys, preserving
// no particular order.
func (s *RepoStore) GetByNames(ctx context.Context, names []string) ([]*models.Repository, error) {
	if len(names) == 0 {
		return nil, nil
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	// #nosec G201 -- placeholders only.
	query := fmt.Sprintf("SELECT %s FROM repositories WHERE name_with_owner IN (%s)",
		repositoryColumns, repeatPlaceholders(len(names)))

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get repositories by names: %w", err)
	}
	defer rows.Close()
	return scanRepositories(rows)
}

// FullTextSearch runs a BM25-ranked lexical search over live repositories.
// Results are ordered by relevance, then starred_at. An empty result is not
// an error.
func (s *RepoStore) FullTextSearch(ctx context.Context, query string, filters models.RepoFilters, limit int) ([]ScoredRepository, error) {
	match := buildMatchExpression(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	filters.IsDeleted = false
	where, args := buildFilterClause(filters, time.Now())

	// bm25() is negative-better; negate so callers see higher-is-better.
	// Column weights favor the repository name and owner key over body text.
	// #nosec G201 -- where clause is assembled from fixed fragments.
	sqlQuery := fmt.Sprintf(`
		SELECT %s, -bm25(repositories_fts, 5.0, 4.0, 2.0, 2.0, 1.0) AS score
		FROM repositories_fts
		JOIN repositories ON repositories.id = repositories_fts.rowid
		WHERE repositories_fts MATCH ? AND %s
		ORDER BY score DESC, repositories.starred_at_epoch DESC
		LIMIT ?`,
		prefixColumns("repositories.", repositoryColumns), where)

	allArgs := make([]any, 0, len(args)+2)
	allArgs = append(allArgs, match)
	allArgs = append(allArgs, args...)
	allArgs = append(allArgs, limit)

	rows, err := s.store.DB().QueryContext(ctx, sqlQuery, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("full text search: %w", err)
	}
	defer rows.Close()

	var results []ScoredRepository
	for rows.Next() {
		repo, score, err := scanScoredRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		results = append(results, ScoredRepository{Repository: repo, Score: score})
	}
	return results, rows.Err()
}

// CountLive returns the number of live repositories.
func (s *RepoStore) CountLive(ctx context.Context) (int, error) {
	var count int
	err := s.store.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM repositories WHERE is_deleted = 0").Scan(&count)
	return count, err
}

// CountFTS returns the row count of the full-text index. At rest this equals
// CountLive.
func (s *RepoStore) CountFTS(ctx context.Context) (int, error) {
	var count int
	err := s.store.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM repositories_fts").Scan(&count)
	return count, err
}

// CountPendingUpdate returns how many live repositories were last synced
// before the given epoch.
func (s *RepoStore) CountPendingUpdate(ctx context.Context, since int64) (int, error) {
	var count int
	err := s.store.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM repositories WHERE is_deleted = 0 AND last_synced_epoch < ?", since).Scan(&count)
	return count, err
}

// MinLastSynced returns the oldest last_synced_epoch among live
// repositories, or 0 when the store is empty.
func (s *RepoStore) MinLastSynced(ctx context.Context) (int64, error) {
	var min sql.NullInt64
	err := s.store.QueryRowContext(ctx,
		"SELECT MIN(last_synced_epoch) FROM repositories WHERE is_deleted = 0").Scan(&min)
	if err != nil {
		return 0, err
	}
	return min.Int64, nil
}

// SetReadmeSummary replaces the stored README summary.
func (s *RepoStore) SetReadmeSummary(ctx context.Context, nameWithOwner, summary string) error {
	_, err := s.store.ExecContext(ctx,
		"UPDATE repositories SET readme_summary = ? WHERE name_with_owner = ?",
		nullString(summary), nameWithOwner)
	return err
}

// SetAnalysis writes the AI-derived fields and advances last_analyzed_at.
func (s *RepoStore) SetAnalysis(ctx context.Context, nameWithOwner, summary string, categories []string, features, useCases string, analyzedAt int64) error {
	_, err := s.store.ExecContext(ctx, `
		UPDATE repositories
		SET summary = ?, categories = ?, features = ?, use_cases = ?,
		    last_analyzed_at_epoch = ?, pending_reanalyze = 0
		WHERE name_with_owner = ?`,
		nullString(summary), marshalStrings(categories), nullString(features),
		nullString(useCases), analyzedAt, nameWithOwner)
	return err
}

// MarkPendingReanalyze flags one repository for re-analysis.
func (s *RepoStore) MarkPendingReanalyze(ctx context.Context, nameWithOwner string) error {
	_, err := s.store.ExecContext(ctx,
		"UPDATE repositories SET pending_reanalyze = 1 WHERE name_with_owner = ?", nameWithOwner)
	return err
}

// MarkAllPendingReanalyze flags every live repository for re-analysis. Used
// by full-with-reanalysis sync.
func (s *RepoStore) MarkAllPendingReanalyze(ctx context.Context) error {
	_, err := s.store.ExecContext(ctx,
		"UPDATE repositories SET pending_reanalyze = 1 WHERE is_deleted = 0")
	return err
}

// SetEdgesComputedAt records when graph edges were last computed for the
// given repositories.
func (s *RepoStore) SetEdgesComputedAt(ctx context.Context, names []string, epoch int64) error {
	if len(names) == 0 {
		return nil
	}
	args := make([]any, 0, len(names)+1)
	args = append(args, epoch)
	for _, n := range names {
		args = append(args, n)
	}
	// #nosec G201 -- placeholders only.
	query := fmt.Sprintf("UPDATE repositories SET edges_computed_at_epoch = ? WHERE name_with_owner IN (%s)",
		repeatPlaceholders(len(names)))
	_, err := s.store.DB().ExecContext(ctx, query, args...)
	return err
}

// buildMatchExpression converts user input into an FTS5 MATCH expression.
// Each token is quoted so operators in user input stay literal; prefix
// matching requires an explicit trailing '*'.
func buildMatchExpression(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		prefix := strings.HasSuffix(f, "*")
		f = strings.TrimSuffix(f, "*")
		f = strings.ReplaceAll(f, `"`, `""`)
		if f == "" {
			continue
		}
		term := `"` + f + `"`
		if prefix {
			term += "*"
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, " ")
}

// buildFilterClause assembles the WHERE fragment for the common filter set.
// Always emits at least the is_deleted predicate.
func buildFilterClause(f models.RepoFilters, now time.Time) (string, []any) {
	clauses := []string{"repositories.is_deleted = ?"}
	args := []any{boolInt(f.IsDeleted)}

	if len(f.Languages) > 0 {
		placeholders := make([]string, len(f.Languages))
		for i, lang := range f.Languages {
			placeholders[i] = "?"
			args = append(args, lang)
		}
		clauses = append(clauses, "repositories.primary_language IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.MinStars > 0 {
		clauses = append(clauses, "repositories.stargazer_count >= ?")
		args = append(args, f.MinStars)
	}
	if f.StarredAfter > 0 {
		clauses = append(clauses, "repositories.starred_at_epoch > ?")
		args = append(args, f.StarredAfter)
	}
	if f.OwnerType != "" {
		clauses = append(clauses, "repositories.owner_type = ?")
		args = append(args, string(f.OwnerType))
	}
	if f.IsActive {
		clauses = append(clauses, "repositories.pushed_at_epoch >= ?")
		args = append(args, now.AddDate(0, 0, -7).UnixMilli())
	}
	if f.IsNew {
		clauses = append(clauses, "repositories.created_at_epoch >= ?")
		args = append(args, now.AddDate(0, -6, 0).UnixMilli())
	}
	if f.ExcludeArchived {
		clauses = append(clauses, "repositories.archived = 0")
	}

	return strings.Join(clauses, " AND "), args
}

// prefixColumns qualifies every column in a comma-separated list.
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepositoryInto(sc rowScanner, extra ...any) (*models.Repository, error) {
	var (
		r                models.Repository
		ownerType        string
		topics           string
		categories       string
		archived         int
		pendingReanalyze int
		isDeleted        int
	)

	dest := []any{
		&r.ID, &r.NameWithOwner, &r.Owner, &r.Name, &ownerType,
		&r.Description, &r.ReadmeSummary, &r.PrimaryLanguage, &topics, &r.HomepageURL,
		&r.License, &r.Visibility, &archived, &r.StargazerCount, &r.ForkCount,
		&r.CreatedAtEpoch, &r.PushedAtEpoch, &r.StarredAtEpoch, &r.LastSyncedEpoch,
		&r.LastAnalyzedAt, &r.EdgesComputedAt, &pendingReanalyze,
		&r.Summary, &categories, &r.Features, &r.UseCases, &isDeleted,
	}
	dest = append(dest, extra...)

	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}

	r.OwnerType = models.OwnerType(ownerType)
	r.Topics = unmarshalStrings(topics)
	r.Categories = unmarshalStrings(categories)
	r.Archived = archived != 0
	r.PendingReanalyze = pendingReanalyze != 0
	r.IsDeleted = isDeleted != 0
	return &r, nil
}

func scanRepositoryRow(row *sql.Row) (*models.Repository, error) {
	return scanRepositoryInto(row)
}

func scanRepositories(rows *sql.Rows) ([]*models.Repository, error) {
	var repos []*models.Repository
	for rows.Next() {
		repo, err := scanRepositoryInto(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func scanScoredRepository(rows *sql.Rows) (*models.Repository, float64, error) {
	var score float64
	repo, err := scanRepositoryInto(rows, &score)
	return repo, score, err
}
