package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pdybowski/stargazer/pkg/models"
)

// AnnotationStore persists user-owned collections, tags, and notes. All
// membership rows key on name_with_owner so they outlive soft deletion of
// the repository itself.
type AnnotationStore struct {
	store *Store
}

// NewAnnotationStore creates a new annotation store.
func NewAnnotationStore(store *Store) *AnnotationStore {
	return &AnnotationStore{store: store}
}

// CreateCollection adds a named collection. Name collisions are an error.
func (s *AnnotationStore) CreateCollection(ctx context.Context, name string, position int) (*models.Collection, error) {
	now := time.Now().UnixMilli()
	res, err := s.store.ExecContext(ctx,
		"INSERT INTO collections (name, position, created_at_epoch) VALUES (?, ?, ?)",
		name, position, now)
	if err != nil {
		return nil, fmt.Errorf("create collection %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Collection{ID: id, Name: name, Position: position, CreatedAt: now}, nil
}

// DeleteCollection removes a collection and its memberships.
func (s *AnnotationStore) DeleteCollection(ctx context.Context, id int64) error {
	_, err := s.store.ExecContext(ctx, "DELETE FROM collections WHERE id = ?", id)
	return err
}

// ListCollections returns all collections in display order.
func (s *AnnotationStore) ListCollections(ctx context.Context) ([]*models.Collection, error) {
	rows, err := s.store.QueryContext(ctx,
		"SELECT id, name, position, created_at_epoch FROM collections ORDER BY position, name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []*models.Collection
	for rows.Next() {
		var c models.Collection
		if err := rows.Scan(&c.ID, &c.Name, &c.Position, &c.CreatedAt); err != nil {
			return nil, err
		}
		cols = append(cols, &c)
	}
	return cols, rows.Err()
}

// AddToCollection places a repository in a collection. Idempotent.
func (s *AnnotationStore) AddToCollection(ctx context.Context, collectionID int64, nameWithOwner string, position int) error {
	_, err := s.store.ExecContext(ctx, `
		INSERT INTO repo_collections (collection_id, name_with_owner, position)
		VALUES (?, ?, ?)
		ON CONFLICT(collection_id, name_with_owner) DO UPDATE SET position = excluded.position`,
		collectionID, nameWithOwner, position)
	return err
}

// RemoveFromCollection takes a repository out of a collection.
func (s *AnnotationStore) RemoveFromCollection(ctx context.Context, collectionID int64, nameWithOwner string) error {
	_, err := s.store.ExecContext(ctx,
		"DELETE FROM repo_collections WHERE collection_id = ? AND name_with_owner = ?",
		collectionID, nameWithOwner)
	return err
}

// CollectionMembers returns the repositories in one collection, in order.
func (s *AnnotationStore) CollectionMembers(ctx context.Context, collectionID int64) ([]string, error) {
	rows, err := s.store.QueryContext(ctx,
		"SELECT name_with_owner FROM repo_collections WHERE collection_id = ? ORDER BY position, name_with_owner",
		collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// CollectionsFor returns the names of the collections a repository belongs to.
func (s *AnnotationStore) CollectionsFor(ctx context.Context, nameWithOwner string) ([]string, error) {
	rows, err := s.store.QueryContext(ctx, `
		SELECT c.name
		FROM collections c
		JOIN repo_collections rc ON rc.collection_id = c.id
		WHERE rc.name_with_owner = ?
		ORDER BY c.position, c.name`,
		nameWithOwner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// CollectionPairs returns every pair of repositories sharing at least one
// collection, deduplicated, with source < target lexicographically. The edge
// detector turns these into collection edges.
func (s *AnnotationStore) CollectionPairs(ctx context.Context) ([][2]string, error) {
	rows, err := s.store.QueryContext(ctx, `
		SELECT DISTINCT a.name_with_owner, b.name_with_owner
		FROM repo_collections a
		JOIN repo_collections b
		  ON a.collection_id = b.collection_id
		 AND a.name_with_owner < b.name_with_owner`)
	if err != nil {
		return nil, fmt.Errorf("collection pairs: %w", err)
	}
	defer rows.Close()

	var pairs [][2]string
	for rows.Next() {
		var p [2]string
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// EnsureTag returns the tag id for a name, creating it if needed.
func (s *AnnotationStore) EnsureTag(ctx context.Context, name string) (int64, error) {
	_, err := s.store.ExecContext(ctx,
		"INSERT OR IGNORE INTO tags (name) VALUES (?)", name)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.store.QueryRowContext(ctx, "SELECT id FROM tags WHERE name = ?", name).Scan(&id)
	return id, err
}

// TagRepo attaches a tag to a repository. Idempotent.
func (s *AnnotationStore) TagRepo(ctx context.Context, tagID int64, nameWithOwner string) error {
	_, err := s.store.ExecContext(ctx,
		"INSERT OR IGNORE INTO repo_tags (tag_id, name_with_owner) VALUES (?, ?)",
		tagID, nameWithOwner)
	return err
}

// UntagRepo detaches a tag from a repository.
func (s *AnnotationStore) UntagRepo(ctx context.Context, tagID int64, nameWithOwner string) error {
	_, err := s.store.ExecContext(ctx,
		"DELETE FROM repo_tags WHERE tag_id = ? AND name_with_owner = ?",
		tagID, nameWithOwner)
	return err
}

// TagsFor returns the tag names attached to a repository.
func (s *AnnotationStore) TagsFor(ctx context.Context, nameWithOwner string) ([]string, error) {
	rows, err := s.store.QueryContext(ctx, `
		SELECT tags.name FROM tags
		JOIN repo_tags ON repo_tags.tag_id = tags.id
		WHERE repo_tags.name_with_owner = ?
		ORDER BY tags.name`, nameWithOwner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// SetNote creates or replaces the note for a repository.
func (s *AnnotationStore) SetNote(ctx context.Context, nameWithOwner, body string, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating out of range: %d", rating)
	}
	_, err := s.store.ExecContext(ctx, `
		INSERT INTO repo_notes (name_with_owner, body, rating, updated_at_epoch)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name_with_owner) DO UPDATE SET
			body = excluded.body,
			rating = excluded.rating,
			updated_at_epoch = excluded.updated_at_epoch`,
		nameWithOwner, nullString(body), rating, time.Now().UnixMilli())
	return err
}

// NoteFor returns the note for a repository, or nil when absent.
func (s *AnnotationStore) NoteFor(ctx context.Context, nameWithOwner string) (*models.Note, error) {
	var n models.Note
	err := s.store.QueryRowContext(ctx,
		"SELECT id, name_with_owner, body, rating, updated_at_epoch FROM repo_notes WHERE name_with_owner = ?",
		nameWithOwner).Scan(&n.ID, &n.NameWithOwner, &n.Body, &n.Rating, &n.UpdatedAtEpoch)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// DeleteNote removes the note for a repository.
func (s *AnnotationStore) DeleteNote(ctx context.Context, nameWithOwner string) error {
	_, err := s.store.ExecContext(ctx,
		"DELETE FROM repo_notes WHERE name_with_owner = ?", nameWithOwner)
	return err
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
