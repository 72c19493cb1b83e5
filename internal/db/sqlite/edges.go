package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/pdybowski/stargazer/pkg/models"
)

// EdgeStore persists the repository relationship graph.
type EdgeStore struct {
	store *Store
}

// NewEdgeStore creates a new edge store.
func NewEdgeStore(store *Store) *EdgeStore {
	return &EdgeStore{store: store}
}

// ReplaceStructural atomically swaps the non-semantic edge set. Semantic
// edges are managed incrementally and survive the swap.
func (s *EdgeStore) ReplaceStructural(ctx context.Context, edges []models.GraphEdge) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin edge replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM graph_edges WHERE kind != 'semantic'"); err != nil {
		return fmt.Errorf("clear structural edges: %w", err)
	}

	now := time.Now().UnixMilli()
	for _, e := range edges {
		if err := insertEdgeTx(ctx, tx, e, now); err != nil {
			return err
		}
	}

	if err := updateGraphStatusTx(ctx, tx, now); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceSemanticFor rewrites the semantic edges touching one repository.
func (s *EdgeStore) ReplaceSemanticFor(ctx context.Context, nameWithOwner string, edges []models.GraphEdge) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin semantic replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM graph_edges WHERE kind = 'semantic' AND (source = ? OR target = ?)",
		nameWithOwner, nameWithOwner); err != nil {
		return fmt.Errorf("clear semantic edges for %s: %w", nameWithOwner, err)
	}

	now := time.Now().UnixMilli()
	for _, e := range edges {
		if err := insertEdgeTx(ctx, tx, e, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClearSemantic removes every semantic edge. Used before a full semantic
// rebuild.
func (s *EdgeStore) ClearSemantic(ctx context.Context) error {
	_, err := s.store.ExecContext(ctx, "DELETE FROM graph_edges WHERE kind = 'semantic'")
	return err
}

// InsertBatch writes edges without clearing anything first.
func (s *EdgeStore) InsertBatch(ctx context.Context, edges []models.GraphEdge) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin edge insert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, e := range edges {
		if err := insertEdgeTx(ctx, tx, e, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EdgesFor returns the edges where the repository is either endpoint,
// optionally restricted to one kind, strongest first.
func (s *EdgeStore) EdgesFor(ctx context.Context, nameWithOwner string, kind models.EdgeKind) ([]models.GraphEdge, error) {
	query := `
		SELECT source, target, kind, weight, metadata FROM graph_edges
		WHERE (source = ? OR target = ?)`
	args := []any{nameWithOwner, nameWithOwner}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY weight DESC"

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("edges for %s: %w", nameWithOwner, err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// RemoveTouching deletes every edge with the repository as an endpoint.
// Called when a repository is soft-deleted.
func (s *EdgeStore) RemoveTouching(ctx context.Context, nameWithOwner string) error {
	_, err := s.store.ExecContext(ctx,
		"DELETE FROM graph_edges WHERE source = ? OR target = ?",
		nameWithOwner, nameWithOwner)
	return err
}

// Count returns the total edge count.
func (s *EdgeStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.store.QueryRowContext(ctx, "SELECT COUNT(*) FROM graph_edges").Scan(&count)
	return count, err
}

// CountByKind returns per-kind edge counts.
func (s *EdgeStore) CountByKind(ctx context.Context) (map[models.EdgeKind]int, error) {
	rows, err := s.store.QueryContext(ctx,
		"SELECT kind, COUNT(*) FROM graph_edges GROUP BY kind")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.EdgeKind]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		counts[models.EdgeKind(kind)] = count
	}
	return counts, rows.Err()
}

// GraphStatus is the stored rebuild bookkeeping row.
type GraphStatus struct {
	LastRebuildEpoch int64
	EdgeCount        int
}

// Status returns the current graph bookkeeping row.
func (s *EdgeStore) Status(ctx context.Context) (GraphStatus, error) {
	var (
		st   GraphStatus
		last *int64
	)
	err := s.store.QueryRowContext(ctx,
		"SELECT last_rebuild_epoch, edge_count FROM graph_status WHERE id = 1").
		Scan(&last, &st.EdgeCount)
	if err != nil {
		return st, err
	}
	if last != nil {
		st.LastRebuildEpoch = *last
	}
	return st, nil
}

func insertEdgeTx(ctx context.Context, tx txExecer, e models.GraphEdge, now int64) error {
	var metadata any
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal edge metadata: %w", err)
		}
		metadata = string(data)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO graph_edges (source, target, kind, weight, metadata, created_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, target, kind) DO UPDATE SET
			weight = excluded.weight,
			metadata = excluded.metadata,
			created_at_epoch = excluded.created_at_epoch`,
		e.Source, e.Target, string(e.Kind), models.ClipWeight(e.Weight), metadata, now)
	if err != nil {
		return fmt.Errorf("insert edge %s -> %s (%s): %w", e.Source, e.Target, e.Kind, err)
	}
	return nil
}

func updateGraphStatusTx(ctx context.Context, tx txExecer, now int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE graph_status
		SET last_rebuild_epoch = ?,
		    edge_count = (SELECT COUNT(*) FROM graph_edges)
		WHERE id = 1`, now)
	if err != nil {
		return fmt.Errorf("update graph status: %w", err)
	}
	return nil
}

func scanEdges(rows *sql.Rows) ([]models.GraphEdge, error) {
	var edges []models.GraphEdge
	for rows.Next() {
		var (
			e        models.GraphEdge
			kind     string
			metadata *string
		)
		if err := rows.Scan(&e.Source, &e.Target, &kind, &e.Weight, &metadata); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Kind = models.EdgeKind(kind)
		if metadata != nil && *metadata != "" {
			_ = json.Unmarshal([]byte(*metadata), &e.Metadata)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
