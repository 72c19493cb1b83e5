package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pdybowski/stargazer/pkg/models"
)

// HistoryStore records one row per sync run.
type HistoryStore struct {
	store *Store
}

// NewHistoryStore creates a new sync history store.
func NewHistoryStore(store *Store) *HistoryStore {
	return &HistoryStore{store: store}
}

// Open inserts a new in-progress history row and returns its id.
func (s *HistoryStore) Open(ctx context.Context, kind models.SyncKind) (int64, error) {
	res, err := s.store.ExecContext(ctx,
		"INSERT INTO sync_history (kind, started_at_epoch) VALUES (?, ?)",
		string(kind), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("open sync history: %w", err)
	}
	return res.LastInsertId()
}

// Close finalizes a history row with counters and an optional error message.
// A closed row with a non-empty error message marks a failed run.
func (s *HistoryStore) Close(ctx context.Context, id int64, counters models.SyncCounters, errMsg string) error {
	_, err := s.store.ExecContext(ctx, `
		UPDATE sync_history
		SET completed_at_epoch = ?, added = ?, updated = ?, deleted = ?, failed = ?, error_message = ?
		WHERE id = ?`,
		time.Now().UnixMilli(), counters.Added, counters.Updated, counters.Deleted,
		counters.Failed, nullString(errMsg), id)
	if err != nil {
		return fmt.Errorf("close sync history %d: %w", id, err)
	}
	return nil
}

// List returns the most recent runs, newest first.
func (s *HistoryStore) List(ctx context.Context, limit int) ([]*models.SyncHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.store.QueryContext(ctx, `
		SELECT id, kind, started_at_epoch, completed_at_epoch, added, updated, deleted, failed, error_message
		FROM sync_history ORDER BY started_at_epoch DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync history: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, h)
	}
	return runs, rows.Err()
}

// Latest returns the most recent run, or nil when no sync has happened yet.
func (s *HistoryStore) Latest(ctx context.Context) (*models.SyncHistory, error) {
	runs, err := s.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

// LastCompleted returns the newest successfully completed run, or nil.
func (s *HistoryStore) LastCompleted(ctx context.Context) (*models.SyncHistory, error) {
	rows, err := s.store.QueryContext(ctx, `
		SELECT id, kind, started_at_epoch, completed_at_epoch, added, updated, deleted, failed, error_message
		FROM sync_history
		WHERE completed_at_epoch IS NOT NULL AND error_message IS NULL
		ORDER BY started_at_epoch DESC, id DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanHistory(rows)
}

func scanHistory(rows *sql.Rows) (*models.SyncHistory, error) {
	var (
		h    models.SyncHistory
		kind string
	)
	err := rows.Scan(&h.ID, &kind, &h.StartedAtEpoch, &h.CompletedAtEpoch,
		&h.Added, &h.Updated, &h.Deleted, &h.Failed, &h.ErrorMessage)
	if err != nil {
		return nil, fmt.Errorf("scan sync history: %w", err)
	}
	h.Kind = models.SyncKind(kind)
	return &h, nil
}
