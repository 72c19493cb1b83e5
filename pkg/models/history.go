package models

import "database/sql"

// SyncKind is the sync mode recorded in history.
type SyncKind string

const (
	SyncKindFull        SyncKind = "full"
	SyncKindIncremental SyncKind = "incremental"
)

// SyncHistory is one append-only sync run record. A row with a NULL
// completed_at is in flight; once completed_at is set the counters are frozen
// and the row is never updated again.
type SyncHistory struct {
	ID               int64          `json:"id"`
	Kind             SyncKind       `json:"kind"`
	StartedAtEpoch   int64          `json:"started_at_epoch"`
	CompletedAtEpoch sql.NullInt64  `json:"completed_at_epoch"`
	Added            int            `json:"added"`
	Updated          int            `json:"updated"`
	Deleted          int            `json:"deleted"`
	Failed           int            `json:"failed"`
	ErrorMessage     sql.NullString `json:"error_message"`
}

// SyncCounters accumulates per-run counts before the history row is closed.
type SyncCounters struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}
