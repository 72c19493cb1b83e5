// Package models defines the domain types shared across stargazer components.
package models

import (
	"database/sql"
	"strings"
	"time"
)

// OwnerType distinguishes organization-owned from user-owned repositories.
type OwnerType string

const (
	OwnerTypeOrg  OwnerType = "org"
	OwnerTypeUser OwnerType = "user"
)

// Repository is the locally persisted view of a starred repository.
// NameWithOwner ("owner/name") is the stable identity and never changes
// once the row exists.
type Repository struct {
	ID            int64
	NameWithOwner string
	Owner         string
	Name          string
	OwnerType     OwnerType

	Description     sql.NullString
	ReadmeSummary   sql.NullString
	PrimaryLanguage sql.NullString
	Topics          []string
	HomepageURL     sql.NullString
	License         sql.NullString
	Visibility      string
	Archived        bool

	StargazerCount int
	ForkCount      int

	CreatedAtEpoch   int64
	PushedAtEpoch    int64
	StarredAtEpoch   int64
	LastSyncedEpoch  int64
	LastAnalyzedAt   sql.NullInt64
	EdgesComputedAt  sql.NullInt64
	PendingReanalyze bool

	// AI-derived fields, written by analysis rather than sync.
	Summary    sql.NullString
	Categories []string
	Features   sql.NullString
	UseCases   sql.NullString

	IsDeleted bool
}

// SplitNameWithOwner returns the owner and name halves of an "owner/name" key.
// The name half may itself contain slashes on some hosts; only the first
// separator splits.
func SplitNameWithOwner(nameWithOwner string) (owner, name string) {
	owner, name, _ = strings.Cut(nameWithOwner, "/")
	return owner, name
}

// IsActive reports whether the repository was pushed to within the last 7 days.
func (r *Repository) IsActive(now time.Time) bool {
	return r.PushedAtEpoch > 0 && now.UnixMilli()-r.PushedAtEpoch < 7*24*time.Hour.Milliseconds()
}

// IsNew reports whether the repository was created within the last 6 months.
func (r *Repository) IsNew(now time.Time) bool {
	return r.CreatedAtEpoch > 0 && now.UnixMilli()-r.CreatedAtEpoch < 182*24*time.Hour.Milliseconds()
}

// RemoteRepo is the normalized form of one starred repository as returned by
// the upstream code-hosting API. Epochs are Unix milliseconds.
type RemoteRepo struct {
	NameWithOwner   string
	Owner           string
	Name            string
	OwnerType       OwnerType
	Description     string
	PrimaryLanguage string
	Topics          []string
	HomepageURL     string
	License         string
	Visibility      string
	Archived        bool
	StargazerCount  int
	ForkCount       int
	CreatedAtEpoch  int64
	PushedAtEpoch   int64
	StarredAtEpoch  int64
}

// RepoFilters is the common filter set accepted by list and search operations.
// Zero values mean "no constraint".
type RepoFilters struct {
	Languages       []string
	MinStars        int
	StarredAfter    int64 // epoch millis
	OwnerType       OwnerType
	IsActive        bool // pushed within 7 days
	IsNew           bool // created within 6 months
	ExcludeArchived bool
	IsDeleted       bool // list soft-deleted rows instead of live ones
}
