package server

import (
	"github.com/pdybowski/stargazer/pkg/models"
)

// repoView is the wire shape of a repository. Nullable columns flatten to
// plain strings and omitted-when-empty fields.
type repoView struct {
	NameWithOwner   string   `json:"name_with_owner"`
	Owner           string   `json:"owner"`
	Name            string   `json:"name"`
	OwnerType       string   `json:"owner_type"`
	Description     string   `json:"description,omitempty"`
	ReadmeSummary   string   `json:"readme_summary,omitempty"`
	PrimaryLanguage string   `json:"primary_language,omitempty"`
	Topics          []string `json:"topics,omitempty"`
	HomepageURL     string   `json:"homepage_url,omitempty"`
	License         string   `json:"license,omitempty"`
	Visibility      string   `json:"visibility"`
	Archived        bool     `json:"archived"`
	StargazerCount  int      `json:"stargazer_count"`
	ForkCount       int      `json:"fork_count"`
	CreatedAtEpoch  int64    `json:"created_at_epoch"`
	PushedAtEpoch   int64    `json:"pushed_at_epoch"`
	StarredAtEpoch  int64    `json:"starred_at_epoch"`
	LastSyncedEpoch int64    `json:"last_synced_epoch"`
	Summary         string   `json:"summary,omitempty"`
	Categories      []string `json:"categories,omitempty"`
	Features        string   `json:"features,omitempty"`
	UseCases        string   `json:"use_cases,omitempty"`
	PendingAnalysis bool     `json:"pending_reanalyze,omitempty"`
	IsDeleted       bool     `json:"is_deleted,omitempty"`
}

func toRepoView(r *models.Repository) repoView {
	return repoView{
		NameWithOwner:   r.NameWithOwner,
		Owner:           r.Owner,
		Name:            r.Name,
		OwnerType:       string(r.OwnerType),
		Description:     r.Description.String,
		ReadmeSummary:   r.ReadmeSummary.String,
		PrimaryLanguage: r.PrimaryLanguage.String,
		Topics:          r.Topics,
		HomepageURL:     r.HomepageURL.String,
		License:         r.License.String,
		Visibility:      r.Visibility,
		Archived:        r.Archived,
		StargazerCount:  r.StargazerCount,
		ForkCount:       r.ForkCount,
		CreatedAtEpoch:  r.CreatedAtEpoch,
		PushedAtEpoch:   r.PushedAtEpoch,
		StarredAtEpoch:  r.StarredAtEpoch,
		LastSyncedEpoch: r.LastSyncedEpoch,
		Summary:         r.Summary.String,
		Categories:      r.Categories,
		Features:        r.Features.String,
		UseCases:        r.UseCases.String,
		PendingAnalysis: r.PendingReanalyze,
		IsDeleted:       r.IsDeleted,
	}
}

func toRepoViews(repos []*models.Repository) []repoView {
	views := make([]repoView, len(repos))
	for i, r := range repos {
		views[i] = toRepoView(r)
	}
	return views
}
