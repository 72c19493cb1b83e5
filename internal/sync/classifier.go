// Package sync reconciles the local store with the upstream starred set.
package sync

import (
	"github.com/pdybowski/stargazer/pkg/models"
)

// ChangeClass buckets how much work an observed repository needs.
type ChangeClass int

const (
	// ChangeNone: nothing differs; only the sync watermark advances.
	ChangeNone ChangeClass = iota
	// ChangeCounters: volatile numbers or flags moved; a field update
	// suffices, the embedding text is unaffected.
	ChangeCounters
	// ChangeText: description or language changed; the stored fields and the
	// vector both need refreshing, but the README is still current.
	ChangeText
	// ChangeHeavy: new content was pushed (or the README was never
	// summarized); refetch the README and redo the full pipeline.
	ChangeHeavy
)

func (c ChangeClass) String() string {
	switch c {
	case ChangeNone:
		return "none"
	case ChangeCounters:
		return "counters"
	case ChangeText:
		return "text"
	case ChangeHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}

// Classify compares the remote view of a repository with the stored one and
// returns the heaviest applicable bucket.
func Classify(remote *models.RemoteRepo, local *models.Repository) ChangeClass {
	if remote.PushedAtEpoch != local.PushedAtEpoch {
		return ChangeHeavy
	}
	if !local.ReadmeSummary.Valid {
		return ChangeHeavy
	}

	if remote.Description != local.Description.String ||
		remote.PrimaryLanguage != local.PrimaryLanguage.String {
		return ChangeText
	}

	if remote.StargazerCount != local.StargazerCount ||
		remote.ForkCount != local.ForkCount ||
		remote.Archived != local.Archived ||
		remote.Visibility != local.Visibility ||
		remote.OwnerType != local.OwnerType ||
		remote.StarredAtEpoch != local.StarredAtEpoch {
		return ChangeCounters
	}

	return ChangeNone
}

// CounterFields returns the whitelisted column updates for a counters-only
// change.
func CounterFields(remote *models.RemoteRepo) map[string]any {
	return map[string]any{
		"stargazer_count":  remote.StargazerCount,
		"fork_count":       remote.ForkCount,
		"archived":         boolInt(remote.Archived),
		"visibility":       remote.Visibility,
		"owner_type":       string(remote.OwnerType),
		"starred_at_epoch": remote.StarredAtEpoch,
	}
}

// TextFields returns the column updates for a text change, including the
// counters so one write covers both.
func TextFields(remote *models.RemoteRepo) map[string]any {
	fields := CounterFields(remote)
	fields["description"] = nullable(remote.Description)
	fields["primary_language"] = nullable(remote.PrimaryLanguage)
	return fields
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
