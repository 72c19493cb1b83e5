package sync

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pdybowski/stargazer/pkg/models"
)

func baseRemote() *models.RemoteRepo {
	return &models.RemoteRepo{
		NameWithOwner:   "alice/widgets",
		Owner:           "alice",
		Name:            "widgets",
		OwnerType:       models.OwnerTypeUser,
		Description:     "a widget library",
		PrimaryLanguage: "Go",
		Visibility:      "public",
		StargazerCount:  42,
		ForkCount:       3,
		PushedAtEpoch:   1000,
		StarredAtEpoch:  500,
	}
}

func baseLocal() *models.Repository {
	return &models.Repository{
		NameWithOwner:   "alice/widgets",
		Owner:           "alice",
		Name:            "widgets",
		OwnerType:       models.OwnerTypeUser,
		Description:     sql.NullString{String: "a widget library", Valid: true},
		ReadmeSummary:   sql.NullString{String: "summary", Valid: true},
		PrimaryLanguage: sql.NullString{String: "Go", Valid: true},
		Visibility:      "public",
		StargazerCount:  42,
		ForkCount:       3,
		PushedAtEpoch:   1000,
		StarredAtEpoch:  500,
	}
}

func TestClassifyNone(t *testing.T) {
	assert.Equal(t, ChangeNone, Classify(baseRemote(), baseLocal()))
}

func TestClassifyHeavyOnPush(t *testing.T) {
	remote := baseRemote()
	remote.PushedAtEpoch = 2000
	assert.Equal(t, ChangeHeavy, Classify(remote, baseLocal()))
}

func TestClassifyHeavyOnMissingSummary(t *testing.T) {
	local := baseLocal()
	local.ReadmeSummary = sql.NullString{}
	assert.Equal(t, ChangeHeavy, Classify(baseRemote(), local))
}

func TestClassifyText(t *testing.T) {
	remote := baseRemote()
	remote.Description = "now with more widgets"
	assert.Equal(t, ChangeText, Classify(remote, baseLocal()))

	remote = baseRemote()
	remote.PrimaryLanguage = "Rust"
	assert.Equal(t, ChangeText, Classify(remote, baseLocal()))
}

func TestClassifyCounters(t *testing.T) {
	cases := map[string]func(*models.RemoteRepo){
		"stars":      func(r *models.RemoteRepo) { r.StargazerCount = 100 },
		"forks":      func(r *models.RemoteRepo) { r.ForkCount = 10 },
		"archived":   func(r *models.RemoteRepo) { r.Archived = true },
		"visibility": func(r *models.RemoteRepo) { r.Visibility = "private" },
		"owner_type": func(r *models.RemoteRepo) { r.OwnerType = models.OwnerTypeOrg },
		"starred_at": func(r *models.RemoteRepo) { r.StarredAtEpoch = 999 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			remote := baseRemote()
			mutate(remote)
			assert.Equal(t, ChangeCounters, Classify(remote, baseLocal()))
		})
	}
}

func TestHeavyTrumpsLighterChanges(t *testing.T) {
	remote := baseRemote()
	remote.PushedAtEpoch = 2000
	remote.Description = "changed too"
	remote.StargazerCount = 100
	assert.Equal(t, ChangeHeavy, Classify(remote, baseLocal()))
}

func TestTextTrumpsCounters(t *testing.T) {
	remote := baseRemote()
	remote.Description = "changed"
	remote.StargazerCount = 100
	assert.Equal(t, ChangeText, Classify(remote, baseLocal()))
}

func TestTextFieldsIncludeCounters(t *testing.T) {
	remote := baseRemote()
	fields := TextFields(remote)
	assert.Contains(t, fields, "description")
	assert.Contains(t, fields, "primary_language")
	assert.Contains(t, fields, "stargazer_count")
	assert.Contains(t, fields, "starred_at_epoch")

	// Empty strings become NULLs.
	remote.Description = ""
	assert.Nil(t, TextFields(remote)["description"])
}
