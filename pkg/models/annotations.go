package models

import "database/sql"

// Collection is an ordered, named group of repositories curated by the user.
type Collection struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Position  int    `json:"position"`
	CreatedAt int64  `json:"created_at_epoch"`
}

// Tag is a user-defined label attachable to repositories.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Note is a free-text annotation with a 1-5 rating attached to one repository.
// Notes survive soft deletion of the repository.
type Note struct {
	ID             int64          `json:"id"`
	NameWithOwner  string         `json:"name_with_owner"`
	Body           sql.NullString `json:"body"`
	Rating         int            `json:"rating"`
	UpdatedAtEpoch int64          `json:"updated_at_epoch"`
}
