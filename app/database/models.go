package database

import (
	"time"
)

// Item is a stored notice. (SourceID, NaturalKey) is unique.
type Item struct {
	SourceID    string         `json:"source_id"`
	NaturalKey  string         `json:"natural_key"`
	Title       string         `json:"title"`
	URL         string         `json:"url"`
	PublishedAt *time.Time     `json:"published_at"`
	FetchedAt   time.Time      `json:"fetched_at"`
	RawExtra    map[string]any `json:"raw_extra,omitempty"`
}

// Source is the persisted view of a registry descriptor plus its last run.
type Source struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Group     string     `json:"group,omitempty"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type PutResult int

const (
	Inserted PutResult = iota
	AlreadyExists
)

func (r PutResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "already_exists"
}

// ItemFilter selects items for Query. Zero values mean "no constraint";
// a published_at bound excludes undated items.
type ItemFilter struct {
	SourceIDs    []string
	From         *time.Time
	To           *time.Time
	MissingTitle bool
	UndatedFirst bool
	Offset       int
	Limit        int
}

type ItemPage struct {
	Items  []Item `json:"items"`
	Total  int    `json:"total"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}
