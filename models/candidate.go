package models

import "time"

type QueryCategory string

const (
	CategoryPlatforms QueryCategory = "platforms"
	CategoryNews      QueryCategory = "news"
	CategoryDistress  QueryCategory = "distress"
	CategoryManual    QueryCategory = "manual"
)

// QuerySpec is one search to issue against a discovery provider. It is not
// persisted beyond the discovery metadata of the candidates it yields.
type QuerySpec struct {
	Text          string        `json:"text" yaml:"text"`
	Channel       SourceChannel `json:"channel,omitempty" yaml:"channel"`
	DiscoveredVia string        `json:"discovered_via" yaml:"discovered_via"`
	Provider      string        `json:"provider" yaml:"provider"` // exa, tavily
	Category      QueryCategory `json:"category" yaml:"category"`
}

// Candidate is a raw discovery hit, not yet deduplicated.
type Candidate struct {
	URL         string `validate:"required,url"`
	Title       string `validate:"required"`
	Snippet     string
	SourceHint  string // provider-reported source name, if any
	Location    *string
	Price       *string
	ImageURL    *string
	PublishedAt *time.Time
	Channel     SourceChannel
	Query       QuerySpec
}

func (c Candidate) SourceEntry(at time.Time) SourceEntry {
	return SourceEntry{
		Query:         c.Query.Text,
		DiscoveredVia: c.Query.DiscoveredVia,
		Channel:       c.Channel,
		At:            at,
	}
}
