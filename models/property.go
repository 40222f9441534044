package models

import (
	"time"

	"github.com/google/uuid"
)

// FunnelStage is the machine-owned lifecycle position of a property.
type FunnelStage string

const (
	StageDiscovered  FunnelStage = "discovered"
	StageQualified   FunnelStage = "qualified"
	StageInteresting FunnelStage = "interesting"
	StageContacted   FunnelStage = "contacted"
	StageDismissed   FunnelStage = "dismissed"
)

// ReviewStatus is the human-owned triage label, independent of FunnelStage.
type ReviewStatus string

const (
	StatusNew       ReviewStatus = "New"
	StatusStarred   ReviewStatus = "Starred"
	StatusReviewed  ReviewStatus = "Reviewed"
	StatusContacted ReviewStatus = "Contacted"
	StatusPassed    ReviewStatus = "Passed"
	StatusArchived  ReviewStatus = "Archived"
)

type VerificationOutcome string

const (
	VerifyAvailable  VerificationOutcome = "available"
	VerifySold       VerificationOutcome = "sold"
	VerifyNotListing VerificationOutcome = "not_listing"
	VerifyInvalidURL VerificationOutcome = "invalid_url"
	VerifyPending    VerificationOutcome = "pending"
	VerifyFailed     VerificationOutcome = "failed"
)

// SourceChannel tags where a candidate came from.
type SourceChannel string

const (
	ChannelListing     SourceChannel = "listing"
	ChannelNews        SourceChannel = "news"
	ChannelAuction     SourceChannel = "auction"
	ChannelForeclosure SourceChannel = "foreclosure"
)

type DismissReason string

const (
	DismissAlreadySold   DismissReason = "already_sold"
	DismissNotRelevant   DismissReason = "not_relevant"
	DismissTooExpensive  DismissReason = "too_expensive"
	DismissTooSmall      DismissReason = "too_small"
	DismissWrongLocation DismissReason = "wrong_location"
	DismissNotAListing   DismissReason = "not_a_listing"
	DismissDuplicate     DismissReason = "duplicate"
	DismissOther         DismissReason = "other"
)

// AllDismissReasons lists every reason in declaration order.
var AllDismissReasons = []DismissReason{
	DismissAlreadySold, DismissNotRelevant, DismissTooExpensive, DismissTooSmall,
	DismissWrongLocation, DismissNotAListing, DismissDuplicate, DismissOther,
}

// Property is a discovered listing or news item moving through the funnel.
type Property struct {
	ID  uuid.UUID `json:"id" db:"id"`
	URL string    `json:"url" db:"url"` // normalized, unique

	// Discovery
	SearchQuery   string        `json:"search_query" db:"search_query"`
	DiscoveredVia string        `json:"discovered_via" db:"discovered_via"` // exa_loopnet, tavily_news, manual...
	SourceType    SourceChannel `json:"source_type" db:"source_type"`
	DiscoveredAt  time.Time     `json:"discovered_at" db:"discovered_at"`
	SourceHistory []SourceEntry `json:"source_history" db:"source_history"`

	// Descriptive, all best-effort
	Title            string   `json:"title" db:"title"`
	Location         *string  `json:"location" db:"location"`
	Description      *string  `json:"description" db:"description"`
	Price            *string  `json:"price" db:"price"`
	BedCount         *int     `json:"bed_count" db:"bed_count"`
	Acreage          *float64 `json:"acreage" db:"acreage"`
	YearBuilt        *int     `json:"year_built" db:"year_built"`
	NearestAirport   *string  `json:"nearest_airport" db:"nearest_airport"`
	DriveTimeMinutes *int     `json:"drive_time_minutes" db:"drive_time_minutes"`

	// Derived
	Score     int     `json:"score" db:"score"`
	AISummary *string `json:"ai_summary" db:"ai_summary"`
	ImageURL  *string `json:"image_url" db:"image_url"`

	FunnelStage FunnelStage  `json:"funnel_stage" db:"funnel_stage"`
	Status      ReviewStatus `json:"status" db:"status"`

	VerificationResult VerificationOutcome `json:"verification_result" db:"verification_result"`
	VerificationReason *string             `json:"verification_reason" db:"verification_reason"`
	LastVerifiedAt     *time.Time          `json:"last_verified_at" db:"last_verified_at"`

	DismissedReason  *DismissReason `json:"dismissed_reason" db:"dismissed_reason"`
	DismissedPattern *string        `json:"dismissed_pattern" db:"dismissed_pattern"`

	IsNew        bool          `json:"is_new" db:"is_new"`
	StageHistory []StageChange `json:"stage_history" db:"stage_history"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SourceEntry records one discovery hit that resolved to a property.
type SourceEntry struct {
	Query         string        `json:"query"`
	DiscoveredVia string        `json:"discovered_via"`
	Channel       SourceChannel `json:"channel"`
	At            time.Time     `json:"at"`
}

type Actor string

const (
	ActorVerifier Actor = "verifier"
	ActorReviewer Actor = "reviewer"
	ActorAdmin    Actor = "admin" // reactivation only
)

// StageChange is one funnel transition in a property's audit trail.
type StageChange struct {
	From  FunnelStage `json:"from"`
	To    FunnelStage `json:"to"`
	Actor Actor       `json:"actor"`
	At    time.Time   `json:"at"`
	Note  string      `json:"note,omitempty"`
}

// ClampScore forces a viability score into [0,100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// NewDiscovered builds a fresh record in the initial funnel stage.
func NewDiscovered(c Candidate, normalizedURL string, now time.Time) *Property {
	p := &Property{
		ID:                 uuid.New(),
		URL:                normalizedURL,
		SearchQuery:        c.Query.Text,
		DiscoveredVia:      c.Query.DiscoveredVia,
		SourceType:         c.Channel,
		DiscoveredAt:       now,
		Title:              c.Title,
		Location:           c.Location,
		Description:        nonEmpty(c.Snippet),
		Price:              c.Price,
		Score:              50,
		ImageURL:           c.ImageURL,
		FunnelStage:        StageDiscovered,
		Status:             StatusNew,
		VerificationResult: VerifyPending,
		IsNew:              true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if p.SourceType == "" {
		p.SourceType = ChannelListing
	}
	p.SourceHistory = []SourceEntry{c.SourceEntry(now)}
	return p
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
