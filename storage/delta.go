package storage

import (
	"time"

	"edge_finder/funnel"
	"edge_finder/models"
)

// PropertyDelta is a partial update. Nil fields are left alone.
type PropertyDelta struct {
	// ExpectStage makes the update conditional on the stored funnel stage.
	ExpectStage *models.FunnelStage

	FunnelStage *models.FunnelStage
	Status      *models.ReviewStatus

	VerificationResult *models.VerificationOutcome
	VerificationReason *string
	LastVerifiedAt     *time.Time

	DismissedReason  *models.DismissReason
	DismissedPattern *string
	ClearDismissal   bool

	Location    *string
	Description *string
	Price       *string
	BedCount    *int
	Acreage     *float64
	YearBuilt   *int
	ImageURL    *string
	Score       *int
	AISummary   *string

	IsNew *bool

	AppendStage *models.StageChange
}

// Validate rejects unknown enum values and dismissals without a reason.
func (d PropertyDelta) Validate() error {
	if d.ExpectStage != nil && !funnel.IsValidStage(*d.ExpectStage) {
		return &funnel.ValidationError{Msg: "unknown expected funnel stage " + string(*d.ExpectStage)}
	}
	if d.FunnelStage != nil {
		if _, err := funnel.ParseStage(string(*d.FunnelStage)); err != nil {
			return err
		}
		if err := funnel.ValidateDismissal(*d.FunnelStage, d.DismissedReason); err != nil {
			return err
		}
	}
	if d.Status != nil {
		if _, err := funnel.ParseStatus(string(*d.Status)); err != nil {
			return err
		}
	}
	if d.VerificationResult != nil && !isValidOutcome(*d.VerificationResult) {
		return &funnel.ValidationError{Msg: "unknown verification outcome " + string(*d.VerificationResult)}
	}
	if d.DismissedReason != nil {
		if _, err := funnel.ParseDismissReason(string(*d.DismissedReason)); err != nil {
			return err
		}
		if d.ClearDismissal {
			return &funnel.ValidationError{Msg: "cannot set and clear a dismissal at once"}
		}
	}
	return nil
}

func isValidOutcome(v models.VerificationOutcome) bool {
	switch v {
	case models.VerifyAvailable, models.VerifySold, models.VerifyNotListing,
		models.VerifyInvalidURL, models.VerifyPending, models.VerifyFailed:
		return true
	}
	return false
}

// Apply writes the delta onto p in place. Score is clamped to [0,100].
func (d PropertyDelta) Apply(p *models.Property, now time.Time) {
	if d.FunnelStage != nil {
		p.FunnelStage = *d.FunnelStage
	}
	if d.Status != nil {
		p.Status = *d.Status
	}
	if d.VerificationResult != nil {
		p.VerificationResult = *d.VerificationResult
	}
	if d.VerificationReason != nil {
		p.VerificationReason = strPtr(*d.VerificationReason)
	}
	if d.LastVerifiedAt != nil {
		t := *d.LastVerifiedAt
		p.LastVerifiedAt = &t
	}
	if d.ClearDismissal {
		p.DismissedReason = nil
		p.DismissedPattern = nil
	}
	if d.DismissedReason != nil {
		r := *d.DismissedReason
		p.DismissedReason = &r
	}
	if d.DismissedPattern != nil {
		p.DismissedPattern = strPtr(*d.DismissedPattern)
	}
	if d.Location != nil {
		p.Location = strPtr(*d.Location)
	}
	if d.Description != nil {
		p.Description = strPtr(*d.Description)
	}
	if d.Price != nil {
		p.Price = strPtr(*d.Price)
	}
	if d.BedCount != nil {
		v := *d.BedCount
		p.BedCount = &v
	}
	if d.Acreage != nil {
		v := *d.Acreage
		p.Acreage = &v
	}
	if d.YearBuilt != nil {
		v := *d.YearBuilt
		p.YearBuilt = &v
	}
	if d.ImageURL != nil {
		p.ImageURL = strPtr(*d.ImageURL)
	}
	if d.Score != nil {
		p.Score = models.ClampScore(*d.Score)
	}
	if d.AISummary != nil {
		p.AISummary = strPtr(*d.AISummary)
	}
	if d.IsNew != nil {
		p.IsNew = *d.IsNew
	}
	if d.AppendStage != nil {
		p.StageHistory = append(p.StageHistory, *d.AppendStage)
	}
	p.UpdatedAt = now
}

// MergeDiscovered folds a re-discovered candidate into the stored record.
// Only empty fields are filled and the discovery is appended to the source
// history, so verified data never regresses.
func MergeDiscovered(stored, incoming *models.Property, now time.Time) {
	if stored.Title == "" {
		stored.Title = incoming.Title
	}
	if stored.Location == nil {
		stored.Location = incoming.Location
	}
	if stored.Description == nil {
		stored.Description = incoming.Description
	}
	if stored.Price == nil {
		stored.Price = incoming.Price
	}
	if stored.ImageURL == nil {
		stored.ImageURL = incoming.ImageURL
	}
	stored.SourceHistory = append(stored.SourceHistory, incoming.SourceHistory...)
	stored.UpdatedAt = now
}

func strPtr(s string) *string { return &s }
