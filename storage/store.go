package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"edge_finder/models"
)

var (
	ErrNotFound     = errors.New("property not found")
	ErrDuplicateURL = errors.New("url already stored")
	// ErrStageConflict means a conditional update found the record in a
	// different funnel stage than the caller expected.
	ErrStageConflict = errors.New("funnel stage changed concurrently")
)

// RecordStore is the keyed property store. URL is unique across records.
type RecordStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Property, error)
	GetByURL(ctx context.Context, url string) (*models.Property, error)
	Insert(ctx context.Context, p *models.Property) error
	// UpsertDiscovered inserts p, or merges it into the record already
	// holding p.URL. The lookup and merge are atomic per URL.
	UpsertDiscovered(ctx context.Context, p *models.Property) (stored *models.Property, inserted bool, err error)
	// Update applies d to the record. It never writes partially: d is
	// validated first and an invalid delta leaves the record unchanged.
	Update(ctx context.Context, id uuid.UUID, d PropertyDelta) (*models.Property, error)
	ListByFunnelStage(ctx context.Context, stage models.FunnelStage, limit int) ([]models.Property, error)
	ListProperties(ctx context.Context, f ListFilter) ([]models.Property, error)
}

// PatternStore holds the append-only, de-duplicated dismissal patterns.
type PatternStore interface {
	ListPatterns(ctx context.Context) ([]models.DismissalPattern, error)
	AppendPattern(ctx context.Context, p models.DismissalPattern) (added bool, err error)
}

// ListFilter narrows ListProperties. Dismissed records are left out unless
// IncludeDismissed is set or Stage asks for them.
type ListFilter struct {
	Stage            *models.FunnelStage
	Status           *models.ReviewStatus
	UpdatedBefore    *time.Time
	IncludeDismissed bool
	Limit            int
}

func (f ListFilter) excludesDismissed() bool {
	return !f.IncludeDismissed && (f.Stage == nil || *f.Stage != models.StageDismissed)
}
