package services

import (
	"context"
	"fmt"
	"time"

	"edge_finder/identity"
	"edge_finder/models"
	"edge_finder/storage"
)

type IngestOutcome string

const (
	OutcomeInserted   IngestOutcome = "inserted"
	OutcomeMerged     IngestOutcome = "merged"
	OutcomeSuppressed IngestOutcome = "suppressed"
	OutcomeRejected   IngestOutcome = "rejected"
)

type IngestResult struct {
	Outcome  IngestOutcome
	URL      string // normalized, empty when rejected
	Property *models.Property
	Pattern  *models.DismissalPattern // set when suppressed
}

// IngestService turns candidates into discovered records: normalize the URL,
// consult the exclusion filter, then upsert atomically by URL.
type IngestService struct {
	store  storage.RecordStore
	filter *ExclusionFilter
	now    func() time.Time
}

func NewIngestService(store storage.RecordStore, filter *ExclusionFilter) *IngestService {
	if filter == nil {
		filter = NewExclusionFilter()
	}
	return &IngestService{store: store, filter: filter, now: time.Now}
}

// Ingest is idempotent: the same candidate twice yields one record, and a
// re-discovery never overwrites fields the record already has.
func (s *IngestService) Ingest(ctx context.Context, c models.Candidate) (IngestResult, error) {
	normalized, err := identity.NormalizeURL(c.URL)
	if err != nil {
		return IngestResult{Outcome: OutcomeRejected}, nil
	}
	c.URL = normalized

	if pattern, ok := s.filter.Match(c); ok {
		return IngestResult{Outcome: OutcomeSuppressed, URL: normalized, Pattern: &pattern}, nil
	}

	stored, inserted, err := s.store.UpsertDiscovered(ctx, models.NewDiscovered(c, normalized, s.now()))
	if err != nil {
		return IngestResult{URL: normalized}, fmt.Errorf("upsert %s: %w", normalized, err)
	}

	res := IngestResult{Outcome: OutcomeMerged, URL: normalized, Property: stored}
	if inserted {
		res.Outcome = OutcomeInserted
	}
	return res, nil
}
