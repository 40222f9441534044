package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"edge_finder/funnel"
	"edge_finder/models"
)

// MemoryStore is an in-process RecordStore and PatternStore used for dry
// runs and tests. A single mutex makes every lookup-then-merge atomic.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*models.Property
	byURL    map[string]uuid.UUID
	patterns []models.DismissalPattern
	keys     map[string]bool
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[uuid.UUID]*models.Property),
		byURL: make(map[string]uuid.UUID),
		keys:  make(map[string]bool),
		now:   time.Now,
	}
}

func (m *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Property, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProperty(p), nil
}

func (m *MemoryStore) GetByURL(ctx context.Context, url string) (*models.Property, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byURL[url]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProperty(m.byID[id]), nil
}

func (m *MemoryStore) Insert(ctx context.Context, p *models.Property) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byURL[p.URL]; exists {
		return ErrDuplicateURL
	}
	m.put(p)
	return nil
}

func (m *MemoryStore) put(p *models.Property) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := cloneProperty(p)
	m.byID[cp.ID] = cp
	m.byURL[cp.URL] = cp.ID
}

func (m *MemoryStore) UpsertDiscovered(ctx context.Context, p *models.Property) (*models.Property, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byURL[p.URL]; ok {
		stored := m.byID[id]
		MergeDiscovered(stored, cloneProperty(p), m.now())
		return cloneProperty(stored), false, nil
	}
	m.put(p)
	return cloneProperty(m.byID[p.ID]), true, nil
}

func (m *MemoryStore) Update(ctx context.Context, id uuid.UUID, d PropertyDelta) (*models.Property, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.ExpectStage != nil && stored.FunnelStage != *d.ExpectStage {
		return nil, ErrStageConflict
	}

	// Apply to a copy so a failed invariant check leaves the record intact.
	next := cloneProperty(stored)
	d.Apply(next, m.now())
	if next.FunnelStage == models.StageDismissed && (next.DismissedReason == nil || *next.DismissedReason == "") {
		return nil, &funnel.ValidationError{Msg: "dismissed record requires a dismissal reason"}
	}
	m.byID[id] = next
	return cloneProperty(next), nil
}

func (m *MemoryStore) ListByFunnelStage(ctx context.Context, stage models.FunnelStage, limit int) ([]models.Property, error) {
	return m.ListProperties(ctx, ListFilter{Stage: &stage, Limit: limit})
}

func (m *MemoryStore) ListProperties(ctx context.Context, f ListFilter) ([]models.Property, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Property
	for _, p := range m.byID {
		if f.Stage != nil && p.FunnelStage != *f.Stage {
			continue
		}
		if f.excludesDismissed() && p.FunnelStage == models.StageDismissed {
			continue
		}
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		if f.UpdatedBefore != nil && !p.UpdatedAt.Before(*f.UpdatedBefore) {
			continue
		}
		out = append(out, *cloneProperty(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPatterns(ctx context.Context) ([]models.DismissalPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DismissalPattern, len(m.patterns))
	copy(out, m.patterns)
	return out, nil
}

func (m *MemoryStore) AppendPattern(ctx context.Context, p models.DismissalPattern) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[p.Key] {
		return false, nil
	}
	m.keys[p.Key] = true
	p.Tokens = append([]string(nil), p.Tokens...)
	m.patterns = append(m.patterns, p)
	return true, nil
}

// Count returns the number of stored properties.
func (m *MemoryStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func cloneProperty(p *models.Property) *models.Property {
	cp := *p
	cp.SourceHistory = append([]models.SourceEntry(nil), p.SourceHistory...)
	cp.StageHistory = append([]models.StageChange(nil), p.StageHistory...)
	cp.Location = cloneStr(p.Location)
	cp.Description = cloneStr(p.Description)
	cp.Price = cloneStr(p.Price)
	cp.NearestAirport = cloneStr(p.NearestAirport)
	cp.AISummary = cloneStr(p.AISummary)
	cp.ImageURL = cloneStr(p.ImageURL)
	cp.VerificationReason = cloneStr(p.VerificationReason)
	cp.DismissedPattern = cloneStr(p.DismissedPattern)
	if p.BedCount != nil {
		v := *p.BedCount
		cp.BedCount = &v
	}
	if p.Acreage != nil {
		v := *p.Acreage
		cp.Acreage = &v
	}
	if p.YearBuilt != nil {
		v := *p.YearBuilt
		cp.YearBuilt = &v
	}
	if p.DriveTimeMinutes != nil {
		v := *p.DriveTimeMinutes
		cp.DriveTimeMinutes = &v
	}
	if p.LastVerifiedAt != nil {
		v := *p.LastVerifiedAt
		cp.LastVerifiedAt = &v
	}
	if p.DismissedReason != nil {
		v := *p.DismissedReason
		cp.DismissedReason = &v
	}
	return &cp
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
