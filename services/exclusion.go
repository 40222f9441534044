package services

import (
	"context"
	"fmt"
	"sync"

	"edge_finder/identity"
	"edge_finder/models"
	"edge_finder/storage"
)

// ExclusionFilter holds the learned dismissal patterns. Reads are concurrent;
// Add is serialized. The set only grows.
type ExclusionFilter struct {
	mu       sync.RWMutex
	patterns []models.DismissalPattern
	keys     map[string]bool
}

func NewExclusionFilter(patterns ...models.DismissalPattern) *ExclusionFilter {
	f := &ExclusionFilter{keys: make(map[string]bool)}
	for _, p := range patterns {
		f.Add(p)
	}
	return f
}

// LoadExclusionFilter seeds a filter from the pattern store.
func LoadExclusionFilter(ctx context.Context, store storage.PatternStore) (*ExclusionFilter, error) {
	patterns, err := store.ListPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	return NewExclusionFilter(patterns...), nil
}

// Add appends p unless a pattern with the same key is present. Patterns
// without tokens are ignored.
func (f *ExclusionFilter) Add(p models.DismissalPattern) bool {
	if len(p.Tokens) == 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[p.Key] {
		return false
	}
	f.keys[p.Key] = true
	f.patterns = append(f.patterns, p)
	return true
}

func (f *ExclusionFilter) Has(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.keys[key]
}

func (f *ExclusionFilter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.patterns)
}

// Match returns the first pattern whose tokens all occur in the candidate.
func (f *ExclusionFilter) Match(c models.Candidate) (models.DismissalPattern, bool) {
	loc := ""
	if c.Location != nil {
		loc = *c.Location
	}
	tokens := CandidateTokens(c.Title, loc, c.URL)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.patterns {
		if containsAll(tokens, p.Tokens) {
			return p, true
		}
	}
	return models.DismissalPattern{}, false
}

// CandidateTokens is the token set patterns are matched against: salient
// title words, place tokens and the registrable domain.
func CandidateTokens(title, location, rawURL string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range identity.Tokenize(title) {
		set[t] = true
	}
	for _, t := range identity.LocationTokens(location) {
		set[t] = true
	}
	if d := identity.Domain(rawURL); d != "" {
		set[d] = true
	}
	return set
}

func containsAll(set map[string]bool, tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	for _, t := range tokens {
		if !set[t] {
			return false
		}
	}
	return true
}
