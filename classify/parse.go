package classify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// flexNumber accepts a JSON number or a numeric string. Anything else leaves
// it unset instead of failing the whole answer.
type flexNumber struct {
	v *float64
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		n.v = &f
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	s = strings.NewReplacer(",", "", "$", "", "~", "").Replace(strings.TrimSpace(s))
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		n.v = &f
	}
	return nil
}

// Bounds past which a number is treated as absent rather than converted.
const (
	maxBeds     = 100000
	maxRawScore = 1e6
	maxPrice    = 1e12
)

type wireResult struct {
	Availability string          `json:"availability"`
	IsListing    bool            `json:"is_listing"`
	PropertyType string          `json:"property_type"`
	Confidence   flexNumber      `json:"confidence"`
	Reason       string          `json:"reason"`
	Price        json.RawMessage `json:"price"`
	Beds         flexNumber      `json:"beds"`
	Acreage      flexNumber      `json:"acreage"`
	YearBuilt    flexNumber      `json:"year_built"`
	Score        flexNumber      `json:"score"`
	Summary      string          `json:"summary"`
}

// ParseResult decodes a model answer. The JSON object may be wrapped in
// prose or a code fence.
func ParseResult(content string) (Result, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Result{}, malformed(errors.New("no JSON object in response"))
	}

	var w wireResult
	if err := json.Unmarshal([]byte(content[start:end+1]), &w); err != nil {
		return Result{}, malformed(fmt.Errorf("decode response: %w", err))
	}

	avail, ok := parseAvailability(strings.ToLower(strings.TrimSpace(w.Availability)))
	if !ok {
		return Result{}, malformed(fmt.Errorf("unknown availability %q", w.Availability))
	}

	r := Result{
		Availability: avail,
		IsListing:    w.IsListing,
		PropertyType: strings.ToLower(strings.TrimSpace(w.PropertyType)),
		Reason:       strings.TrimSpace(w.Reason),
		Price:        parsePrice(w.Price),
		Acreage:      positive(w.Acreage.v),
	}
	if w.Confidence.v != nil && !math.IsNaN(*w.Confidence.v) {
		r.Confidence = math.Max(0, math.Min(1, *w.Confidence.v))
	}
	if v := positive(w.Beds.v); v != nil && *v <= maxBeds {
		beds := int(math.Round(*v))
		r.Beds = &beds
	}
	if v := w.YearBuilt.v; v != nil && *v >= 1600 && *v <= 2100 {
		year := int(*v)
		r.YearBuilt = &year
	}
	if v := w.Score.v; v != nil && math.Abs(*v) <= maxRawScore {
		score := int(math.Round(*v))
		r.Score = &score
	}
	if s := strings.TrimSpace(w.Summary); s != "" {
		r.Summary = &s
	}
	return r, nil
}

func parsePrice(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "unknown") {
			return nil
		}
		return &s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil && f > 0 && f <= maxPrice {
		s := "$" + formatThousands(int64(f))
		return &s
	}
	return nil
}

func formatThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func positive(v *float64) *float64 {
	if v == nil || *v <= 0 || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}
