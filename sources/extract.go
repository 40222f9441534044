package sources

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"edge_finder/models"
)

const (
	untitled        = "Untitled Property"
	maxSnippetRunes = 500
)

var usStates = []string{
	"AL", "AK", "AZ", "AR", "CA", "CO", "CT", "DE", "FL", "GA", "HI", "ID", "IL",
	"IN", "IA", "KS", "KY", "LA", "ME", "MD", "MA", "MI", "MN", "MS", "MO", "MT",
	"NE", "NV", "NH", "NJ", "NM", "NY", "NC", "ND", "OH", "OK", "OR", "PA", "RI",
	"SC", "SD", "TN", "TX", "UT", "VT", "VA", "WA", "WV", "WI", "WY",
}

var (
	cityStateRe = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s[A-Z][a-z]+)?),\s*([A-Z]{2})\b`)
	priceRes    = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\$[\d,]+(?:\.\d+)?(?:\s*(?:million|M))?`),
		regexp.MustCompile(`(?i)asking\s+\$[\d,]+`),
		regexp.MustCompile(`(?i)listed\s+(?:at|for)\s+\$[\d,]+`),
	}
)

// ExtractLocation finds a "City, ST" pair in the title or text, falling back
// to a bare state code. ok is false when nothing recognisable is present.
func ExtractLocation(text, title string) (string, bool) {
	combined := title + " " + text

	for _, m := range cityStateRe.FindAllStringSubmatch(combined, -1) {
		if isState(m[2]) {
			return m[1] + ", " + m[2], true
		}
	}

	for _, st := range usStates {
		if strings.Contains(combined, " "+st+" ") || strings.HasSuffix(combined, " "+st) {
			return st, true
		}
	}
	return "", false
}

// ExtractPrice returns the first price-looking phrase in text.
func ExtractPrice(text string) (string, bool) {
	for _, re := range priceRes {
		if m := re.FindString(text); m != "" {
			return m, true
		}
	}
	return "", false
}

// SourceChannel infers the channel from the URL, then from the query's own
// channel, then from how it was discovered. News is the fallback.
func SourceChannel(rawURL string, q models.QuerySpec) models.SourceChannel {
	u := strings.ToLower(rawURL)
	switch {
	case containsAny(u, "loopnet", "crexi", "landwatch", "landsofamerica"):
		return models.ChannelListing
	case containsAny(u, "auction.com", "ten-x", "hubzu"):
		return models.ChannelAuction
	case containsAny(u, "news", "journal", "times", "post", "herald", "nytimes", "wsj"):
		return models.ChannelNews
	}
	if q.Channel != "" {
		return q.Channel
	}
	if containsAny(q.DiscoveredVia, "legal", "foreclosure") {
		return models.ChannelForeclosure
	}
	return models.ChannelNews
}

func isState(code string) bool {
	for _, st := range usStates {
		if st == code {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// truncate cuts s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02", time.RFC1123, time.RFC1123Z} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
