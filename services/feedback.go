package services

import (
	"sort"
	"time"

	"edge_finder/identity"
	"edge_finder/models"
)

// FeedbackExtractor derives an exclusion pattern from a manual dismissal.
//
// Tokens per reason:
//
//	too_expensive, too_small,     property-type words in the title, else the
//	not_relevant, other           first two salient title words
//	wrong_location                place tokens of the location, else domain
//	                              plus up to three salient title words
//	not_a_listing                 registrable domain
//	already_sold                  domain plus up to three salient title words
//	duplicate                     nothing
//
// Only not_a_listing keys on the domain alone, since such a pattern
// suppresses every candidate from the site. Any other reason with no title
// or location words to key on learns nothing.
//
// The key is "reason:" followed by the sorted tokens joined with "+".
type FeedbackExtractor struct {
	now func() time.Time
}

func NewFeedbackExtractor() *FeedbackExtractor {
	return &FeedbackExtractor{now: time.Now}
}

func (e *FeedbackExtractor) Extract(reason models.DismissReason, title, location, rawURL string) (models.DismissalPattern, bool) {
	tokens := patternTokens(reason, title, location, rawURL)
	if len(tokens) == 0 {
		return models.DismissalPattern{}, false
	}
	sort.Strings(tokens)
	return models.DismissalPattern{
		Key:       PatternKey(reason, tokens),
		Reason:    reason,
		Tokens:    tokens,
		CreatedAt: e.now(),
	}, true
}

func PatternKey(reason models.DismissReason, tokens []string) string {
	return string(reason) + ":" + identity.SortedKey(tokens)
}

func patternTokens(reason models.DismissReason, title, location, rawURL string) []string {
	domain := identity.Domain(rawURL)
	titleTokens := identity.Tokenize(title)

	switch reason {
	case models.DismissDuplicate:
		return nil

	case models.DismissNotAListing:
		if domain == "" {
			return nil
		}
		return []string{domain}

	case models.DismissWrongLocation:
		if place := identity.LocationTokens(location); len(place) > 0 {
			return place
		}
		return onDomain(domain, titleTokens)

	case models.DismissAlreadySold:
		return onDomain(domain, titleTokens)

	default:
		var types []string
		for _, t := range titleTokens {
			if identity.PropertyTypes[t] {
				types = append(types, t)
			}
		}
		if len(types) == 0 {
			types = firstN(titleTokens, 2)
		}
		return types
	}
}

// onDomain scopes up to three title words to the domain. It returns nil
// without title words.
func onDomain(domain string, titleTokens []string) []string {
	if len(titleTokens) == 0 {
		return nil
	}
	var out []string
	if domain != "" {
		out = append(out, domain)
	}
	return append(out, firstN(titleTokens, 3)...)
}

func firstN(tokens []string, n int) []string {
	if len(tokens) > n {
		tokens = tokens[:n]
	}
	return append([]string(nil), tokens...)
}
