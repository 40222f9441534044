package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

var (
	stateNames = map[string]string{
		"alabama": "al", "alaska": "ak", "arizona": "az", "arkansas": "ar",
		"california": "ca", "colorado": "co", "connecticut": "ct", "delaware": "de",
		"florida": "fl", "georgia": "ga", "hawaii": "hi", "idaho": "id",
		"illinois": "il", "indiana": "in", "iowa": "ia", "kansas": "ks",
		"kentucky": "ky", "louisiana": "la", "maine": "me", "maryland": "md",
		"massachusetts": "ma", "michigan": "mi", "minnesota": "mn", "mississippi": "ms",
		"missouri": "mo", "montana": "mt", "nebraska": "ne", "nevada": "nv",
		"ohio": "oh", "oklahoma": "ok", "oregon": "or", "pennsylvania": "pa",
		"tennessee": "tn", "texas": "tx", "utah": "ut", "vermont": "vt",
		"virginia": "va", "washington": "wa", "wisconsin": "wi", "wyoming": "wy",
	}
	twoWordStates = map[string]string{
		"new hampshire": "nh", "new jersey": "nj", "new mexico": "nm", "new york": "ny",
		"north carolina": "nc", "north dakota": "nd", "rhode island": "ri",
		"south carolina": "sc", "south dakota": "sd", "west virginia": "wv",
	}

	stopwords = map[string]bool{
		"the": true, "and": true, "for": true, "with": true, "from": true,
		"sale": true, "into": true, "this": true, "that": true, "near": true,
		"acres": true, "acre": true, "former": true, "property": true, "properties": true,
		"listing": true, "available": true, "new": true, "unknown": true, "location": true,
		"its": true, "are": true, "was": true, "has": true, "will": true, "now": true,
	}

	// PropertyTypes is the vocabulary of property kinds that dismissal
	// patterns key on first.
	PropertyTypes = map[string]bool{
		"resort": true, "camp": true, "college": true, "campus": true, "university": true,
		"hotel": true, "motel": true, "lodge": true, "inn": true, "retreat": true,
		"monastery": true, "convent": true, "seminary": true, "abbey": true,
		"school": true, "academy": true, "dormitory": true, "dorm": true,
		"ranch": true, "farm": true, "estate": true, "mansion": true, "castle": true,
		"hospital": true, "sanatorium": true, "asylum": true, "church": true,
		"marina": true, "golf": true, "ski": true, "spa": true, "winery": true,
		"warehouse": true, "office": true, "mall": true, "factory": true, "mill": true,
	}

	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^a-z0-9\s]`)
	digitsRegex     = regexp.MustCompile(`^[0-9]+$`)
)

// Tokenize lowercases text and splits it into salient word tokens, dropping
// stopwords, numbers and very short words. Simple plurals are folded so
// "Resorts" and "Resort" yield the same token. Order of first appearance is
// kept and duplicates are removed.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	text = nonAlnumRegex.ReplaceAllString(text, " ")
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(text) {
		if len(w) < 3 || digitsRegex.MatchString(w) || stopwords[w] {
			continue
		}
		w = singular(w)
		if stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func singular(w string) string {
	if len(w) <= 4 || !strings.HasSuffix(w, "s") {
		return w
	}
	for _, keep := range []string{"ss", "us", "is", "as", "os"} {
		if strings.HasSuffix(w, keep) {
			return w
		}
	}
	return strings.TrimSuffix(w, "s")
}

// NormalizeLocation canonicalizes a free-text location the way addresses are
// normalized: lowercase, punctuation stripped, state names folded to their
// two-letter code.
func NormalizeLocation(loc string) string {
	loc = strings.ToLower(strings.TrimSpace(loc))
	loc = nonAlnumRegex.ReplaceAllString(loc, " ")
	loc = multiSpaceRegex.ReplaceAllString(loc, " ")
	for full, abbrev := range twoWordStates {
		loc = replaceWord(loc, full, abbrev)
	}
	words := strings.Fields(loc)
	for i, w := range words {
		if abbrev, ok := stateNames[w]; ok {
			words[i] = abbrev
		}
	}
	return strings.Join(words, " ")
}

func replaceWord(s, old, repl string) string {
	padded := " " + s + " "
	padded = strings.ReplaceAll(padded, " "+old+" ", " "+repl+" ")
	return strings.TrimSpace(padded)
}

// LocationTokens returns the place tokens of a location. Two-letter state
// codes are kept even though Tokenize would drop them as too short.
func LocationTokens(loc string) []string {
	norm := NormalizeLocation(loc)
	if norm == "" || norm == "location unknown" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(norm) {
		if seen[w] || digitsRegex.MatchString(w) {
			continue
		}
		if len(w) < 2 || (len(w) == 2 && !IsStateCode(w)) {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// IsStateCode reports whether s is a lowercase US state abbreviation.
func IsStateCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, code := range stateNames {
		if code == s {
			return true
		}
	}
	for _, code := range twoWordStates {
		if code == s {
			return true
		}
	}
	return false
}

// SortedKey joins tokens in sorted order so equivalent token sets produce
// the same key.
func SortedKey(tokens []string) string {
	cp := append([]string(nil), tokens...)
	sort.Strings(cp)
	return strings.Join(cp, "+")
}

// ContentHash fingerprints a fetched page body.
func ContentHash(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:16])
}
