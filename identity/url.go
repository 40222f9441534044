package identity

import (
	"errors"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var ErrInvalidURL = errors.New("invalid url")

var trackingParams = map[string]bool{
	"gclid":    true,
	"fbclid":   true,
	"msclkid":  true,
	"mc_cid":   true,
	"mc_eid":   true,
	"ref":      true,
	"ref_src":  true,
	"_hsenc":   true,
	"_hsmi":    true,
	"igshid":   true,
	"yclid":    true,
	"dclid":    true,
	"spm":      true,
	"cmpid":    true,
	"trk":      true,
	"trackid":  true,
	"share_id": true,
}

func isTrackingParam(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "utm_") || trackingParams[k]
}

// NormalizeURL returns the canonical form used as the deduplication key:
// https scheme, lowercased host without "www." or default port, tracking
// parameters removed, remaining parameters sorted, no fragment and no
// trailing slash.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Join(ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrInvalidURL
	}
	host := hostOf(u)
	if host == "" || !strings.Contains(host, ".") {
		return "", ErrInvalidURL
	}

	q := u.Query()
	for key := range q {
		if isTrackingParam(key) {
			q.Del(key)
		}
	}

	normalized := "https://" + host + strings.TrimRight(u.EscapedPath(), "/")
	if enc := q.Encode(); enc != "" {
		normalized += "?" + enc
	}
	return normalized, nil
}

func hostOf(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "www.")
	port := u.Port()
	if port != "" && port != "80" && port != "443" {
		host = net.JoinHostPort(host, port)
	}
	return host
}

// Host returns the lowercased host of a URL with "www." removed, or "" if
// the URL cannot be parsed.
func Host(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	h := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(h, "www.")
}

// Domain returns the registrable domain (eTLD+1) of a URL, falling back to
// the bare host when the public suffix list has no answer.
func Domain(raw string) string {
	host := Host(raw)
	if host == "" {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}
