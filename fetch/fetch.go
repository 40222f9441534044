// Package fetch retrieves listing pages for verification and reduces them to
// the text a classifier needs.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"edge_finder/identity"
)

// ErrFetchFailed covers every way a page can be unreachable: network errors,
// timeouts and non-2xx responses.
var ErrFetchFailed = errors.New("page fetch failed")

const (
	maxBodyBytes = 4 << 20
	maxTextRunes = 12000
)

type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Title       string
	Text        string
	ImageURL    string
	Body        []byte
	ContentType string
	ContentHash string
	FetchedAt   time.Time
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// StatusError is wrapped into ErrFetchFailed for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("HTTP %d", e.Code) }

type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, &StatusError{Code: resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}

	page, err := ParseHTML(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	page.URL = url
	page.FinalURL = resp.Request.URL.String()
	page.StatusCode = resp.StatusCode
	page.ContentType = resp.Header.Get("Content-Type")
	page.FetchedAt = time.Now()
	return page, nil
}

// ParseHTML extracts the title, visible text and lead image from a page.
func ParseHTML(body []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	page := &Page{Body: body, ContentHash: identity.ContentHash(body)}

	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if og := metaContent(doc, "og:title"); og != "" {
		page.Title = og
	}
	page.ImageURL = metaContent(doc, "og:image")

	doc.Find("script, style, noscript, svg, iframe").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if text == "" {
		text = metaContent(doc, "og:description")
	}
	page.Text = capRunes(text, maxTextRunes)

	return page, nil
}

func metaContent(doc *goquery.Document, property string) string {
	sel := doc.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, property, property)).First()
	content, _ := sel.Attr("content")
	return strings.TrimSpace(content)
}

func capRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
