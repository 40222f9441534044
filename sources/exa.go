package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"edge_finder/models"
)

const exaEndpoint = "https://api.exa.ai/search"

// ExaProvider searches via the Exa neural search API.
type ExaProvider struct {
	apiKey     string
	endpoint   string
	client     *http.Client
	numResults int
	lookback   time.Duration
	now        func() time.Time
}

func NewExaProvider(apiKey string, client *http.Client, numResults int, lookback time.Duration) *ExaProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if numResults <= 0 {
		numResults = 5
	}
	if lookback <= 0 {
		lookback = 90 * 24 * time.Hour
	}
	return &ExaProvider{
		apiKey:     apiKey,
		endpoint:   exaEndpoint,
		client:     client,
		numResults: numResults,
		lookback:   lookback,
		now:        time.Now,
	}
}

func (p *ExaProvider) Name() string { return "exa" }

type exaRequest struct {
	Query              string      `json:"query"`
	NumResults         int         `json:"numResults"`
	StartPublishedDate string      `json:"startPublishedDate"`
	Contents           exaContents `json:"contents"`
}

type exaContents struct {
	Text exaText `json:"text"`
}

type exaText struct {
	MaxCharacters int `json:"maxCharacters"`
}

type exaResponse struct {
	Results []struct {
		URL           string `json:"url"`
		Title         string `json:"title"`
		Text          string `json:"text"`
		Author        string `json:"author"`
		Image         string `json:"image"`
		PublishedDate string `json:"publishedDate"`
	} `json:"results"`
}

func (p *ExaProvider) Search(ctx context.Context, q models.QuerySpec) ([]models.Candidate, error) {
	body, err := json.Marshal(exaRequest{
		Query:              q.Text,
		NumResults:         p.numResults,
		StartPublishedDate: p.now().Add(-p.lookback).UTC().Format("2006-01-02T15:04:05.000Z"),
		Contents:           exaContents{Text: exaText{MaxCharacters: 1500}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exa returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed exaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode exa response: %w", err)
	}

	out := make([]models.Candidate, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		c := models.Candidate{
			URL:        strings.TrimSpace(r.URL),
			Title:      strings.TrimSpace(r.Title),
			Snippet:    r.Text,
			SourceHint: r.Author,
			ImageURL:   optional(r.Image),
		}
		if t, ok := parseDate(r.PublishedDate); ok {
			c.PublishedAt = &t
		}
		out = append(out, c)
	}
	return out, nil
}
