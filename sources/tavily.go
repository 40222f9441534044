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

const tavilyEndpoint = "https://api.tavily.com/search"

// TavilyProvider searches via the Tavily search API, mostly for news.
type TavilyProvider struct {
	apiKey     string
	endpoint   string
	client     *http.Client
	numResults int
}

func NewTavilyProvider(apiKey string, client *http.Client, numResults int) *TavilyProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if numResults <= 0 {
		numResults = 5
	}
	return &TavilyProvider{apiKey: apiKey, endpoint: tavilyEndpoint, client: client, numResults: numResults}
}

func (p *TavilyProvider) Name() string { return "tavily" }

type tavilyRequest struct {
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		URL           string  `json:"url"`
		Title         string  `json:"title"`
		Content       string  `json:"content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
	} `json:"results"`
}

func (p *TavilyProvider) Search(ctx context.Context, q models.QuerySpec) ([]models.Candidate, error) {
	body, err := json.Marshal(tavilyRequest{
		Query:       q.Text,
		SearchDepth: "advanced",
		MaxResults:  p.numResults,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

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
		return nil, fmt.Errorf("tavily returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed tavilyResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode tavily response: %w", err)
	}

	out := make([]models.Candidate, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		c := models.Candidate{
			URL:     strings.TrimSpace(r.URL),
			Title:   strings.TrimSpace(r.Title),
			Snippet: r.Content,
		}
		if t, ok := parseDate(r.PublishedDate); ok {
			c.PublishedAt = &t
		}
		out = append(out, c)
	}
	return out, nil
}
