package sources

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"edge_finder/config"
	"edge_finder/models"
)

var (
	// ErrProviderUnavailable marks a failed query. It is isolated to that
	// query and never aborts the run.
	ErrProviderUnavailable = errors.New("discovery provider unavailable")
	// ErrAllProvidersFailed is returned when no query of a run succeeded.
	ErrAllProvidersFailed = errors.New("all discovery queries failed")
)

// Provider issues one search and returns raw hits as candidates. Only URL,
// Title, Snippet, SourceHint, ImageURL and PublishedAt are expected to be set;
// the aggregator fills in the rest.
type Provider interface {
	Name() string
	Search(ctx context.Context, q models.QuerySpec) ([]models.Candidate, error)
}

// ProviderError records which provider and query failed.
type ProviderError struct {
	Provider string
	Query    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s search %q: %v", e.Provider, e.Query, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProviderUnavailable }

// NewProviders builds every provider that has credentials. Providers without
// an API key are left out, so queries naming them fail individually.
func NewProviders(cfg config.SearchConfig, client *http.Client) map[string]Provider {
	providers := make(map[string]Provider)
	for _, name := range []string{"exa", "tavily"} {
		p := newProvider(name, cfg, client)
		if p == nil {
			log.Printf("Sources: %s not configured, skipping", name)
			continue
		}
		providers[name] = p
	}
	return providers
}

func newProvider(name string, cfg config.SearchConfig, client *http.Client) Provider {
	switch name {
	case "exa":
		if cfg.ExaAPIKey == "" {
			return nil
		}
		return NewExaProvider(cfg.ExaAPIKey, client, cfg.NumResults, time.Duration(cfg.LookbackDays)*24*time.Hour)
	case "tavily":
		if cfg.TavilyAPIKey == "" {
			return nil
		}
		return NewTavilyProvider(cfg.TavilyAPIKey, client, cfg.NumResults)
	default:
		return nil
	}
}
