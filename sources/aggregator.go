package sources

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"edge_finder/models"
)

var validate = validator.New()

// QueryResult is the outcome of one query within a run.
type QueryResult struct {
	Query     models.QuerySpec
	Hits      int // raw hits returned by the provider
	Delivered int // candidates handed to the consumer
	Invalid   int // hits dropped by candidate validation
	Err       error
}

// Report summarises a finished stream.
type Report struct {
	Queries []QueryResult
}

func (r Report) Failed() int {
	n := 0
	for _, q := range r.Queries {
		if q.Err != nil {
			n++
		}
	}
	return n
}

func (r Report) Delivered() int {
	n := 0
	for _, q := range r.Queries {
		n += q.Delivered
	}
	return n
}

func (r Report) Invalid() int {
	n := 0
	for _, q := range r.Queries {
		n += q.Invalid
	}
	return n
}

// err is the run-level verdict: only a run in which every query failed is an
// error. Cancellation before any query succeeded surfaces as ctx.Err().
func (r Report) err(ctx context.Context) error {
	if len(r.Queries) == 0 || r.Failed() < len(r.Queries) {
		return nil
	}
	var pe *ProviderError
	for _, q := range r.Queries {
		if errors.As(q.Err, &pe) {
			return fmt.Errorf("%w: %d queries", ErrAllProvidersFailed, len(r.Queries))
		}
	}
	return ctx.Err()
}

// Aggregator fans queries out to providers and streams normalized candidates.
type Aggregator struct {
	providers   map[string]Provider
	concurrency int
}

func NewAggregator(providers map[string]Provider, concurrency int) *Aggregator {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Aggregator{providers: providers, concurrency: concurrency}
}

// Stream is a lazy sequence of candidates. C is closed once every query has
// finished; Wait then returns the report.
type Stream struct {
	C <-chan models.Candidate

	done   chan struct{}
	report Report
	err    error
}

func (s *Stream) Wait() (Report, error) {
	<-s.done
	return s.report, s.err
}

// Stream starts the queries and returns immediately. The consumer must drain
// C or cancel ctx. Once ctx is cancelled no further query is started.
func (a *Aggregator) Stream(ctx context.Context, specs []models.QuerySpec) *Stream {
	out := make(chan models.Candidate)
	st := &Stream{C: out, done: make(chan struct{})}

	go func() {
		defer close(st.done)

		results := make([]QueryResult, len(specs))
		g := new(errgroup.Group)
		g.SetLimit(a.concurrency)

		for i, spec := range specs {
			if err := ctx.Err(); err != nil {
				results[i] = QueryResult{Query: spec, Err: err}
				continue
			}
			g.Go(func() error {
				results[i] = a.runQuery(ctx, spec, out)
				return nil
			})
		}
		_ = g.Wait()
		close(out)

		st.report = Report{Queries: results}
		st.err = st.report.err(ctx)
	}()

	return st
}

func (a *Aggregator) runQuery(ctx context.Context, spec models.QuerySpec, out chan<- models.Candidate) QueryResult {
	res := QueryResult{Query: spec}

	p, ok := a.providers[spec.Provider]
	if !ok {
		res.Err = &ProviderError{Provider: spec.Provider, Query: spec.Text, Err: errors.New("provider not configured")}
		log.Printf("Aggregator: %v", res.Err)
		return res
	}

	hits, err := p.Search(ctx, spec)
	if err != nil {
		res.Err = &ProviderError{Provider: p.Name(), Query: spec.Text, Err: err}
		log.Printf("Aggregator: %v", res.Err)
		return res
	}
	res.Hits = len(hits)

	for _, hit := range hits {
		c, err := normalizeCandidate(hit, spec)
		if err != nil {
			res.Invalid++
			log.Printf("Aggregator: dropping hit %q from %s: %v", hit.URL, p.Name(), err)
			continue
		}
		select {
		case out <- c:
			res.Delivered++
		case <-ctx.Done():
			return res
		}
	}
	return res
}

func normalizeCandidate(hit models.Candidate, spec models.QuerySpec) (models.Candidate, error) {
	c := hit
	c.URL = strings.TrimSpace(c.URL)
	c.Title = strings.TrimSpace(c.Title)
	if c.Title == "" {
		c.Title = untitled
	}
	if err := validate.Struct(c); err != nil {
		return models.Candidate{}, err
	}

	c.Query = spec
	c.Channel = SourceChannel(c.URL, spec)
	if c.Location == nil {
		if loc, ok := ExtractLocation(c.Snippet, c.Title); ok {
			c.Location = &loc
		}
	}
	if c.Price == nil {
		if price, ok := ExtractPrice(c.Snippet); ok {
			c.Price = &price
		}
	}
	c.Snippet = truncate(strings.TrimSpace(c.Snippet), maxSnippetRunes)
	return c, nil
}
