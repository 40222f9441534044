package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge_finder/classify"
	"edge_finder/fetch"
	"edge_finder/models"
	"edge_finder/notify"
	"edge_finder/services"
	"edge_finder/sources"
	"edge_finder/storage"
)

type fakeProvider struct {
	hits []models.Candidate
	err  error
}

func (p *fakeProvider) Name() string { return "exa" }

func (p *fakeProvider) Search(ctx context.Context, q models.QuerySpec) ([]models.Candidate, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.hits, nil
}

type pageFetcher struct{}

func (pageFetcher) Fetch(ctx context.Context, url string) (*fetch.Page, error) {
	return &fetch.Page{URL: url, FinalURL: url, StatusCode: 200, Text: "Camp for sale", ContentHash: "abc"}, nil
}

type staticClassifier struct {
	mu    sync.Mutex
	calls int
	res   classify.Result
}

func (c *staticClassifier) Classify(ctx context.Context, req classify.Request) (classify.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.res, nil
}

type memRuns struct {
	mu   sync.Mutex
	runs []models.PipelineRun
	logs []string
}

func (m *memRuns) CreateRun(run *models.PipelineRun) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return int64(len(m.runs)), nil
}

func (m *memRuns) UpdateRun(run *models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID-1] = *run
	return nil
}

func (m *memRuns) Log(runID *int64, level models.LogLevel, message, component string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, message)
	return nil
}

type harness struct {
	orch       *Orchestrator
	store      *storage.MemoryStore
	filter     *services.ExclusionFilter
	classifier *staticClassifier
	runs       *memRuns
	events     *notify.Recorder
}

func newHarness(provider *fakeProvider) *harness {
	store := storage.NewMemoryStore()
	filter := services.NewExclusionFilter()
	agg := sources.NewAggregator(map[string]sources.Provider{"exa": provider}, 2)
	orch := NewOrchestrator(nil, agg, services.NewIngestService(store, filter), store)

	classifier := &staticClassifier{res: classify.Result{
		Availability: classify.Available, IsListing: true, Confidence: 0.9, Reason: "active listing",
	}}
	cfg := services.DefaultVerifierConfig()
	orch.SetVerifier(services.NewVerifier(store, pageFetcher{}, classifier, cfg))

	runs := &memRuns{}
	events := &notify.Recorder{}
	orch.SetRunStore(runs)
	orch.SetPublisher(events)

	return &harness{orch: orch, store: store, filter: filter, classifier: classifier, runs: runs, events: events}
}

func campSpecs() []models.QuerySpec {
	return []models.QuerySpec{{Text: "lakefront camp for sale", Provider: "exa", DiscoveredVia: "exa_test"}}
}

func campHits() []models.Candidate {
	return []models.Candidate{
		{URL: "https://loopnet.com/camp-1", Title: "Lakefront Camp"},
		{URL: "https://www.loopnet.com/camp-1?utm_source=exa", Title: "Lakefront Camp"},
		{URL: "https://crexi.com/hotel-9", Title: "Downtown Hotel"},
		{URL: "https://localhost/x", Title: "Local test page"},
		{URL: "", Title: "no url at all"},
	}
}

func TestRunPipeline_Summary(t *testing.T) {
	h := newHarness(&fakeProvider{hits: campHits()})
	h.filter.Add(models.DismissalPattern{
		Key: "too_expensive:hotel", Reason: models.DismissTooExpensive, Tokens: []string{"hotel"},
	})

	summary, err := h.orch.RunPipeline(context.Background(), RunRequest{Specs: campSpecs(), Verify: true})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.QueriesIssued)
	assert.Equal(t, 0, summary.QueriesFailed)
	assert.Equal(t, 4, summary.CandidatesSeen, "the hit without a URL never leaves the aggregator")
	assert.Equal(t, 1, summary.Discovered)
	assert.Equal(t, 1, summary.Merged)
	assert.Equal(t, 1, summary.Suppressed)
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 1, summary.Verified)
	assert.Equal(t, 1, summary.Qualified)
	assert.Equal(t, 1, h.classifier.calls)

	p, err := h.store.GetByURL(context.Background(), "https://loopnet.com/camp-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageQualified, p.FunnelStage)
	assert.Len(t, p.SourceHistory, 2)

	require.Len(t, h.runs.runs, 1)
	assert.Equal(t, models.RunStatusCompleted, h.runs.runs[0].Status)
	assert.Equal(t, summary, h.runs.runs[0].Summary)
	assert.NotNil(t, h.runs.runs[0].FinishedAt)

	var finished []notify.Event
	for _, ev := range h.events.Events() {
		if ev.Channel == notify.ChannelRunFinished {
			finished = append(finished, ev)
		}
	}
	require.Len(t, finished, 1)
	assert.Equal(t, int64(1), finished[0].RunID)
}

func TestRunPipeline_WithoutVerify(t *testing.T) {
	h := newHarness(&fakeProvider{hits: campHits()[:1]})

	summary, err := h.orch.RunPipeline(context.Background(), RunRequest{Specs: campSpecs()})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Discovered)
	assert.Zero(t, summary.Verified)
	assert.Zero(t, h.classifier.calls)

	p, err := h.store.GetByURL(context.Background(), "https://loopnet.com/camp-1")
	require.NoError(t, err)
	assert.Equal(t, models.StageDiscovered, p.FunnelStage)
}

func TestRunPipeline_AllProvidersFailed(t *testing.T) {
	h := newHarness(&fakeProvider{err: errors.New("quota exceeded")})

	summary, err := h.orch.RunPipeline(context.Background(), RunRequest{Specs: campSpecs(), Verify: true})
	require.ErrorIs(t, err, sources.ErrAllProvidersFailed)
	assert.Equal(t, 1, summary.QueriesFailed)
	assert.Zero(t, h.classifier.calls)

	require.Len(t, h.runs.runs, 1)
	assert.Equal(t, models.RunStatusFailed, h.runs.runs[0].Status)
	assert.NotEmpty(t, h.runs.runs[0].Error)
}

// downStore accepts reads but fails every discovery write.
type downStore struct {
	*storage.MemoryStore
}

func (downStore) UpsertDiscovered(ctx context.Context, p *models.Property) (*models.Property, bool, error) {
	return nil, false, errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

func TestRunPipeline_StoreDownFailsRun(t *testing.T) {
	down := downStore{storage.NewMemoryStore()}
	agg := sources.NewAggregator(map[string]sources.Provider{"exa": &fakeProvider{hits: campHits()}}, 2)
	orch := NewOrchestrator(nil, agg, services.NewIngestService(down, nil), down)
	runs := &memRuns{}
	orch.SetRunStore(runs)

	summary, err := orch.RunPipeline(context.Background(), RunRequest{Specs: campSpecs(), Verify: true})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, summary.IngestErrors, "both camp variants and the hotel reach the store")
	assert.Equal(t, 1, summary.Rejected)
	assert.Zero(t, summary.Discovered)

	require.Len(t, runs.runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs.runs[0].Status)
	assert.Contains(t, runs.runs[0].Error, "record store unavailable")
}

// cancellingClassifier cancels the run on its first call.
type cancellingClassifier struct {
	staticClassifier
	cancel context.CancelFunc
}

func (c *cancellingClassifier) Classify(ctx context.Context, req classify.Request) (classify.Result, error) {
	c.cancel()
	return c.staticClassifier.Classify(ctx, req)
}

func TestRunPipeline_CancelledDuringVerifyCountsSkipped(t *testing.T) {
	h := newHarness(&fakeProvider{hits: []models.Candidate{
		{URL: "https://loopnet.com/camp-1", Title: "Lakefront Camp"},
		{URL: "https://crexi.com/hotel-9", Title: "Downtown Hotel"},
	}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	classifier := &cancellingClassifier{cancel: cancel}
	classifier.res = classify.Result{Availability: classify.Available, IsListing: true, Confidence: 0.9}
	cfg := services.DefaultVerifierConfig()
	cfg.Concurrency = 1
	h.orch.SetVerifier(services.NewVerifier(h.store, pageFetcher{}, classifier, cfg))

	summary, err := h.orch.RunPipeline(ctx, RunRequest{Specs: campSpecs(), Verify: true})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, summary.Discovered)
	assert.Equal(t, 1, summary.Verified)
	assert.Equal(t, 1, summary.VerifySkipped)

	require.Len(t, h.runs.runs, 1)
	assert.Equal(t, models.RunStatusCancelled, h.runs.runs[0].Status)
	assert.Equal(t, 1, h.runs.runs[0].Summary.VerifySkipped)
}

func TestRunPipeline_NoQueries(t *testing.T) {
	h := newHarness(&fakeProvider{})
	_, err := h.orch.RunPipeline(context.Background(), RunRequest{})
	assert.ErrorIs(t, err, ErrNoQueries)
	assert.Empty(t, h.runs.runs)
}

func TestRunPipeline_ManualQueryWithoutCatalog(t *testing.T) {
	h := newHarness(&fakeProvider{hits: campHits()[:1]})
	summary, err := h.orch.RunPipeline(context.Background(), RunRequest{Query: "abandoned summer camp"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Discovered)

	p, err := h.store.GetByURL(context.Background(), "https://loopnet.com/camp-1")
	require.NoError(t, err)
	assert.Equal(t, "manual", p.DiscoveredVia)
}

func TestClassifyOne(t *testing.T) {
	h := newHarness(&fakeProvider{hits: campHits()[:1]})
	_, err := h.orch.RunPipeline(context.Background(), RunRequest{Specs: campSpecs()})
	require.NoError(t, err)
	p, err := h.store.GetByURL(context.Background(), "https://loopnet.com/camp-1")
	require.NoError(t, err)

	got, err := h.orch.ClassifyOne(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageQualified, got.FunnelStage)
	assert.NotNil(t, got.LastVerifiedAt)

	disabled := NewOrchestrator(nil, nil, nil, h.store)
	_, err = disabled.ClassifyOne(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrVerifyDisabled)
}

func TestHandleCommand_PauseResume(t *testing.T) {
	h := newHarness(&fakeProvider{hits: campHits()[:1]})
	ctx := context.Background()
	params, _ := json.Marshal(models.CommandParams{Query: "camp", NoVerify: true})

	require.NoError(t, h.orch.HandleCommand(ctx, &models.Command{Command: models.CmdPause}))
	assert.True(t, h.orch.IsPaused())
	require.NoError(t, h.orch.HandleCommand(ctx, &models.Command{Command: models.CmdRunPipeline, Params: params}))
	assert.Empty(t, h.runs.runs, "paused pipeline ignores run commands")
	require.NoError(t, h.orch.RunScheduled(ctx))
	assert.Empty(t, h.runs.runs)

	require.NoError(t, h.orch.HandleCommand(ctx, &models.Command{Command: models.CmdResume}))
	require.NoError(t, h.orch.HandleCommand(ctx, &models.Command{Command: models.CmdRunPipeline, Params: params}))
	require.Len(t, h.runs.runs, 1)
	assert.Zero(t, h.classifier.calls)

	bad, _ := json.Marshal(models.CommandParams{PropertyID: "nope"})
	assert.Error(t, h.orch.HandleCommand(ctx, &models.Command{Command: models.CmdClassifyOne, Params: bad}))
}
