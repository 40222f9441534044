package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge_finder/classify"
	"edge_finder/fetch"
	"edge_finder/models"
	"edge_finder/storage"
)

// ── Fakes ──

type fakeFetcher struct {
	block    bool // wait for the fetch deadline
	err      error
	delay    time.Duration
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*fetch.Page, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	if f.block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", fetch.ErrFetchFailed, ctx.Err())
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &fetch.Page{
		URL:         url,
		FinalURL:    url,
		StatusCode:  200,
		Title:       "Listing",
		Text:        "Lakefront camp for sale. Asking $1.2 million.",
		ImageURL:    "https://img.example.com/lead.jpg",
		Body:        []byte("<html></html>"),
		ContentType: "text/html",
		ContentHash: "deadbeef",
	}, nil
}

type classifierFunc func(ctx context.Context, req classify.Request) (classify.Result, error)

func (f classifierFunc) Classify(ctx context.Context, req classify.Request) (classify.Result, error) {
	return f(ctx, req)
}

func fixed(r classify.Result) classifierFunc {
	return func(context.Context, classify.Request) (classify.Result, error) { return r, nil }
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (a *fakeArchiver) ArchivePage(_ context.Context, id uuid.UUID, hash string, _ []byte, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := storage.PageKey(id, hash)
	a.keys = append(a.keys, key)
	return key, nil
}

type fakeSnapshots struct {
	mu    sync.Mutex
	snaps []models.PageSnapshot
}

func (s *fakeSnapshots) CreatePageSnapshot(snap *models.PageSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, *snap)
	return nil
}

func testVerifierConfig() VerifierConfig {
	cfg := DefaultVerifierConfig()
	cfg.FetchTimeout = 50 * time.Millisecond
	cfg.ClassifyTimeout = time.Second
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func seed(t *testing.T, store *storage.MemoryStore, url, title string) *models.Property {
	t.Helper()
	c := campCandidate()
	c.URL = url
	c.Title = title
	res, err := NewIngestService(store, nil).Ingest(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, OutcomeInserted, res.Outcome)
	return res.Property
}

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

// ── Outcome mapping ──

func TestVerify_FetchTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	p := seed(t, store, "https://loopnet.com/x", "Former Camp, 40 acres")

	called := false
	v := NewVerifier(store, &fakeFetcher{block: true}, classifierFunc(func(context.Context, classify.Request) (classify.Result, error) {
		called = true
		return classify.Result{}, nil
	}), testVerifierConfig())

	out := v.Verify(context.Background(), p)
	require.NoError(t, out.Err)
	assert.False(t, called, "classifier must not run without a page")

	got, err := store.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VerifyInvalidURL, got.VerificationResult)
	assert.Equal(t, models.StageInteresting, got.FunnelStage)
	require.NotNil(t, got.LastVerifiedAt)
	require.NotNil(t, got.VerificationReason)
	assert.Contains(t, *got.VerificationReason, "deadline exceeded")
}

func TestVerify_SoldDismissesWithoutPattern(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	p := seed(t, store, "https://example.edu/news/campus", "Campus acquired")

	v := NewVerifier(store, &fakeFetcher{}, fixed(classify.Result{
		Availability: classify.Sold, Confidence: 0.95, Reason: "Bought by Vanderbilt",
	}), testVerifierConfig())

	out := v.Verify(ctx, p)
	require.NoError(t, out.Err)

	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDismissed, got.FunnelStage)
	assert.Equal(t, models.VerifySold, got.VerificationResult)
	require.NotNil(t, got.VerificationReason)
	assert.Equal(t, "Bought by Vanderbilt", *got.VerificationReason)
	require.NotNil(t, got.DismissedReason)
	assert.Equal(t, models.DismissAlreadySold, *got.DismissedReason)
	assert.Nil(t, got.DismissedPattern)

	patterns, err := store.ListPatterns(ctx)
	require.NoError(t, err)
	assert.Empty(t, patterns)

	last := got.StageHistory[len(got.StageHistory)-1]
	assert.Equal(t, models.ActorVerifier, last.Actor)
	assert.Equal(t, models.StageDismissed, last.To)
}

func TestVerify_QualifiedFillsExtractedFields(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	p := seed(t, store, "https://landwatch.com/camp/1", "Camp Wanakee")

	acres := 120.0
	v := NewVerifier(store, &fakeFetcher{}, fixed(classify.Result{
		Availability: classify.Available,
		IsListing:    true,
		Confidence:   0.9,
		Reason:       "Active listing",
		Price:        strp("$1,200,000"),
		Beds:         intp(240),
		Acreage:      &acres,
		Score:        intp(140),
		Summary:      strp("Turnkey camp near Denver."),
	}), testVerifierConfig())

	out := v.Verify(ctx, p)
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Attempts)

	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageQualified, got.FunnelStage)
	assert.Equal(t, models.VerifyAvailable, got.VerificationResult)
	assert.Equal(t, "$1,200,000", *got.Price)
	assert.Equal(t, 240, *got.BedCount)
	assert.Equal(t, 120.0, *got.Acreage)
	assert.Nil(t, got.YearBuilt)
	assert.Equal(t, 100, got.Score)
	assert.Equal(t, "Turnkey camp near Denver.", *got.AISummary)
	require.NotNil(t, got.ImageURL)
	assert.Equal(t, "https://img.example.com/lead.jpg", *got.ImageURL)
}

func TestVerify_Mapping(t *testing.T) {
	tests := []struct {
		name      string
		result    classify.Result
		wantStage models.FunnelStage
		wantOut   models.VerificationOutcome
	}{
		{"low confidence available", classify.Result{Availability: classify.Available, Confidence: 0.3}, models.StageInteresting, models.VerifyPending},
		{"news", classify.Result{Availability: classify.News, Confidence: 0.9}, models.StageInteresting, models.VerifyNotListing},
		{"upcoming", classify.Result{Availability: classify.Upcoming, Confidence: 0.9}, models.StageInteresting, models.VerifyNotListing},
		{"unknown", classify.Result{Availability: classify.Unknown, Confidence: 0.9}, models.StageInteresting, models.VerifyPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			p := seed(t, store, "https://example.com/a", "Resort")
			v := NewVerifier(store, &fakeFetcher{}, fixed(tt.result), testVerifierConfig())

			out := v.Verify(context.Background(), p)
			require.NoError(t, out.Err)
			assert.Equal(t, tt.wantStage, out.Stage)
			assert.Equal(t, tt.wantOut, out.Result)
		})
	}
}

func TestVerify_MalformedIsPending(t *testing.T) {
	store := storage.NewMemoryStore()
	p := seed(t, store, "https://example.com/a", "Resort")

	calls := 0
	v := NewVerifier(store, &fakeFetcher{}, classifierFunc(func(context.Context, classify.Request) (classify.Result, error) {
		calls++
		return classify.ParseResult("no json here")
	}), testVerifierConfig())

	out := v.Verify(context.Background(), p)
	require.NoError(t, out.Err)
	assert.Equal(t, 1, calls, "malformed answers are not retried")
	assert.Equal(t, models.VerifyPending, out.Result)
	assert.Equal(t, models.StageInteresting, out.Stage)
}

// ── Retry ──

func TestVerify_RetryExhaustedFailsOpen(t *testing.T) {
	store := storage.NewMemoryStore()
	p := seed(t, store, "https://example.com/a", "Resort")

	var calls atomic.Int32
	v := NewVerifier(store, &fakeFetcher{}, classifierFunc(func(context.Context, classify.Request) (classify.Result, error) {
		calls.Add(1)
		return classify.Result{}, &classify.Error{Kind: classify.KindTransient, Err: errors.New("429 too many requests")}
	}), testVerifierConfig())

	out := v.Verify(context.Background(), p)
	require.NoError(t, out.Err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 3, out.Attempts)

	got, err := store.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VerifyFailed, got.VerificationResult)
	assert.Equal(t, models.StageInteresting, got.FunnelStage)
	require.NotNil(t, got.LastVerifiedAt)
}

func TestVerify_TransientThenSuccess(t *testing.T) {
	store := storage.NewMemoryStore()
	p := seed(t, store, "https://example.com/a", "Resort")

	var calls atomic.Int32
	v := NewVerifier(store, &fakeFetcher{}, classifierFunc(func(context.Context, classify.Request) (classify.Result, error) {
		if calls.Add(1) < 3 {
			return classify.Result{}, &classify.Error{Kind: classify.KindTransient, Err: context.DeadlineExceeded}
		}
		return classify.Result{Availability: classify.Available, Confidence: 0.8}, nil
	}), testVerifierConfig())

	out := v.Verify(context.Background(), p)
	require.NoError(t, out.Err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, models.StageQualified, out.Stage)
}

func TestVerify_FatalIsNotRetried(t *testing.T) {
	store := storage.NewMemoryStore()
	p := seed(t, store, "https://example.com/a", "Resort")

	var calls atomic.Int32
	v := NewVerifier(store, &fakeFetcher{}, classifierFunc(func(context.Context, classify.Request) (classify.Result, error) {
		calls.Add(1)
		return classify.Result{}, &classify.Error{Kind: classify.KindFatal, Err: errors.New("401")}
	}), testVerifierConfig())

	out := v.Verify(context.Background(), p)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, models.VerifyFailed, out.Result)
	assert.Equal(t, models.StageInteresting, out.Stage)
}

// ── Concurrency ──

func TestVerify_ManualTransitionWins(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	p := seed(t, store, "https://example.com/a", "Resort")
	review := NewReviewService(store, store, nil)

	v := NewVerifier(store, &fakeFetcher{}, classifierFunc(func(ctx context.Context, _ classify.Request) (classify.Result, error) {
		_, err := review.Dismiss(ctx, p.ID, models.DismissNotRelevant, "")
		require.NoError(t, err)
		return classify.Result{Availability: classify.Available, Confidence: 0.99}, nil
	}), testVerifierConfig())

	out := v.Verify(ctx, p)
	assert.ErrorIs(t, out.Err, storage.ErrStageConflict)

	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDismissed, got.FunnelStage)
	assert.Equal(t, models.StatusArchived, got.Status)
}

func TestVerifyBatch_BoundedConcurrency(t *testing.T) {
	store := storage.NewMemoryStore()
	var props []models.Property
	for i := 0; i < 12; i++ {
		props = append(props, *seed(t, store, fmt.Sprintf("https://example.com/%d", i), "Resort"))
	}

	cfg := testVerifierConfig()
	cfg.Concurrency = 3
	ff := &fakeFetcher{delay: 10 * time.Millisecond}
	v := NewVerifier(store, ff, fixed(classify.Result{Availability: classify.Available, Confidence: 0.9}), cfg)

	stats := v.VerifyBatch(context.Background(), props)
	assert.Equal(t, 12, stats.Attempted)
	assert.Equal(t, 12, stats.Qualified)
	assert.LessOrEqual(t, ff.maxSeen.Load(), int32(3))
}

func TestVerifyBatch_CancelledStartsNothing(t *testing.T) {
	store := storage.NewMemoryStore()
	p := seed(t, store, "https://example.com/a", "Resort")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := NewVerifier(store, &fakeFetcher{}, fixed(classify.Result{Availability: classify.Available, Confidence: 0.9}), testVerifierConfig())
	stats := v.VerifyBatch(ctx, []models.Property{*p})
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Attempted)

	got, err := store.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageDiscovered, got.FunnelStage)
	assert.Nil(t, got.LastVerifiedAt)
}

// ── Re-verification ──

func TestVerify_ReverifyKeepsStageUnlessSold(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	p := seed(t, store, "https://example.com/a", "Resort")

	v := NewVerifier(store, &fakeFetcher{}, fixed(classify.Result{Availability: classify.Available, Confidence: 0.9}), testVerifierConfig())
	out := v.Verify(ctx, p)
	require.Equal(t, models.StageQualified, out.Stage)

	v.classifier = fixed(classify.Result{Availability: classify.News, Confidence: 0.9})
	out = v.Verify(ctx, out.Property)
	require.NoError(t, out.Err)
	assert.Equal(t, models.StageQualified, out.Stage)
	assert.Equal(t, models.VerifyNotListing, out.Result)

	v.classifier = fixed(classify.Result{Availability: classify.Sold, Confidence: 0.9})
	out = v.Verify(ctx, out.Property)
	require.NoError(t, out.Err)
	assert.Equal(t, models.StageDismissed, out.Stage)
}

func TestVerify_ArchivesPageAndRecordsSnapshot(t *testing.T) {
	store := storage.NewMemoryStore()
	p := seed(t, store, "https://example.com/a", "Resort")

	arch := &fakeArchiver{}
	snaps := &fakeSnapshots{}
	v := NewVerifier(store, &fakeFetcher{}, fixed(classify.Result{Availability: classify.Available, Confidence: 0.9}), testVerifierConfig())
	v.SetArchive(arch, snaps)

	v.Verify(context.Background(), p)

	require.Len(t, arch.keys, 1)
	assert.Equal(t, fmt.Sprintf("pages/%s/deadbeef.html", p.ID), arch.keys[0])
	require.Len(t, snaps.snaps, 1)
	require.NotNil(t, snaps.snaps[0].S3Key)
	assert.Equal(t, "available", snaps.snaps[0].Outcome)
	assert.Equal(t, 200, snaps.snaps[0].StatusCode)
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, BackoffFactor: 2}

	attempts, err := retry(ctx, cfg, func(error) bool { return true }, func(context.Context, int) error {
		cancel()
		return errors.New("boom")
	})
	assert.Equal(t, 1, attempts)
	assert.EqualError(t, err, "boom")
}
