package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"edge_finder/classify"
	"edge_finder/fetch"
	"edge_finder/models"
	"edge_finder/services"
	"edge_finder/storage"
)

type okFetcher struct{}

func (okFetcher) Fetch(ctx context.Context, url string) (*fetch.Page, error) {
	return &fetch.Page{URL: url, FinalURL: url, StatusCode: 200, Text: "Under contract. Sold."}, nil
}

type soldClassifier struct{ calls atomic.Int32 }

func (c *soldClassifier) Classify(ctx context.Context, req classify.Request) (classify.Result, error) {
	c.calls.Add(1)
	return classify.Result{Availability: classify.Sold, Confidence: 0.95, Reason: "sold in March"}, nil
}

func seedStore(t *testing.T, urls ...string) (*storage.MemoryStore, []*models.Property) {
	t.Helper()
	store := storage.NewMemoryStore()
	ingest := services.NewIngestService(store, nil)
	var out []*models.Property
	for _, u := range urls {
		res, err := ingest.Ingest(context.Background(), models.Candidate{URL: u, Title: "Lakeside Lodge"})
		if err != nil {
			t.Fatalf("ingest %s: %v", u, err)
		}
		out = append(out, res.Property)
	}
	return store, out
}

func TestSweep_DiscoveredAndStale(t *testing.T) {
	ctx := context.Background()
	store, props := seedStore(t, "https://a.com/1", "https://b.com/2", "https://c.com/3")

	qualified := models.StageQualified
	if _, err := store.Update(ctx, props[2].ID, storage.PropertyDelta{FunnelStage: &qualified}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	classifier := &soldClassifier{}
	v := services.NewVerifier(store, okFetcher{}, classifier, services.DefaultVerifierConfig())
	w := NewVerifyWorker(store, v, 30*time.Minute)
	w.now = func() time.Time { return time.Now().Add(time.Hour) }

	var logged []string
	w.SetLogger(func(level models.LogLevel, component, message string) {
		logged = append(logged, message)
	})

	stats, err := w.Sweep(ctx, 10)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if stats.Attempted != 3 || stats.Dismissed != 3 {
		t.Errorf("stats = %+v, want 3 attempted and dismissed", stats)
	}
	if n := classifier.calls.Load(); n != 3 {
		t.Errorf("classifier calls = %d, want 3", n)
	}
	if len(logged) != 1 {
		t.Errorf("logged %d lines, want 1", len(logged))
	}

	got, err := store.GetByID(ctx, props[2].ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.FunnelStage != models.StageDismissed || got.DismissedReason == nil || *got.DismissedReason != models.DismissAlreadySold {
		t.Errorf("stale qualified record = %s/%v, want dismissed/already_sold", got.FunnelStage, got.DismissedReason)
	}

	stats, err = w.Sweep(ctx, 10)
	if err != nil {
		t.Fatalf("second Sweep() error = %v", err)
	}
	if stats.Attempted != 0 {
		t.Errorf("second sweep attempted %d, want 0", stats.Attempted)
	}
}

func TestSweep_RespectsBatchAndStaleness(t *testing.T) {
	ctx := context.Background()
	store, props := seedStore(t, "https://a.com/1", "https://b.com/2")

	interesting := models.StageInteresting
	if _, err := store.Update(ctx, props[1].ID, storage.PropertyDelta{FunnelStage: &interesting}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	classifier := &soldClassifier{}
	v := services.NewVerifier(store, okFetcher{}, classifier, services.DefaultVerifierConfig())

	// Freshly updated records are not stale yet.
	w := NewVerifyWorker(store, v, 30*time.Minute)
	stats, err := w.Sweep(ctx, 10)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if stats.Attempted != 1 {
		t.Errorf("attempted = %d, want only the discovered record", stats.Attempted)
	}

	got, _ := store.GetByID(ctx, props[1].ID)
	if got.FunnelStage != models.StageInteresting {
		t.Errorf("interesting record moved to %s", got.FunnelStage)
	}
}

func TestTrigger_NonBlocking(t *testing.T) {
	w := NewVerifyWorker(nil, nil, 0)
	w.Trigger()
	w.Trigger()
	if len(w.triggerCh) != 1 {
		t.Errorf("pending triggers = %d, want 1", len(w.triggerCh))
	}
}
