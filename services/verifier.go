package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"edge_finder/classify"
	"edge_finder/fetch"
	"edge_finder/funnel"
	"edge_finder/logging"
	"edge_finder/metrics"
	"edge_finder/models"
	"edge_finder/notify"
	"edge_finder/storage"
)

// PageArchiver stores fetched page bodies (storage.S3Uploader).
type PageArchiver interface {
	ArchivePage(ctx context.Context, propertyID uuid.UUID, contentHash string, body []byte, contentType string) (string, error)
}

// SnapshotRecorder records fetch metadata (storage.SQLiteStore).
type SnapshotRecorder interface {
	CreatePageSnapshot(snap *models.PageSnapshot) error
}

type VerifierConfig struct {
	Concurrency     int
	FetchTimeout    time.Duration
	ClassifyTimeout time.Duration
	// QualifyConfidence is the minimum classifier confidence for an
	// available listing to be qualified rather than left for review.
	QualifyConfidence float64
	Retry             RetryConfig
}

func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		Concurrency:       6,
		FetchTimeout:      10 * time.Second,
		ClassifyTimeout:   45 * time.Second,
		QualifyConfidence: 0.6,
		Retry:             DefaultRetryConfig(),
	}
}

// VerifyOutcome is what happened to one record.
type VerifyOutcome struct {
	PropertyID uuid.UUID
	Result     models.VerificationOutcome
	Stage      models.FunnelStage // stage after the attempt
	Attempts   int                // classification attempts
	Property   *models.Property   // stored record, nil on store error
	Err        error              // store error or stage conflict
	Skipped    bool               // not started because the run was cancelled
}

type VerifyStats struct {
	Attempted   int
	Skipped     int
	Qualified   int
	Interesting int
	Dismissed   int
	InvalidURL  int
	Pending     int
	Failed      int
	StoreErrors int
	Conflicts   int
}

func (s *VerifyStats) add(o VerifyOutcome) {
	if o.Skipped {
		s.Skipped++
		return
	}
	s.Attempted++
	switch {
	case errors.Is(o.Err, storage.ErrStageConflict):
		s.Conflicts++
		return
	case o.Err != nil:
		s.StoreErrors++
		return
	}
	switch o.Stage {
	case models.StageQualified:
		s.Qualified++
	case models.StageInteresting:
		s.Interesting++
	case models.StageDismissed:
		s.Dismissed++
	}
	switch o.Result {
	case models.VerifyInvalidURL:
		s.InvalidURL++
	case models.VerifyPending:
		s.Pending++
	case models.VerifyFailed:
		s.Failed++
	}
}

// Verifier fetches discovered records, classifies them and moves them along
// the funnel.
type Verifier struct {
	store      storage.RecordStore
	fetcher    fetch.Fetcher
	classifier classify.Classifier
	cfg        VerifierConfig
	archiver   PageArchiver
	snapshots  SnapshotRecorder
	events     notify.Publisher
	now        func() time.Time
}

func NewVerifier(store storage.RecordStore, fetcher fetch.Fetcher, classifier classify.Classifier, cfg VerifierConfig) *Verifier {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 6
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Verifier{
		store:      store,
		fetcher:    fetcher,
		classifier: classifier,
		cfg:        cfg,
		events:     notify.Noop{},
		now:        time.Now,
	}
}

// SetArchive enables page archiving. Either argument may be nil.
func (v *Verifier) SetArchive(archiver PageArchiver, snapshots SnapshotRecorder) {
	v.archiver = archiver
	v.snapshots = snapshots
}

func (v *Verifier) SetPublisher(p notify.Publisher) {
	if p != nil {
		v.events = p
	}
}

// VerifyBatch verifies props with bounded concurrency. Once ctx is cancelled
// no further record is started; records already in flight run to completion
// under their own per-call timeouts.
func (v *Verifier) VerifyBatch(ctx context.Context, props []models.Property) VerifyStats {
	var (
		mu    sync.Mutex
		stats VerifyStats
	)
	record := func(o VerifyOutcome) {
		mu.Lock()
		stats.add(o)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(v.cfg.Concurrency)

	for i := range props {
		p := props[i]
		if ctx.Err() != nil {
			record(VerifyOutcome{PropertyID: p.ID, Skipped: true})
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				record(VerifyOutcome{PropertyID: p.ID, Skipped: true})
				return nil
			}
			record(v.Verify(context.WithoutCancel(ctx), &p))
			return nil
		})
	}
	_ = g.Wait()

	log.Printf("Verifier: batch done: %d attempted, %d qualified, %d interesting, %d dismissed, %d skipped",
		stats.Attempted, stats.Qualified, stats.Interesting, stats.Dismissed, stats.Skipped)
	return stats
}

// Verify runs one verification attempt. last_verified_at is stamped whatever
// the outcome. The write is conditional on the stage p was read in, so a
// manual transition made meanwhile wins.
func (v *Verifier) Verify(ctx context.Context, p *models.Property) VerifyOutcome {
	start := v.now()
	out := VerifyOutcome{PropertyID: p.ID}

	delta := storage.PropertyDelta{LastVerifiedAt: &start}
	expect := p.FunnelStage
	delta.ExpectStage = &expect

	fctx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
	page, err := v.fetcher.Fetch(fctx, p.URL)
	cancel()

	var target models.FunnelStage
	var reason string

	if err != nil {
		out.Result = models.VerifyInvalidURL
		target = models.StageInteresting
		reason = err.Error()
		v.snapshot(ctx, p, nil, err, out.Result)
	} else {
		var result classify.Result
		out.Attempts, err = retry(ctx, v.cfg.Retry, classify.IsRetryable, func(ctx context.Context, attempt int) error {
			cctx, cancel := context.WithTimeout(ctx, v.cfg.ClassifyTimeout)
			defer cancel()
			var cerr error
			result, cerr = v.classifier.Classify(cctx, classify.Request{
				URL:         p.URL,
				Title:       p.Title,
				SourceType:  string(p.SourceType),
				Location:    deref(p.Location),
				Description: deref(p.Description),
				PageText:    page.Text,
			})
			if cerr != nil && classify.IsRetryable(cerr) {
				logging.Debugf("Verifier: classify %s attempt %d: %v", p.URL, attempt, cerr)
			}
			return cerr
		})
		metrics.ClassifyAttempts.Observe(float64(out.Attempts))

		switch {
		case err == nil:
			target, out.Result = mapResult(result, v.cfg.QualifyConfidence)
			reason = result.Reason
			if reason == "" {
				reason = "classified as " + string(result.Availability)
			}
			applyExtracted(&delta, p, result, page)
			if target == models.StageDismissed {
				r := models.DismissAlreadySold
				delta.DismissedReason = &r
			}
		case classify.KindOf(err) == classify.KindMalformed:
			out.Result = models.VerifyPending
			target = models.StageInteresting
			reason = err.Error()
		default:
			out.Result = models.VerifyFailed
			target = models.StageInteresting
			reason = fmt.Sprintf("classification failed after %d attempts: %v", out.Attempts, err)
		}
		v.snapshot(ctx, p, page, nil, out.Result)
	}

	delta.VerificationResult = &out.Result
	if reason != "" {
		delta.VerificationReason = &reason
	}

	out.Stage = p.FunnelStage
	if target != p.FunnelStage && funnel.CanTransition(p.FunnelStage, target, models.ActorVerifier) {
		delta.FunnelStage = &target
		delta.AppendStage = &models.StageChange{
			From: p.FunnelStage, To: target, Actor: models.ActorVerifier, At: start, Note: string(out.Result),
		}
		out.Stage = target
	} else {
		// Re-verification refreshes metadata only; a sold verdict is the
		// one thing that may still move a record.
		delta.DismissedReason = nil
	}

	stored, err := v.store.Update(ctx, p.ID, delta)
	if err != nil {
		out.Err = err
		if errors.Is(err, storage.ErrStageConflict) {
			log.Printf("Verifier: %s changed stage during verification, result discarded", p.URL)
		} else {
			log.Printf("Verifier: failed to save %s: %v", p.URL, err)
		}
		return out
	}
	out.Property = stored

	metrics.VerifyTotal.WithLabelValues(string(out.Result), string(out.Stage)).Inc()
	metrics.VerifyDuration.Observe(v.now().Sub(start).Seconds())

	if out.Stage != p.FunnelStage {
		if err := v.events.Publish(ctx, notify.Event{
			Channel:    notify.ChannelStageChanged,
			PropertyID: p.ID.String(),
			From:       string(p.FunnelStage),
			To:         string(out.Stage),
			Actor:      string(models.ActorVerifier),
			Reason:     string(out.Result),
			At:         start,
		}); err != nil {
			log.Printf("Warning: failed to publish stage change: %v", err)
		}
	}

	logging.Debugf("Verifier: %s -> %s (%s)", p.URL, out.Stage, out.Result)
	return out
}

// mapResult turns a classification into a target stage and outcome.
func mapResult(r classify.Result, qualifyConf float64) (models.FunnelStage, models.VerificationOutcome) {
	switch r.Availability {
	case classify.Sold:
		return models.StageDismissed, models.VerifySold
	case classify.Available:
		if r.Confidence >= qualifyConf {
			return models.StageQualified, models.VerifyAvailable
		}
		return models.StageInteresting, models.VerifyPending
	case classify.News, classify.Upcoming:
		return models.StageInteresting, models.VerifyNotListing
	default:
		return models.StageInteresting, models.VerifyPending
	}
}

// applyExtracted copies parsed attributes onto the delta. Absent values never
// clear what the record has.
func applyExtracted(d *storage.PropertyDelta, p *models.Property, r classify.Result, page *fetch.Page) {
	d.Price = r.Price
	d.BedCount = r.Beds
	d.Acreage = r.Acreage
	d.YearBuilt = r.YearBuilt
	if r.Score != nil {
		score := models.ClampScore(*r.Score)
		d.Score = &score
	}
	d.AISummary = r.Summary
	if p.ImageURL == nil && page != nil && page.ImageURL != "" {
		img := page.ImageURL
		d.ImageURL = &img
	}
}

func (v *Verifier) snapshot(ctx context.Context, p *models.Property, page *fetch.Page, fetchErr error, outcome models.VerificationOutcome) {
	if v.snapshots == nil && v.archiver == nil {
		return
	}
	snap := &models.PageSnapshot{
		PropertyID: p.ID,
		URL:        p.URL,
		Outcome:    string(outcome),
		FetchedAt:  v.now(),
	}
	if fetchErr != nil {
		var se *fetch.StatusError
		if errors.As(fetchErr, &se) {
			snap.StatusCode = se.Code
		}
	}
	if page != nil {
		snap.FinalURL = page.FinalURL
		snap.StatusCode = page.StatusCode
		snap.ContentHash = page.ContentHash
		if v.archiver != nil {
			key, err := v.archiver.ArchivePage(ctx, p.ID, page.ContentHash, page.Body, page.ContentType)
			if err != nil {
				log.Printf("Warning: failed to archive %s: %v", p.URL, err)
			} else {
				snap.S3Key = &key
			}
		}
	}
	if v.snapshots != nil {
		if err := v.snapshots.CreatePageSnapshot(snap); err != nil {
			log.Printf("Warning: failed to record snapshot for %s: %v", p.URL, err)
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
