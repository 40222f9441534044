package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"edge_finder/models"
	"edge_finder/services"
	"edge_finder/storage"
)

// VerifyWorker picks up records that no pipeline run verified: discovered
// records left behind by a run without verification, and qualified or
// interesting records whose last check is older than staleAfter, so sold
// listings drop out of the funnel.
type VerifyWorker struct {
	store      storage.RecordStore
	verifier   *services.Verifier
	staleAfter time.Duration
	triggerCh  chan struct{}
	logFunc    LogFunc
	now        func() time.Time
}

func NewVerifyWorker(store storage.RecordStore, verifier *services.Verifier, staleAfter time.Duration) *VerifyWorker {
	return &VerifyWorker{
		store:      store,
		verifier:   verifier,
		staleAfter: staleAfter,
		triggerCh:  make(chan struct{}, 1),
		logFunc:    NoOpLogger,
		now:        time.Now,
	}
}

func (w *VerifyWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger causes the worker to run immediately
func (w *VerifyWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *VerifyWorker) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Verify worker stopping")
			return
		case <-ticker.C:
			w.sweepAndLog(ctx, batchSize)
		case <-w.triggerCh:
			log.Println("Verify worker triggered manually")
			w.sweepAndLog(ctx, batchSize)
		}
	}
}

func (w *VerifyWorker) sweepAndLog(ctx context.Context, batchSize int) {
	if _, err := w.Sweep(ctx, batchSize); err != nil {
		log.Printf("Verify worker: %v", err)
		w.logFunc(models.LogLevelError, "verify", err.Error())
	}
}

// Sweep verifies up to batchSize records, discovered ones first.
func (w *VerifyWorker) Sweep(ctx context.Context, batchSize int) (services.VerifyStats, error) {
	batch, err := w.store.ListByFunnelStage(ctx, models.StageDiscovered, batchSize)
	if err != nil {
		return services.VerifyStats{}, fmt.Errorf("list discovered: %w", err)
	}

	if w.staleAfter > 0 {
		cutoff := w.now().Add(-w.staleAfter)
		for _, stage := range []models.FunnelStage{models.StageQualified, models.StageInteresting} {
			room := batchSize - len(batch)
			if room <= 0 {
				break
			}
			st := stage
			stale, err := w.store.ListProperties(ctx, storage.ListFilter{Stage: &st, UpdatedBefore: &cutoff, Limit: room})
			if err != nil {
				return services.VerifyStats{}, fmt.Errorf("list stale %s: %w", stage, err)
			}
			batch = append(batch, stale...)
		}
	}

	if len(batch) == 0 {
		return services.VerifyStats{}, nil
	}

	log.Printf("Verify worker: checking %d records", len(batch))
	stats := w.verifier.VerifyBatch(ctx, batch)

	msg := fmt.Sprintf("Sweep: %d verified, %d qualified, %d interesting, %d dismissed, %d failed",
		stats.Attempted, stats.Qualified, stats.Interesting, stats.Dismissed, stats.Failed+stats.StoreErrors)
	log.Printf("Verify worker: %s", msg)
	w.logFunc(models.LogLevelInfo, "verify", msg)
	return stats, nil
}
