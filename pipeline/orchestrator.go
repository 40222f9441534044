// Package pipeline runs discovery end to end: search, ingest, verify.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"edge_finder/config"
	"edge_finder/metrics"
	"edge_finder/models"
	"edge_finder/notify"
	"edge_finder/services"
	"edge_finder/sources"
	"edge_finder/storage"
)

var (
	ErrNoQueries        = errors.New("no queries selected")
	ErrVerifyDisabled   = errors.New("verification is not configured")
	// ErrStoreUnavailable fails a run in which every candidate that reached
	// the record store failed to write.
	ErrStoreUnavailable = errors.New("record store unavailable")
)

// RunStore keeps the operational run history (storage.SQLiteStore).
type RunStore interface {
	CreateRun(run *models.PipelineRun) (int64, error)
	UpdateRun(run *models.PipelineRun) error
	Log(runID *int64, level models.LogLevel, message, component string) error
}

// RunRequest selects what a run searches for. Specs, when set, are used as
// is; otherwise the catalogue is filtered by Categories and Query is added as
// a manual search.
type RunRequest struct {
	Specs      []models.QuerySpec
	Categories []models.QueryCategory
	Query      string
	Verify     bool
}

type Orchestrator struct {
	catalog    *config.QueryCatalog
	aggregator *sources.Aggregator
	ingest     *services.IngestService
	verifier   *services.Verifier
	store      storage.RecordStore
	runs       RunStore
	events     notify.Publisher

	mu      sync.Mutex
	paused  bool
	running bool
}

func NewOrchestrator(catalog *config.QueryCatalog, aggregator *sources.Aggregator, ingest *services.IngestService, store storage.RecordStore) *Orchestrator {
	return &Orchestrator{
		catalog:    catalog,
		aggregator: aggregator,
		ingest:     ingest,
		store:      store,
		events:     notify.Noop{},
	}
}

// SetVerifier enables the verification stage. Without one, runs only
// discover and ClassifyOne fails with ErrVerifyDisabled.
func (o *Orchestrator) SetVerifier(v *services.Verifier) {
	o.verifier = v
}

func (o *Orchestrator) SetRunStore(runs RunStore) {
	o.runs = runs
}

func (o *Orchestrator) SetPublisher(p notify.Publisher) {
	if p != nil {
		o.events = p
	}
}

func (o *Orchestrator) resolveSpecs(req RunRequest) []models.QuerySpec {
	if len(req.Specs) > 0 {
		return req.Specs
	}
	if o.catalog == nil {
		if req.Query == "" {
			return nil
		}
		return []models.QuerySpec{config.ManualQuery(req.Query)}
	}
	return o.catalog.Select(req.Categories, req.Query)
}

// RunPipeline runs one discovery pass. Candidates are ingested as they
// stream in; records left in discovered by this run are then verified when
// req.Verify is set. The summary is returned even when the run fails.
func (o *Orchestrator) RunPipeline(ctx context.Context, req RunRequest) (models.RunSummary, error) {
	var summary models.RunSummary

	specs := o.resolveSpecs(req)
	if len(specs) == 0 {
		return summary, ErrNoQueries
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return summary, errors.New("a pipeline run is already in progress")
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	run := &models.PipelineRun{StartedAt: time.Now(), Status: models.RunStatusRunning}
	o.createRun(run)
	o.log(run, models.LogLevelInfo, fmt.Sprintf("Starting run with %d queries", len(specs)))

	toVerify, runErr := o.discover(ctx, run, specs, &summary)

	if runErr == nil && req.Verify {
		switch {
		case o.verifier == nil:
			o.log(run, models.LogLevelWarn, "Verification requested but no classifier is configured, skipping")
		case len(toVerify) > 0:
			o.log(run, models.LogLevelInfo, fmt.Sprintf("Verifying %d discovered records", len(toVerify)))
			stats := o.verifier.VerifyBatch(ctx, toVerify)
			summary.Verified = stats.Attempted
			summary.Qualified = stats.Qualified
			summary.Interesting = stats.Interesting
			summary.Dismissed = stats.Dismissed
			summary.InvalidURL = stats.InvalidURL
			summary.VerifyFailed = stats.Failed
			summary.VerifyStoreError = stats.StoreErrors + stats.Conflicts
			summary.VerifySkipped = stats.Skipped
			if stats.Skipped > 0 {
				runErr = ctx.Err()
			}
		}
	}

	o.finishRun(ctx, run, summary, runErr)
	return summary, runErr
}

// discover drains the candidate stream into the ingest service and returns
// the records still waiting in discovered.
func (o *Orchestrator) discover(ctx context.Context, run *models.PipelineRun, specs []models.QuerySpec, summary *models.RunSummary) ([]models.Property, error) {
	stream := o.aggregator.Stream(ctx, specs)

	var toVerify []models.Property
	seen := make(map[uuid.UUID]bool)

	// Rejected and suppressed candidates never touch the store, so only
	// writes count towards deciding whether the store is down.
	var writes int
	var lastStoreErr error

	for c := range stream.C {
		summary.CandidatesSeen++
		res, err := o.ingest.Ingest(ctx, c)
		if err != nil {
			writes++
			lastStoreErr = err
			summary.IngestErrors++
			metrics.IngestTotal.WithLabelValues("error").Inc()
			o.log(run, models.LogLevelError, fmt.Sprintf("Ingest error: %v", err))
			continue
		}
		metrics.IngestTotal.WithLabelValues(string(res.Outcome)).Inc()

		switch res.Outcome {
		case services.OutcomeInserted:
			writes++
			summary.Discovered++
		case services.OutcomeMerged:
			writes++
			summary.Merged++
		case services.OutcomeSuppressed:
			summary.Suppressed++
			continue
		case services.OutcomeRejected:
			summary.Rejected++
			continue
		}

		if p := res.Property; p != nil && p.FunnelStage == models.StageDiscovered && !seen[p.ID] {
			seen[p.ID] = true
			toVerify = append(toVerify, *p)
		}
	}

	report, err := stream.Wait()
	summary.QueriesIssued = len(report.Queries)
	summary.QueriesFailed = report.Failed()
	for _, q := range report.Queries {
		result := "ok"
		if q.Err != nil {
			result = "failed"
		}
		metrics.QueriesTotal.WithLabelValues(q.Query.Provider, result).Inc()
	}

	o.log(run, models.LogLevelInfo, fmt.Sprintf(
		"Discovery: %d queries (%d failed), %d candidates, %d new, %d merged, %d suppressed, %d rejected",
		summary.QueriesIssued, summary.QueriesFailed, summary.CandidatesSeen,
		summary.Discovered, summary.Merged, summary.Suppressed, summary.Rejected))

	if err == nil {
		err = ctx.Err()
	}
	if err == nil && writes > 0 && summary.IngestErrors == writes {
		err = fmt.Errorf("%w: %d of %d writes failed, last: %w", ErrStoreUnavailable, summary.IngestErrors, writes, lastStoreErr)
	}
	return toVerify, err
}

// ClassifyOne verifies a single record now, whatever its stage.
func (o *Orchestrator) ClassifyOne(ctx context.Context, id uuid.UUID) (*models.Property, error) {
	if o.verifier == nil {
		return nil, ErrVerifyDisabled
	}
	p, err := o.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get property: %w", err)
	}
	out := o.verifier.Verify(ctx, p)
	if out.Err != nil {
		return nil, fmt.Errorf("classify %s: %w", id, out.Err)
	}
	return out.Property, nil
}

// HandleCommand executes a queued operator command.
func (o *Orchestrator) HandleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := storage.ParseCommandParams(cmd)
	if err != nil {
		return err
	}

	switch cmd.Command {
	case models.CmdRunPipeline:
		if o.IsPaused() {
			log.Println("Pipeline is paused, ignoring run command")
			return nil
		}
		_, err := o.RunPipeline(ctx, RunRequest{
			Categories: params.Categories,
			Query:      params.Query,
			Verify:     !params.NoVerify,
		})
		return err
	case models.CmdClassifyOne:
		id, err := uuid.Parse(params.PropertyID)
		if err != nil {
			return fmt.Errorf("classify_one: invalid property id %q", params.PropertyID)
		}
		_, err = o.ClassifyOne(ctx, id)
		return err
	case models.CmdPause:
		o.setPaused(true)
		log.Println("Pipeline paused")
	case models.CmdResume:
		o.setPaused(false)
		log.Println("Pipeline resumed")
	default:
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}
	return nil
}

// RunScheduled is the entry point for cron and interval triggers. It honours
// pause and always verifies.
func (o *Orchestrator) RunScheduled(ctx context.Context) error {
	if o.IsPaused() {
		log.Println("Pipeline is paused, skipping run")
		return nil
	}
	_, err := o.RunPipeline(ctx, RunRequest{Verify: true})
	return err
}

func (o *Orchestrator) IsPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

func (o *Orchestrator) setPaused(p bool) {
	o.mu.Lock()
	o.paused = p
	o.mu.Unlock()
}

func (o *Orchestrator) MarshalStatus() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var categories []models.QueryCategory
	if o.catalog != nil {
		categories = o.catalog.Categories()
	}
	return json.Marshal(map[string]any{
		"paused":     o.paused,
		"running":    o.running,
		"verify":     o.verifier != nil,
		"categories": categories,
	})
}

func (o *Orchestrator) createRun(run *models.PipelineRun) {
	if o.runs == nil {
		return
	}
	id, err := o.runs.CreateRun(run)
	if err != nil {
		log.Printf("Warning: failed to record run: %v", err)
		return
	}
	run.ID = id
}

func (o *Orchestrator) finishRun(ctx context.Context, run *models.PipelineRun, summary models.RunSummary, runErr error) {
	now := time.Now()
	run.FinishedAt = &now
	run.Summary = summary
	switch {
	case runErr == nil:
		run.Status = models.RunStatusCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		run.Status = models.RunStatusCancelled
		run.Error = runErr.Error()
	default:
		run.Status = models.RunStatusFailed
		run.Error = runErr.Error()
	}
	metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()

	level := models.LogLevelInfo
	if runErr != nil {
		level = models.LogLevelError
	}
	o.log(run, level, fmt.Sprintf("Run %s: %d new, %d qualified, %d interesting, %d dismissed",
		run.Status, summary.Discovered, summary.Qualified, summary.Interesting, summary.Dismissed))

	if o.runs != nil && run.ID != 0 {
		if err := o.runs.UpdateRun(run); err != nil {
			log.Printf("Warning: failed to update run %d: %v", run.ID, err)
		}
	}

	ev := notify.Event{
		Channel: notify.ChannelRunFinished,
		RunID:   run.ID,
		To:      string(run.Status),
		Summary: summary,
		At:      now,
	}
	if err := o.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Printf("Warning: failed to publish run result: %v", err)
	}
}

func (o *Orchestrator) log(run *models.PipelineRun, level models.LogLevel, message string) {
	log.Printf("[%s] Pipeline: %s", level, message)
	if o.runs == nil {
		return
	}
	var runID *int64
	if run != nil && run.ID != 0 {
		runID = &run.ID
	}
	if err := o.runs.Log(runID, level, message, "pipeline"); err != nil {
		log.Printf("Warning: failed to persist log: %v", err)
	}
}
