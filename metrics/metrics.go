// Package metrics exposes pipeline counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ==============================================================================
// Prometheus Metrics
// ==============================================================================

var (
	// QueriesTotal counts discovery queries by provider and result (ok, failed).
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_finder_queries_total",
		Help: "Discovery queries by provider and result",
	}, []string{"provider", "result"})

	// IngestTotal counts candidates by ingest outcome.
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_finder_ingest_total",
		Help: "Candidates by ingest outcome",
	}, []string{"outcome"})

	// VerifyTotal counts verification attempts by outcome and resulting stage.
	VerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_finder_verify_total",
		Help: "Verification attempts by outcome and funnel stage",
	}, []string{"outcome", "stage"})

	ClassifyAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edge_finder_classify_attempts",
		Help:    "Classification attempts per verified record",
		Buckets: []float64{1, 2, 3, 4, 5},
	})

	VerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edge_finder_verify_duration_seconds",
		Help:    "Wall time of a single record verification",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 9),
	})

	// RunsTotal counts pipeline runs by final status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_finder_runs_total",
		Help: "Pipeline runs by final status",
	}, []string{"status"})

	// ReviewTotal counts manual review actions by resulting stage.
	ReviewTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_finder_review_total",
		Help: "Manual review transitions by target stage",
	}, []string{"stage"})

	PatternsLearned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_finder_patterns_learned_total",
		Help: "Dismissal patterns added by reason",
	}, []string{"reason"})
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Metrics: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Metrics: server error: %v", err)
	}
}
