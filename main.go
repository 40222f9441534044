package main

import (
	"context"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"edge_finder/classify"
	"edge_finder/config"
	"edge_finder/fetch"
	"edge_finder/httputil"
	"edge_finder/logging"
	"edge_finder/metrics"
	"edge_finder/models"
	"edge_finder/notify"
	"edge_finder/pipeline"
	"edge_finder/scheduler"
	"edge_finder/services"
	"edge_finder/sources"
	"edge_finder/storage"
	"edge_finder/workers"
)

var (
	runOnce    = flag.Bool("run", false, "Run the pipeline once and exit")
	query      = flag.String("query", "", "Custom search query added to the run")
	categories = flag.String("categories", "", "Comma separated query categories (default: all)")
	noVerify   = flag.Bool("no-verify", false, "Skip verification of discovered records")
	classifyID = flag.String("classify", "", "Verify and classify one property by ID and exit")
	reactivate = flag.String("reactivate", "", "Return a dismissed property to discovered and exit")
)

// propertyStore is what the core needs from the record database.
type propertyStore interface {
	storage.RecordStore
	storage.PatternStore
}

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Setup("daemon.log", cfg.LogLevel)
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting edge_finder...")
	log.Printf("Loaded %d query categories", len(cfg.Queries.Categories()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clients := httputil.NewClients(&cfg.Proxy, cfg.Verify.FetchTimeout)
	if cfg.Proxy.URL != "" {
		log.Printf("Proxy: %s", redact(cfg.Proxy.URL))
	}

	var store propertyStore
	if cfg.Postgres.DBURL != "" {
		pgStore, err := storage.NewPostgresStore(ctx, cfg.Postgres.DBURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pgStore.Close()
		if err := pgStore.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate Postgres: %v", err)
		}
		log.Printf("Connected to Postgres: %s", redact(cfg.Postgres.DBURL))
		store = pgStore
	} else {
		log.Println("Warning: DATABASE_URL not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	sqliteStore, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open SQLite: %v", err)
	}
	defer sqliteStore.Close()
	log.Printf("SQLite database: %s", cfg.DBPath)

	var events notify.Publisher = notify.Noop{}
	if cfg.RedisURL != "" {
		rdb, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: events disabled: %v", err)
		} else {
			defer rdb.Close()
			events = notify.NewRedisPublisher(rdb)
			log.Println("Publishing funnel events to Redis")
		}
	}

	filter, err := services.LoadExclusionFilter(ctx, store)
	if err != nil {
		log.Fatalf("Failed to load dismissal patterns: %v", err)
	}
	log.Printf("Loaded %d dismissal patterns", filter.Len())

	review := services.NewReviewService(store, store, filter)
	review.SetPublisher(events)

	providers := sources.NewProviders(cfg.Search, clients.API)
	aggregator := sources.NewAggregator(providers, cfg.Search.Concurrency)
	orchestrator := pipeline.NewOrchestrator(cfg.Queries, aggregator, services.NewIngestService(store, filter), store)
	orchestrator.SetRunStore(sqliteStore)
	orchestrator.SetPublisher(events)

	verifier := newVerifier(ctx, cfg, clients, store, sqliteStore, events)
	if verifier != nil {
		orchestrator.SetVerifier(verifier)
	}

	// One-shot commands
	switch {
	case *reactivate != "":
		id := mustParseID(*reactivate)
		p, err := review.Reactivate(ctx, id, "reactivated from command line")
		if err != nil {
			log.Fatalf("Reactivate failed: %v", err)
		}
		log.Printf("Reactivated %s (%s)", p.ID, p.URL)
		return
	case *classifyID != "":
		p, err := orchestrator.ClassifyOne(ctx, mustParseID(*classifyID))
		if err != nil {
			log.Fatalf("Classify failed: %v", err)
		}
		log.Printf("Classified %s: stage=%s result=%s", p.URL, p.FunnelStage, p.VerificationResult)
		return
	case *runOnce:
		log.Println("Running pipeline...")
		summary, err := orchestrator.RunPipeline(ctx, pipeline.RunRequest{
			Categories: config.ParseCategories(*categories),
			Query:      *query,
			Verify:     !*noVerify,
		})
		if err != nil {
			log.Fatalf("Pipeline failed: %v", err)
		}
		log.Printf("Pipeline complete: %s", summary.ToJSON())
		return
	}

	// Daemon mode
	if cfg.MetricsAddr != "" {
		go metrics.Serve(ctx, cfg.MetricsAddr)
		log.Printf("Metrics listening on %s", cfg.MetricsAddr)
	}

	sched := scheduler.New(cfg.Scheduler, orchestrator, sqliteStore)

	if verifier != nil {
		verifyWorker := workers.NewVerifyWorker(store, verifier, cfg.Scheduler.StaleAfter)
		verifyWorker.SetLogger(func(level models.LogLevel, component, message string) {
			if err := sqliteStore.Log(nil, level, message, component); err != nil {
				log.Printf("Warning: failed to persist log: %v", err)
			}
		})
		go verifyWorker.Run(ctx, cfg.Verify.Concurrency*5, cfg.Scheduler.Sweep)
		sched.SetVerifyWorker(verifyWorker)
		log.Println("Verify worker started")
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	sched.Stop()
	log.Println("Goodbye!")
}

// newVerifier wires fetching, classification and archiving. It returns nil
// when no classifier is configured, in which case runs only discover.
func newVerifier(ctx context.Context, cfg *config.Config, clients *httputil.Clients, store storage.RecordStore, snapshots services.SnapshotRecorder, events notify.Publisher) *services.Verifier {
	if cfg.OpenAI.APIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set, verification disabled")
		return nil
	}

	var fetcher fetch.Fetcher
	switch cfg.Verify.FetchMode {
	case "browser":
		bf := fetch.NewBrowserFetcher(cfg.Verify.FetchTimeout, cfg.Proxy.URL)
		go func() {
			<-ctx.Done()
			bf.Close()
		}()
		fetcher = bf
		log.Println("Fetching pages with headless browser")
	default:
		fetcher = fetch.NewHTTPFetcher(clients.Fetch)
	}

	vcfg := services.DefaultVerifierConfig()
	vcfg.Concurrency = cfg.Verify.Concurrency
	vcfg.FetchTimeout = cfg.Verify.FetchTimeout
	vcfg.ClassifyTimeout = cfg.Verify.ClassifyTimeout
	vcfg.QualifyConfidence = cfg.Verify.QualifyConf
	vcfg.Retry.MaxAttempts = cfg.Verify.MaxAttempts
	vcfg.Retry.InitialBackoff = cfg.Verify.InitialBackoff
	vcfg.Retry.MaxBackoff = cfg.Verify.MaxBackoff

	verifier := services.NewVerifier(store, fetcher, classify.NewOpenAIClassifier(cfg.OpenAI, clients.API), vcfg)
	verifier.SetPublisher(events)

	var archiver services.PageArchiver
	if cfg.Verify.ArchivePages && cfg.S3.Enabled() {
		uploader, err := storage.NewS3Uploader(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PublicBaseURL:   cfg.S3.PublicURL,
		})
		if err != nil {
			log.Printf("Warning: page archive disabled: %v", err)
		} else {
			archiver = uploader
			log.Printf("Archiving fetched pages to s3://%s", cfg.S3.Bucket)
		}
	}
	verifier.SetArchive(archiver, snapshots)

	log.Printf("Verification enabled (model %s, concurrency %d)", cfg.OpenAI.Model, vcfg.Concurrency)
	return verifier
}

func mustParseID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		log.Fatalf("Invalid property ID %q: %v", s, err)
	}
	return id
}

// redact masks the password in a connection string for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "****"
	}
	return u.Redacted()
}
