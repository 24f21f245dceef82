// Package app wires configuration into the long-lived services behind
// every command: stores, blob archive, publisher, fetchers, the model
// client, and the progress hub.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lernfeed/lernfeed/internal/api"
	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/clock/system"
	"github.com/lernfeed/lernfeed/internal/config"
	"github.com/lernfeed/lernfeed/internal/extract"
	collyfetcher "github.com/lernfeed/lernfeed/internal/fetcher/colly"
	"github.com/lernfeed/lernfeed/internal/fetcher/detector"
	headlessfetcher "github.com/lernfeed/lernfeed/internal/fetcher/headless"
	"github.com/lernfeed/lernfeed/internal/hash/sha256"
	"github.com/lernfeed/lernfeed/internal/id/uuid"
	"github.com/lernfeed/lernfeed/internal/llm"
	"github.com/lernfeed/lernfeed/internal/logging"
	"github.com/lernfeed/lernfeed/internal/pipeline"
	"github.com/lernfeed/lernfeed/internal/progress"
	progresssinks "github.com/lernfeed/lernfeed/internal/progress/sinks"
	memorypublisher "github.com/lernfeed/lernfeed/internal/publisher/memory"
	nooppublisher "github.com/lernfeed/lernfeed/internal/publisher/noop"
	gcppublisher "github.com/lernfeed/lernfeed/internal/publisher/pubsub"
	"github.com/lernfeed/lernfeed/internal/stages"
	gcsstorage "github.com/lernfeed/lernfeed/internal/storage/gcs"
	localstorage "github.com/lernfeed/lernfeed/internal/storage/local"
	memorystorage "github.com/lernfeed/lernfeed/internal/storage/memory"
	pgstorage "github.com/lernfeed/lernfeed/internal/storage/postgres"
)

// shutdownTimeout bounds graceful HTTP shutdown in serve mode.
const shutdownTimeout = 10 * time.Second

// Stores bundles the pipeline store interfaces independent of backend.
type Stores struct {
	Feeds        pipeline.FeedStore
	Articles     pipeline.ArticleStore
	Analyses     pipeline.AnalysisStore
	Cleaned      pipeline.CleanedStore
	Enhancements pipeline.EnhancementStore
	Runs         pipeline.RunStore
}

// App holds the shared services for one process. Build constructs it,
// Close releases it; commands in between run stages against it.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	stores    Stores
	blobs     pipeline.BlobStore
	publisher pipeline.Publisher

	static    pipeline.Fetcher
	headless  pipeline.Fetcher
	gate      stages.RenderGate
	extractor pipeline.Extractor
	completer pipeline.Completer
	hasher    pipeline.Hasher
	clock     pipeline.Clock
	ids       pipeline.IDGenerator

	runner *stages.Runner
	hub    *progress.Hub

	// Raw clients retained for shutdown and readiness probes.
	pool         *pgxpool.Pool
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	pubsubPub    *gcppublisher.Publisher
	headlessImpl *headlessfetcher.Fetcher
}

// Build constructs the full service graph from cfg. Callers own the
// returned App and must Close it when done.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a := &App{
		cfg:    cfg,
		logger: logger,
		hasher: sha256.New(),
		clock:  system.New(),
		ids:    uuid.NewGenerator(),
	}

	if err := a.setupStores(ctx); err != nil {
		return nil, err
	}
	if err := a.setupBlobs(ctx); err != nil {
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err := a.setupFetchers(); err != nil {
		return nil, err
	}
	a.setupModel()
	a.extractor = extract.NewSelectorExtractor(extract.Config{})
	a.setupProgress()

	a.runner = stages.NewRunner(stages.RunnerDeps{
		Logger:    logger.Named("stages"),
		Runs:      a.stores.Runs,
		Publisher: a.publisher,
		Emitter:   a.hub,
		Clock:     a.clock,
		Topic:     cfg.Publisher.Topic,
	})

	logger.Info("application services initialized")
	return a, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Stores exposes the pipeline stores for commands that read them directly.
func (a *App) Stores() Stores {
	return a.stores
}

// Clock returns the wall clock used for timestamps.
func (a *App) Clock() pipeline.Clock {
	return a.clock
}

// StageConfig returns the configured engine knobs for the named stage.
func (a *App) StageConfig(name string) (stages.Config, error) {
	switch name {
	case "scrape":
		return a.cfg.Pipeline.Scrape.Stage(), nil
	case "content":
		return a.cfg.Pipeline.Content.Stage(), nil
	case "analyze":
		return a.cfg.Pipeline.Analyze.Stage(), nil
	case "clean":
		return a.cfg.Pipeline.Clean.Stage(), nil
	case "enhance":
		return a.cfg.Pipeline.Enhance.Stage(), nil
	default:
		return stages.Config{}, fmt.Errorf("unknown stage %q", name)
	}
}

// RunStage builds the named stage around cfg and executes one batch run.
func (a *App) RunStage(ctx context.Context, name string, cfg stages.Config) (*batch.Report, error) {
	switch name {
	case "scrape":
		stage := stages.NewScrape(a.runner, cfg, a.cfg.Pipeline.Window(), a.stores.Feeds, a.stores.Articles, a.static, a.ids)
		return stage.Run(ctx)
	case "content":
		stage := stages.NewContent(a.runner, cfg, a.cfg.Pipeline.MinContentChars, a.stores.Articles, a.blobs, a.hasher, a.static, a.headless, a.gate, a.extractor)
		return stage.Run(ctx)
	case "analyze":
		stage := stages.NewAnalyze(a.runner, cfg, a.cfg.Pipeline.MinContentChars, a.stores.Articles, a.stores.Analyses, a.completer)
		return stage.Run(ctx)
	case "clean":
		stage := stages.NewClean(a.runner, cfg, a.stores.Articles, a.stores.Analyses, a.stores.Cleaned, a.completer)
		return stage.Run(ctx)
	case "enhance":
		stage := stages.NewEnhance(a.runner, cfg, a.stores.Articles, a.stores.Cleaned, a.stores.Enhancements, a.completer)
		return stage.Run(ctx)
	default:
		return nil, fmt.Errorf("unknown stage %q", name)
	}
}

// SyncFeeds upserts the configured feed list into the feed store and
// returns how many entries were written.
func (a *App) SyncFeeds(ctx context.Context) (int, error) {
	now := a.clock.Now()
	for _, fc := range a.cfg.Feeds {
		feed := fc.Feed()
		feed.AddedAt = now
		if err := a.stores.Feeds.Upsert(ctx, feed); err != nil {
			return 0, fmt.Errorf("upsert feed %s: %w", feed.URL, err)
		}
		a.logger.Debug("feed synced", zap.String("url", feed.URL), zap.Bool("active", feed.Active))
	}
	return len(a.cfg.Feeds), nil
}

// Run starts serve mode: the ops HTTP server plus the scrape scheduler.
// It blocks until the context is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ready api.ReadyCheck
	if a.pool != nil {
		ready = a.pool.Ping
	}
	apiServer := api.NewServer(a.stores.Articles, a.stores.Runs, ready, a.logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.scrapeLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// Close releases services in reverse build order. Failures are logged,
// not returned; shutdown always completes.
func (a *App) Close(ctx context.Context) error {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headlessImpl != nil {
		a.headlessImpl.Close()
	}
	if a.pubsubPub != nil {
		a.pubsubPub.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

func (a *App) setupStores(ctx context.Context) error {
	switch a.cfg.DB.Provider {
	case "postgres":
		pool, err := pgstorage.NewPool(ctx, pgstorage.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		a.pool = pool
		s := pgstorage.NewStores(pool)
		a.stores = Stores{
			Feeds:        s.Feeds,
			Articles:     s.Articles,
			Analyses:     s.Analyses,
			Cleaned:      s.Cleaned,
			Enhancements: s.Enhancements,
			Runs:         s.Runs,
		}
		a.logger.Info("using postgres stores", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	default:
		s := memorystorage.NewStores()
		a.stores = Stores{
			Feeds:        s.Feeds,
			Articles:     s.Articles,
			Analyses:     s.Analyses,
			Cleaned:      s.Cleaned,
			Enhancements: s.Enhancements,
			Runs:         s.Runs,
		}
		a.logger.Info("using in-memory stores")
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using gcs blob store", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local blob store", zap.String("dir", a.cfg.Storage.LocalDir))
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory blob store")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPub = gcppublisher.New(client)
		a.publisher = a.pubsubPub
		a.logger.Info("using pubsub publisher",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
	case "memory":
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	default:
		a.publisher = nooppublisher.New()
	}
	return nil
}

func (a *App) setupFetchers() error {
	a.static = collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.HTTP.UserAgent,
		RespectRobots: true,
		Timeout:       time.Duration(a.cfg.HTTP.TimeoutSeconds) * time.Second,
	})
	a.logger.Info("using colly static fetcher", zap.String("user_agent", a.cfg.HTTP.UserAgent))

	if !a.cfg.Headless.Enabled {
		return nil
	}
	hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		// The content stage is the only headless caller, so cap browser
		// tabs at its worker count.
		MaxParallel:       a.cfg.Pipeline.Content.Workers,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed, rendering disabled", zap.Error(err))
		return nil
	}
	a.headlessImpl = hf
	a.headless = hf
	a.gate = detector.NewHeuristic(a.cfg.Headless.MinHTMLBytes)
	a.logger.Info("headless rendering enabled", zap.Int("min_html_bytes", a.cfg.Headless.MinHTMLBytes))
	return nil
}

func (a *App) setupModel() {
	if a.cfg.LLM.APIKey == "" {
		a.logger.Warn("llm.api_key is not set, model stages will fail until it is")
	}
	a.completer = llm.NewClient(llm.Config{
		APIKey:  a.cfg.LLM.APIKey,
		BaseURL: a.cfg.LLM.BaseURL,
		Model:   a.cfg.LLM.Model,
		Pricing: llm.Pricing{
			InputPer1M:  a.cfg.LLM.InputUSDPerM,
			OutputPer1M: a.cfg.LLM.OutputUSDPerM,
		},
		Timeout: time.Duration(a.cfg.LLM.TimeoutSeconds) * time.Second,
	})
}

func (a *App) setupProgress() {
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress")),
		progresssinks.NewStoreSink(a.stores.Runs, a.logger.Named("progress_store")),
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		// Registration fails when another App in this process already owns
		// the collectors.
		a.logger.Warn("prometheus progress sink unavailable", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinkList...)
}

// scrapeLoop runs the scrape stage immediately and then on every tick
// until ctx is canceled. Enrichment stages stay operator-driven; they
// spend model budget.
func (a *App) scrapeLoop(ctx context.Context) {
	interval := a.cfg.Serve.ScrapeInterval()
	a.logger.Info("scrape scheduler started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.scheduledScrape(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) scheduledScrape(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := a.RunStage(ctx, "scrape", a.cfg.Pipeline.Scrape.Stage())
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("scheduled scrape failed", zap.Error(err))
		}
		return
	}
	a.logger.Info("scheduled scrape finished",
		zap.String("run_id", report.RunID.String()),
		zap.Int("processed", report.Snapshot.Processed),
		zap.Int("succeeded", report.Snapshot.Succeeded),
		zap.Int("failed", report.Snapshot.Failed),
	)
}
