// Package main wires together the listing ingestion service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ygoldberg/listingwatch/internal/api"
	"github.com/ygoldberg/listingwatch/internal/archive"
	"github.com/ygoldberg/listingwatch/internal/config"
	"github.com/ygoldberg/listingwatch/internal/crawl"
	"github.com/ygoldberg/listingwatch/internal/egress"
	"github.com/ygoldberg/listingwatch/internal/extract"
	"github.com/ygoldberg/listingwatch/internal/fetch"
	"github.com/ygoldberg/listingwatch/internal/ingest"
	"github.com/ygoldberg/listingwatch/internal/logging"
	"github.com/ygoldberg/listingwatch/internal/metrics"
	"github.com/ygoldberg/listingwatch/internal/notify"
	pubsubnotify "github.com/ygoldberg/listingwatch/internal/notify/pubsub"
	"github.com/ygoldberg/listingwatch/internal/pacing"
	memorystore "github.com/ygoldberg/listingwatch/internal/store/memory"
	postgresstore "github.com/ygoldberg/listingwatch/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, stop); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, stop func()) error {
	var (
		listings ingest.ListingStore
		settings ingest.SettingsStore
		sources  ingest.SourceStore
	)
	switch cfg.DB.Backend {
	case "postgres":
		pg, err := postgresstore.New(ctx, postgresstore.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
		defer pg.Close()
		if err := pg.InitSchema(ctx); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
		listings, settings, sources = pg, pg, pg
	default:
		mem := memorystore.New()
		listings, settings, sources = mem, mem, mem
	}

	if err := seedSources(ctx, sources, cfg.Sources, logger); err != nil {
		return err
	}

	pool := buildPool(cfg.Egress.Routes, logger)

	pacer, err := pacing.NewController(ctx, pacing.Config{
		FastDelayMin:    time.Duration(cfg.Pacing.FastDelayMinMs) * time.Millisecond,
		FastDelayMax:    time.Duration(cfg.Pacing.FastDelayMaxMs) * time.Millisecond,
		NormalDelayMin:  time.Duration(cfg.Pacing.NormalDelayMinMs) * time.Millisecond,
		NormalDelayMax:  time.Duration(cfg.Pacing.NormalDelayMaxMs) * time.Millisecond,
		CycleDelayMin:   time.Duration(cfg.Pacing.CycleDelayMinMin) * time.Minute,
		CycleDelayMax:   time.Duration(cfg.Pacing.CycleDelayMaxMin) * time.Minute,
		CycleDelayFloor: time.Duration(cfg.Pacing.CycleFloorMin) * time.Minute,
		Window:          time.Duration(cfg.Pacing.WindowHours) * time.Hour,
	}, settings, logger.Named("pacing"))
	if err != nil {
		return fmt.Errorf("pacing init: %w", err)
	}

	fetcher := fetch.New(fetch.Config{
		Timeout:     cfg.HTTPTimeout(),
		MaxAttempts: cfg.HTTP.MaxAttempts,
		UserAgents:  cfg.HTTP.UserAgents,
	}, pool, pacer, logger.Named("fetch"))

	extractor := extract.New(extract.Config{
		BaseURL:  cfg.Extract.BaseURL,
		MinPrice: cfg.Extract.MinPrice,
		MaxPrice: cfg.Extract.MaxPrice,
	}, logger.Named("extract"))

	var pages ingest.PageArchive
	if cfg.Archive.Enabled {
		local, err := archive.NewLocal(archive.LocalConfig{BaseDir: cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("archive init: %w", err)
		}
		pages = local
	}

	sinks := []ingest.Publisher{notify.NewLogPublisher(logger.Named("notify"))}
	if cfg.PubSub.Enabled {
		ps, err := pubsubnotify.New(ctx, pubsubnotify.Config{
			ProjectID: cfg.PubSub.ProjectID,
			TopicID:   cfg.PubSub.TopicID,
		}, logger.Named("pubsub"))
		if err != nil {
			return fmt.Errorf("pubsub init: %w", err)
		}
		defer func() {
			_ = ps.Close()
		}()
		sinks = append(sinks, ps)
	}

	runner, err := crawl.NewRunner(crawl.Config{
		BackfillThreshold: cfg.Crawl.BackfillThreshold,
		DeactivationFloor: cfg.Crawl.DeactivationFloor,
		Backfill: crawl.BackfillConfig{
			MaxPages:       cfg.Crawl.BackfillMaxPages,
			BatchSize:      cfg.Crawl.BackfillBatchSize,
			Workers:        cfg.Crawl.BackfillWorkers,
			FlushThreshold: cfg.Crawl.FlushThreshold,
		},
		Monitor: crawl.MonitorConfig{
			MaxPages:             cfg.Crawl.MonitorMaxPages,
			ConsecutiveKnownStop: cfg.Crawl.ConsecutiveKnownStop,
			MinPagesBeforeStop:   cfg.Crawl.MinPagesBeforeStop,
		},
	}, crawl.RunnerDeps{
		Store:     listings,
		Settings:  settings,
		Sources:   sources,
		Fetcher:   fetcher,
		Extract:   extractor,
		Publisher: notify.NewMulti(sinks...),
		Archive:   pages,
		Pacer:     pacer,
		Pool:      pool,
		Logger:    logger.Named("crawl"),
	})
	if err != nil {
		return fmt.Errorf("runner init: %w", err)
	}

	apiServer := api.NewServer(listings, sources, pool, pacer, runner, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("ingestion loop started")
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("ingestion loop error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// seedSources registers configured searches that are not already known,
// matching on URL so restarts stay idempotent.
func seedSources(ctx context.Context, sources ingest.SourceStore, seeds []config.SourceConfig, logger *zap.Logger) error {
	if len(seeds) == 0 {
		return nil
	}
	existing, err := sources.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, src := range existing {
		known[src.URL] = true
	}
	for _, seed := range seeds {
		if known[seed.URL] {
			continue
		}
		src, err := sources.AddSource(ctx, seed.Name, seed.URL)
		if err != nil {
			return fmt.Errorf("seed source %q: %w", seed.Name, err)
		}
		logger.Info("source registered", zap.String("name", src.Name), zap.Int64("id", src.ID))
	}
	return nil
}

func buildPool(entries []string, logger *zap.Logger) *egress.Pool {
	var routes []egress.Route
	for _, entry := range entries {
		route, err := egress.ParseRoute(entry)
		if err != nil {
			logger.Warn("skipping malformed egress route", zap.Error(err))
			continue
		}
		routes = append(routes, route)
	}
	return egress.NewPool(routes, logger.Named("egress"))
}
