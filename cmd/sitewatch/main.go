// Package main wires together the sitewatch monitoring service.
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/api"
	archivegcs "github.com/webmonitor/sitewatch/internal/archive/gcs"
	archivelocal "github.com/webmonitor/sitewatch/internal/archive/local"
	archivememory "github.com/webmonitor/sitewatch/internal/archive/memory"
	"github.com/webmonitor/sitewatch/internal/clock/system"
	"github.com/webmonitor/sitewatch/internal/compare"
	"github.com/webmonitor/sitewatch/internal/config"
	"github.com/webmonitor/sitewatch/internal/crawl"
	"github.com/webmonitor/sitewatch/internal/dispatch"
	"github.com/webmonitor/sitewatch/internal/fetch"
	"github.com/webmonitor/sitewatch/internal/hash/sha256"
	"github.com/webmonitor/sitewatch/internal/id/uuid"
	"github.com/webmonitor/sitewatch/internal/logging"
	"github.com/webmonitor/sitewatch/internal/monitor"
	"github.com/webmonitor/sitewatch/internal/pool"
	"github.com/webmonitor/sitewatch/internal/progress"
	"github.com/webmonitor/sitewatch/internal/queue"
	"github.com/webmonitor/sitewatch/internal/scan"
	"github.com/webmonitor/sitewatch/internal/sitemap"
	storememory "github.com/webmonitor/sitewatch/internal/store/memory"
	"github.com/webmonitor/sitewatch/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	var store monitor.Store
	if cfg.Database.DSN != "" {
		pgStore, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Database.DSN,
			MaxConns: int32(cfg.Database.MaxConns),
		}, clock, idGen)
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		logger.Warn("no database DSN configured, using in-memory store")
		store = storememory.New(clock, idGen)
	}

	archiver, err := buildArchiver(ctx, cfg.Archive, logger)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}

	fetcher := fetch.New(fetch.Config{
		UserAgent:       cfg.Crawler.UserAgent,
		Timeout:         cfg.Crawler.RequestTimeout(),
		FollowRedirects: true,
	}, logger)
	robots := fetch.NewRobotsAgent(cfg.Crawler.UserAgent, nil)
	sitemaps := sitemap.NewDiscoverer(fetcher, logger)
	crawler := crawl.New(fetcher, robots, logger)
	pagePool := pool.New(fetcher, hasher, archiver, pool.Config{
		Workers:    cfg.Crawler.MaxConcurrency,
		CrawlDelay: cfg.Crawler.CrawlDelay(),
	}, logger)

	reporter := progress.Multi{
		progress.NewStoreReporter(store, logger),
		progress.NewLogReporter(logger),
	}
	orchestrator := scan.New(store, sitemaps, crawler, pagePool, clock, idGen, reporter, logger)

	dispatcher := dispatch.New(store, orchestrator, clock, dispatch.Config{
		PollInterval:  cfg.Dispatcher.PollInterval(),
		MaxConcurrent: cfg.Dispatcher.MaxConcurrent,
	}, logger)
	reaper := dispatch.NewReaper(store, clock, dispatch.ReaperConfig{
		Interval:         cfg.Reaper.Interval(),
		StuckAfter:       cfg.Reaper.StuckAfter(),
		JobRetention:     cfg.Reaper.JobRetention(),
		ArchiveRetention: cfg.Reaper.ArchiveRetention(),
	}, logger)

	var provider queue.Provider = queue.NoOpProvider{}
	if cfg.PubSub.ProjectID != "" {
		ps, err := queue.NewPubSubProvider(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic, cfg.PubSub.Subscription, logger)
		if err != nil {
			logger.Fatal("pubsub init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := ps.Close(); closeErr != nil {
				logger.Warn("pubsub close failed", zap.Error(closeErr))
			}
		}()
		provider = ps
	}

	var comparer compare.Comparer = compare.NewEngine(store, logger)
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if closeErr := redisClient.Close(); closeErr != nil {
				logger.Warn("redis close failed", zap.Error(closeErr))
			}
		}()
		comparer = compare.NewCachedEngine(comparer, redisClient, logger)
	}

	apiServer := api.NewServer(store, provider, comparer, idGen, clock, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started",
			zap.Duration("poll_interval", cfg.Dispatcher.PollInterval()),
			zap.Int("max_concurrent", cfg.Dispatcher.MaxConcurrent),
		)
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatcher error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("reaper started", zap.Duration("interval", cfg.Reaper.Interval()))
		if err := reaper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reaper error", zap.Error(err))
		}
	}()

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.Subscription != "" {
		subscriber := dispatch.NewSubscriber(store, dispatcher, provider, logger)
		go func() {
			logger.Info("job subscriber started", zap.String("subscription", cfg.PubSub.Subscription))
			if err := subscriber.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("subscriber error", zap.Error(err))
			}
		}()
	}

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
	dispatcher.Wait()
	logger.Info("shutdown complete")
}

// buildArchiver picks the raw-page archive backend. A "none" backend
// returns a nil Archiver, which disables archiving in the pool.
func buildArchiver(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (pool.Archiver, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "memory":
		return archivememory.New(cfg.Prefix), nil
	case "local":
		s, err := archivelocal.New(archivelocal.Config{
			BaseDir: cfg.BaseDir,
			Prefix:  cfg.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "gcs":
		s, err := archivegcs.New(ctx, cfg.GCSBucket, cfg.Prefix, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
