// Package main provides the entry point for the HoneyTrail server.
// It collects honeypot events, enriches and scores them, and serves the
// query and live feed API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/honeytrail/internal/api"
	"github.com/lvonguyen/honeytrail/internal/config"
	"github.com/lvonguyen/honeytrail/internal/feed"
	"github.com/lvonguyen/honeytrail/internal/geoip"
	"github.com/lvonguyen/honeytrail/internal/observability"
	"github.com/lvonguyen/honeytrail/internal/pipeline"
	"github.com/lvonguyen/honeytrail/internal/risk"
	"github.com/lvonguyen/honeytrail/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("HoneyTrail %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Run with defaults when no config file is present.
		cfg = config.DefaultConfig()
	}

	telemetry, err := observability.New(observability.Config{
		ServiceName:    "honeytrail",
		ServiceVersion: Version,
		Environment:    os.Getenv("HONEYTRAIL_ENV"),
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		MetricsEnabled: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.Logger()
	logger.Info("starting HoneyTrail",
		zap.String("version", Version),
		zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventStore, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal("failed to open event store", zap.Error(err))
	}
	defer eventStore.Close()

	// Redis backs the geolocation cache and the ingest rate limiter. Both
	// degrade gracefully when it is absent or down.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.RedisPassword(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, continuing degraded", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var geoCache geoip.Cache
	if redisClient != nil {
		geoCache = geoip.NewRedisCache(redisClient, cfg.GeoIP.CacheTTL, logger)
	} else {
		geoCache = geoip.NewMemoryCache(cfg.GeoIP.CacheTTL)
	}
	resolver := geoip.NewResolver(geoip.Config{
		BaseURL: cfg.GeoIP.BaseURL,
		Timeout: cfg.GeoIP.Timeout,
	}, geoCache, logger)

	var classifier risk.Classifier
	if cfg.Classifier.Enabled {
		httpClassifier, err := risk.NewHTTPClassifier(risk.HTTPConfig{
			BaseURL: cfg.Classifier.BaseURL,
			Timeout: cfg.Classifier.Timeout,
		})
		if err != nil {
			logger.Warn("risk classifier disabled", zap.Error(err))
		} else {
			classifier = httpClassifier
			logger.Info("risk classifier enabled", zap.String("base_url", cfg.Classifier.BaseURL))
		}
	}
	annotator := risk.NewAnnotator(classifier, logger)

	notifier := feed.NewNotifier()
	liveFeed := feed.New(eventStore, notifier, feed.Config{
		PollInterval: cfg.Feed.PollInterval,
		BatchSize:    cfg.Feed.BatchSize,
	}, logger, telemetry.Metrics())

	ingest := pipeline.New(eventStore, resolver, annotator, notifier, logger, telemetry.Metrics())

	opts := []api.Option{
		api.WithMetrics(telemetry.Metrics()),
		api.WithMetricsHandler(telemetry.MetricsHandler()),
	}
	if cfg.RateLimit.Enabled && redisClient != nil {
		opts = append(opts, api.WithRateLimiter(
			api.NewRateLimiter(redisClient, cfg.RateLimit.RequestsPerMinute, logger)))
	}
	server := api.NewServer(ingest, eventStore, liveFeed, logger, Version, opts...)

	telemetry.StartSystemMetricsCollector(ctx)

	// WriteTimeout stays unset: it would sever long-lived event stream
	// connections. Per-request deadlines come from the router's timeout
	// middleware instead.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	telemetry.Shutdown(shutdownCtx)
	logger.Info("server stopped")
}
