package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/incidentstack/responder/internal/api"
	"github.com/incidentstack/responder/internal/cache"
	"github.com/incidentstack/responder/internal/config"
	"github.com/incidentstack/responder/internal/embed"
	"github.com/incidentstack/responder/internal/engine"
	"github.com/incidentstack/responder/internal/index"
	"github.com/incidentstack/responder/internal/matcher"
	"github.com/incidentstack/responder/internal/metrics"
	"github.com/incidentstack/responder/internal/recommend"
	"github.com/incidentstack/responder/internal/repair"
	"github.com/incidentstack/responder/internal/runbooks"
	"github.com/incidentstack/responder/internal/store"
	"github.com/incidentstack/responder/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting responder-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, idempotency tokens disabled", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	} else if cfg.Cache.Enabled {
		cacheProvider = cache.NewMemoryProvider()
	}

	var embedder embed.Provider
	switch cfg.Embedding.Provider {
	case "http":
		embedder = embed.NewHTTPProvider(
			cfg.Embedding.Endpoint,
			cfg.Embedding.APIKey,
			cfg.Embedding.Model,
			cfg.Embedding.Dimension,
			cfg.Embedding.Timeout,
		)
	default:
		embedder = embed.NewLocalProvider(cfg.Embedding.Dimension)
	}

	var idx index.Index
	if cfg.Index.Endpoint != "" {
		idx = index.NewWeaviateIndex(cfg.Index.Endpoint, cfg.Index.APIKey, cfg.Index.Timeout)
	} else {
		logger.Warn("no index endpoint configured, using in-process index")
		idx = index.NewMemoryIndex()
	}

	var recordStore store.Store
	switch cfg.Store.Driver {
	case "postgres":
		recordStore, err = store.NewPostgresStore(cfg.Store.DSN, cfg.Store.Timeout)
		if err != nil {
			logger.Error("failed to open record store", slog.Any("error", err))
			os.Exit(1)
		}
	default:
		logger.Warn("using in-process record store, data will not survive restarts")
		recordStore = store.NewMemoryStore()
	}
	defer recordStore.Close()

	var generator recommend.Generator = recommend.Noop{}
	if cfg.Recommend.Enabled {
		generator = recommend.NewClaudeGenerator(
			os.Getenv("ANTHROPIC_API_KEY"),
			cfg.Recommend.Model,
			cfg.Recommend.MaxTokens,
			cfg.Recommend.Timeout,
		)
	}

	coordinator := engine.NewCoordinator(recordStore, idx, embedder,
		utils.ComponentLogger(logger, "dualwrite"))

	if cfg.Runbooks.Path != "" {
		pack, err := runbooks.LoadPack(cfg.Runbooks.Path)
		if err != nil {
			logger.Error("failed to load runbook pack", slog.String("path", cfg.Runbooks.Path), slog.Any("error", err))
			os.Exit(1)
		}
		seeder := runbooks.NewSeeder(recordStore, coordinator, embedder,
			utils.ComponentLogger(logger, "runbooks"))
		seedCtx, cancelSeed := context.WithTimeout(context.Background(), 30*time.Second)
		if err := seeder.Seed(seedCtx, pack); err != nil {
			logger.Error("runbook seeding failed", slog.Any("error", err))
			cancelSeed()
			os.Exit(1)
		}
		cancelSeed()
		logger.Info("runbook pack seeded", slog.Int("runbooks", len(pack)))
	}

	reportMatcher := matcher.New(utils.ComponentLogger(logger, "matcher"), embedder, idx, matcher.Config{
		SimilarityThreshold:   cfg.Engine.SimilarityThreshold,
		RunbookMatchThreshold: cfg.Engine.RunbookMatchThreshold,
		TopKDedup:             cfg.Engine.TopKDedup,
		TopKRunbooks:          cfg.Engine.TopKRunbooks,
	})

	eng := engine.New(
		utils.ComponentLogger(logger, "engine"),
		reportMatcher,
		coordinator,
		recordStore,
		cacheProvider,
		generator,
		cfg.Engine,
	)

	handlers := api.NewHandlers(eng, utils.ComponentLogger(logger, "api"))
	server, err := api.NewServer(cfg.Server, handlers, utils.ComponentLogger(logger, "http"))
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Repair.Enabled {
		loop := repair.NewLoop(recordStore, coordinator,
			utils.ComponentLogger(logger, "repair"), cfg.Repair.Interval)
		go loop.Run(ctx)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("responder-engine stopped")
}
