package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantaxis/qamd/internal/catalogue"
	"github.com/quantaxis/qamd/internal/config"
	"github.com/quantaxis/qamd/internal/dispatch"
	"github.com/quantaxis/qamd/internal/metrics"
	"github.com/quantaxis/qamd/internal/quote"
	"github.com/quantaxis/qamd/internal/server"
	"github.com/quantaxis/qamd/internal/store"
	"github.com/quantaxis/qamd/internal/upstream"
	"github.com/quantaxis/qamd/internal/version"
)

const simTickInterval = 500 * time.Millisecond

func main() {
	configPath := flag.String("config", "configs/qamd.json", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting qamd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	strategy, err := dispatch.ParseStrategy(cfg.LoadBalanceStrategy)
	if err != nil {
		logger.Error("invalid load balance strategy", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"websocket_port", cfg.WebSocketPort,
		"strategy", strategy,
		"connections", len(cfg.Connections),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Redis persistence; a dead Redis degrades to dropped writes.
	redisStore := store.NewRedis(cfg.RedisHost, cfg.RedisPort, logger)
	if err := redisStore.Start(ctx); err != nil {
		logger.Error("failed to start redis store", "error", err)
		os.Exit(1)
	}

	cache := quote.NewCache()

	dispatcher := dispatch.New(dispatch.Options{
		Cache:               cache,
		Strategy:            strategy,
		MaxRetryCount:       cfg.MaxRetryCount,
		AutoFailover:        cfg.FailoverEnabled(),
		MaintenanceInterval: time.Duration(cfg.MaintenanceInterval) * time.Second,
		Logger:              logger,
	})

	// The server resolves raw instrument ids back to display names; it
	// is created after the pool, so the pool sees it through a closure.
	var srv *server.Server
	pool := upstream.NewPool(upstream.PoolOptions{
		Factory: upstream.NewSimFactory(simTickInterval),
		Events:  dispatcher,
		Resolver: upstream.ResolverFunc(func(raw string) string {
			return srv.DisplayName(raw)
		}),
		Sink:                redisStore,
		HealthCheckInterval: time.Duration(cfg.HealthCheckInterval) * time.Second,
		Logger:              logger,
	})
	dispatcher.BindPool(pool)

	for _, connCfg := range cfg.Connections {
		if !connCfg.IsEnabled() {
			logger.Info("skipping disabled connection", "connection_id", connCfg.ConnectionID)
			continue
		}
		if err := pool.AddConnection(connCfg); err != nil {
			logger.Error("failed to add connection", "connection_id", connCfg.ConnectionID, "error", err)
			os.Exit(1)
		}
	}

	// Instrument catalogue: Postgres when configured, else a JSON file.
	cat, closeCatalogue, err := buildCatalogue(ctx, cfg.Catalogue, logger)
	if err != nil {
		logger.Error("failed to build catalogue", "error", err)
		os.Exit(1)
	}
	defer closeCatalogue()
	if err := cat.Start(ctx); err != nil {
		logger.Error("failed to start catalogue", "error", err)
		os.Exit(1)
	}

	srv = server.New(server.Options{
		Port:       cfg.WebSocketPort,
		Pool:       pool,
		Dispatcher: dispatcher,
		Cache:      cache,
		Catalogue:  cat,
		Logger:     logger,
	})

	// Metrics endpoint on its own port.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("metrics server listening", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// Bring the pipeline up back to front: upstream, dispatch, server.
	pool.StartAll()
	if err := pool.Start(ctx); err != nil {
		logger.Error("failed to start pool health monitor", "error", err)
		os.Exit(1)
	}
	if err := dispatcher.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start websocket server", "error", err)
		os.Exit(1)
	}

	logger.Info("qamd running",
		"ws_url", fmt.Sprintf("ws://localhost:%d/", cfg.WebSocketPort),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.WebSocketPort),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("websocket server shutdown", "error", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("dispatcher shutdown", "error", err)
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("pool health monitor shutdown", "error", err)
	}
	pool.StopAll()
	if err := cat.Stop(shutdownCtx); err != nil {
		logger.Warn("catalogue shutdown", "error", err)
	}
	if err := redisStore.Stop(shutdownCtx); err != nil {
		logger.Warn("redis store shutdown", "error", err)
	}
	metricsServer.Shutdown(shutdownCtx)

	logger.Info("qamd stopped")
}

// buildCatalogue picks the instrument source from config. The returned
// closer releases the Postgres pool when one was opened.
func buildCatalogue(ctx context.Context, cfg config.CatalogueConfig, logger *slog.Logger) (*catalogue.Catalogue, func(), error) {
	reload := time.Duration(cfg.ReloadInterval) * time.Second

	if cfg.Postgres != nil {
		src, err := catalogue.NewPostgresSource(ctx, *cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connect catalogue database: %w", err)
		}
		return catalogue.New(src, reload, logger), src.Close, nil
	}

	if cfg.Path != "" {
		return catalogue.New(catalogue.NewFileSource(cfg.Path), reload, logger), func() {}, nil
	}

	return catalogue.New(nil, 0, logger), func() {}, nil
}
