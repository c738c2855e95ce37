package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/italolelis/videoproxy/internal/cache"
	"github.com/italolelis/videoproxy/internal/cleanup"
	"github.com/italolelis/videoproxy/internal/config"
	"github.com/italolelis/videoproxy/internal/http/rest"
	"github.com/italolelis/videoproxy/internal/logctx"
	"github.com/italolelis/videoproxy/internal/media"
	"github.com/italolelis/videoproxy/internal/notifier"
	"github.com/italolelis/videoproxy/internal/origin/putio"
	"github.com/italolelis/videoproxy/internal/storage/sqlite"
	"github.com/italolelis/videoproxy/internal/strategy"
	"github.com/italolelis/videoproxy/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("video proxy starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		InstanceID:     telemetry.GenerateInstanceID(),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	files := sqlite.NewInstrumentedFileRepository(database, tel)

	// =========================================================================
	// Start Origin Client
	client, err := putio.NewClient(cfg.PutioToken,
		putio.WithBaseURL(cfg.PutioBaseURL),
		putio.WithTimeout(cfg.Origin.Timeout),
		putio.WithRetry(cfg.Origin.MaxRetries, cfg.Origin.RetryBackoff),
		putio.WithRateLimit(cfg.Origin.RateLimit),
	)
	if err != nil {
		return fmt.Errorf("failed to build origin client: %w", err)
	}

	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("authentication error: %w", err)
	}

	origin := media.NewInstrumentedOrigin(client, tel, "putio")

	// =========================================================================
	// Start Cache
	store := cache.New(cfg.CacheDir, origin,
		cache.WithTelemetry(tel),
		cache.WithMaxBytes(int64(cfg.MaxCacheSize)),
		cache.WithProgressInterval(int64(cfg.CacheProgressInterval)),
		cache.WithFailureHook(notifier.DownloadFailures(buildNotifier(cfg))),
	)

	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cache: %w", err)
	}

	engine := strategy.NewEngine(store, strategy.Config{
		MaxCacheBytes:           int64(cfg.MaxCacheSize),
		MaxSingleFileCacheBytes: int64(cfg.MaxSingleFileCacheSize),
		CleanupThreshold:        cfg.CleanupThreshold,
		CleanupTarget:           cfg.CleanupTarget,
		SizeWeight:              cfg.PrioritySizeWeight,
		PopularityWeight:        cfg.PriorityPopularityWeight,
		PriorityThreshold:       cfg.PriorityThreshold,
		PopularitySaturation:    cfg.PopularitySaturation,
		PreloadEnabled:          cfg.PreloadEnabled,
		PreloadParallel:         cfg.PreloadParallel,
	}, tel)

	// =========================================================================
	// Start Cleanup
	go cleanup.Run(ctx, store, cfg.CleanupInterval, cfg.KeepCachedFor)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx,
		rest.NewVideoHandler(files, origin, store, engine, tel),
		rest.NewFilesHandler(files, store),
		tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("serving videos",
		"cache_dir", cfg.CacheDir,
		"max_cache_size", cfg.MaxCacheSize.String(),
		"max_single_file_cache_size", cfg.MaxSingleFileCacheSize.String(),
		"retention", cfg.KeepCachedFor.String(),
	)

	select {
	case err := <-serverErrors:
		shutdownStore(ctx, store, cfg)

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		shutdownStore(ctx, store, cfg)

		return ctx.Err()
	}
}

func shutdownStore(ctx context.Context, store *cache.Store, cfg *config.Config) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := store.Shutdown(shutdownCtx); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to shutdown cache", "err", err)
	}
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return nil
	}

	return &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, vHandler *rest.VideoHandler, fHandler *rest.FilesHandler, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Mount("/video", vHandler.Routes())
	r.Mount("/files", fHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
