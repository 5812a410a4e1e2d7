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
	"github.com/italolelis/preview_downloader/internal/cleanup"
	"github.com/italolelis/preview_downloader/internal/config"
	"github.com/italolelis/preview_downloader/internal/downloader"
	"github.com/italolelis/preview_downloader/internal/fetch"
	"github.com/italolelis/preview_downloader/internal/http/rest"
	"github.com/italolelis/preview_downloader/internal/logctx"
	"github.com/italolelis/preview_downloader/internal/notifier"
	"github.com/italolelis/preview_downloader/internal/storage/sqlite"
	"github.com/italolelis/preview_downloader/internal/telemetry"
	"github.com/italolelis/preview_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(jsonHandler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("preview downloader starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
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
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
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

	history := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Download Manager
	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	session, err := fetch.NewSession(ctx, fetch.Config{
		TempDir:          cfg.TempDir,
		UserAgent:        cfg.UserAgent,
		Timeout:          cfg.FetchTimeout,
		ProgressInterval: cfg.ProgressInterval,
		Token:            cfg.SourceToken,
	}, tel)
	if err != nil {
		return fmt.Errorf("failed to create fetch session: %w", err)
	}

	mgr := downloader.NewManager(ctx, cfg.StorageDir, transfer.NewInstrumentedSession(session, tel, "http"), tel)
	mgr.Start(ctx)

	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Error("failed to close download manager", "err", err)
		}
	}()

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, mgr, tel, cfg)

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	g.Go(func() error {
		return downloader.NewRecorder(history, buildNotifier(cfg)).Run(gctx, mgr.Events())
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		return cleanup.Run(gctx, history, cfg.CleanupInterval, cfg.KeepDownloadedFor)
	})

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"storage_dir", cfg.StorageDir,
		"temp_dir", cfg.TempDir,
		"retention", cfg.KeepDownloadedFor.String(),
	)

	return g.Wait()
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return notifier.NopNotifier{}
	}

	return &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, mgr *downloader.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewDownloadsHandler(cfg.Web.Username, cfg.Web.Password, mgr)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler: otelhttp.NewHandler(r, "preview_downloader",
			otelhttp.WithTracerProvider(tel.TracerProvider()),
			otelhttp.WithMeterProvider(tel.MeterProvider()),
		),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
