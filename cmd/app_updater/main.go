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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/app_updater/internal/cleanup"
	"github.com/italolelis/app_updater/internal/config"
	"github.com/italolelis/app_updater/internal/contentref"
	"github.com/italolelis/app_updater/internal/downloadmgr"
	"github.com/italolelis/app_updater/internal/events"
	"github.com/italolelis/app_updater/internal/http/rest"
	"github.com/italolelis/app_updater/internal/installer"
	"github.com/italolelis/app_updater/internal/logctx"
	"github.com/italolelis/app_updater/internal/notifier"
	"github.com/italolelis/app_updater/internal/storage"
	"github.com/italolelis/app_updater/internal/storage/sqlite"
	"github.com/italolelis/app_updater/internal/telemetry"
	"github.com/italolelis/app_updater/internal/update"
	"github.com/italolelis/app_updater/internal/updatecheck"
	"golang.org/x/sync/errgroup"
)

const reasonInterrupted = "interrupted"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := logctx.NewJSONLogger(os.Stdout, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("app updater starting...", "log_level", cfg.LogLevel, "version", cfg.CurrentVersion)

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
		ServiceVersion: cfg.CurrentVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
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

	downloads := sqlite.NewInstrumentedDownloadRepository(database, tel)
	checks := sqlite.NewInstrumentedCheckRepository(database, tel)

	recoverInterruptedDownloads(ctx, downloads)

	// =========================================================================
	// Start Download Manager
	completions := events.NewBus[update.Completion](logger)

	mgr := downloadmgr.New(downloads, completions, downloadmgr.Config{
		MaxAttempts:     cfg.Download.MaxAttempts,
		InitialBackoff:  cfg.Download.InitialBackoff,
		MaxBackoff:      cfg.Download.MaxBackoff,
		PersistInterval: cfg.Download.PersistInterval,
	}, tel)

	// =========================================================================
	// Start Orchestrator
	content := contentref.New(contentref.Config{
		PublicBaseURL: cfg.Content.PublicBaseURL,
		TTL:           cfg.Content.TTL,
		MimeType:      cfg.MimeType,
		LegacyFileURI: cfg.Content.LegacyFileURI,
	})

	var inst *update.Installer
	if args := cfg.InstallArgs(); len(args) > 0 {
		inst = update.NewInstaller(content, installer.NewExecLauncher(args), cfg.MimeType)
	} else {
		logger.Warn("INSTALL_COMMAND is not set, downloaded updates will not be installed")
	}

	opts := update.DefaultOptions(cfg.ArtifactPath())
	opts.UserAgent = cfg.UserAgent
	opts.MimeType = cfg.MimeType
	opts.PollInitialDelay = cfg.PollInitialDelay
	opts.PollInterval = cfg.PollInterval
	opts.SessionTimeout = cfg.SessionTimeout

	orch := update.NewOrchestrator(downloadmgr.NewInstrumentedService(mgr, tel), completions, inst, opts, tel)

	// =========================================================================
	// Start Update Check
	var checker *updatecheck.Checker

	if cfg.APIBaseURL != "" {
		frequency, err := updatecheck.ParseFrequency(cfg.CheckFrequency)
		if err != nil {
			return err
		}

		checker = updatecheck.New(updatecheck.Config{
			APIBaseURL:     cfg.APIBaseURL,
			CurrentVersion: cfg.CurrentVersion,
			Frequency:      frequency,
			UserAgent:      cfg.UserAgent,
		}, checks, tel)
	}

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	setupNotificationForOrchestrator(ctx, g, orch, cfg)

	// =========================================================================
	// Start API Service
	server := setupServer(gctx, orch, checker, content, tel, cfg)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		runCleanup(gctx, content, cfg)

		return nil
	})

	// =========================================================================
	// Start Update Check
	if checker != nil {
		g.Go(func() error {
			runStartupCheck(gctx, checker, orch, cfg)

			return nil
		})
	}

	logger.Info("waiting for updates...",
		"artifact", cfg.ArtifactPath(),
		"check_frequency", cfg.CheckFrequency,
		"retention", cfg.ArtifactRetention.String(),
	)

	// =========================================================================
	// Shutdown
	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				logger.Error("could not stop server gracefully", "err", err)
			}
		}

		orch.Close(ctx)

		logger.Info("stopping downloads", "in_flight", mgr.Active())

		if err := mgr.Shutdown(ctx); err != nil {
			logger.Error("failed to stop downloads", "err", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if ctx.Err() != nil {
		logger.Info("shutdown complete")
	}

	return nil
}

// recoverInterruptedDownloads fails rows a previous process left behind
// mid-transfer.
func recoverInterruptedDownloads(ctx context.Context, repo storage.DownloadRepository) {
	logger := logctx.LoggerFromContext(ctx)

	rows, err := repo.GetDownloads(ctx)
	if err != nil {
		logger.Error("failed to load downloads", "err", err)

		return
	}

	for _, row := range rows {
		status, err := update.ParseStatus(row.Status)
		if err != nil || status.IsTerminal() {
			continue
		}

		if err := repo.UpdateStatus(ctx, row.ID, update.StatusFailed.String(), reasonInterrupted, row.BytesDownloaded, row.BytesTotal); err != nil {
			logger.Error("failed to mark interrupted download", "download_id", row.ID, "err", err)

			continue
		}

		logger.Info("marked interrupted download as failed", "download_id", row.ID)
	}
}

func setupNotificationForOrchestrator(ctx context.Context, g *errgroup.Group, orch *update.Orchestrator, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	notify := func(out *update.Outcome) {
		if notif == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		if err := notif.Notify(ctx, notifier.OutcomeMessage(out)); err != nil {
			logger.Error("failed to send notification", "download_id", out.DownloadID, "err", err)
		}
	}

	g.Go(func() error {
		for out := range orch.OnUpdateFailed {
			logger.Error("update failed", "download_id", out.DownloadID, "version", out.Version, "err", out.Err)
			notify(out)
		}

		return nil
	})

	g.Go(func() error {
		for out := range orch.OnUpdateReady {
			logger.Info("update ready", "download_id", out.DownloadID, "version", out.Version, "artifact", out.ArtifactPath)
			notify(out)
		}

		return nil
	})
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	orch *update.Orchestrator,
	checker *updatecheck.Checker,
	content *contentref.Provider,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	var c rest.Checker
	if checker != nil {
		c = checker
	}

	uHandler := rest.NewUpdateHandler(cfg.API.Username, cfg.API.Password, orch, c, cfg.API.RateLimit)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/content", content.Routes())
	r.Mount("/update", uHandler.Routes())

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

func runCleanup(ctx context.Context, content *contentref.Provider, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case now := <-cleanupTicker.C:
			if n := content.Sweep(now); n > 0 {
				logger.Debug("expired content grants removed", "count", n, "outstanding", content.Len())
			}

			if _, err := cleanup.DeleteExpiredFiles(ctx, cfg.ArtifactDir, cfg.ArtifactPath(), cfg.ArtifactRetention); err != nil {
				logger.Error("failed to delete expired files", "err", err)
			}
		}
	}
}

// runStartupCheck asks the update server for a new version once at startup
// and optionally starts downloading it.
func runStartupCheck(ctx context.Context, checker *updatecheck.Checker, orch *update.Orchestrator, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	res, err := checker.Check(ctx, false)
	if err != nil {
		if errors.Is(err, updatecheck.ErrCheckSkipped) {
			logger.Debug("update check not due yet", "frequency", cfg.CheckFrequency)
		}

		return
	}

	if !res.UpdateAvailable || !cfg.AutoDownload {
		return
	}

	if _, err := orch.Start(ctx, res.UpdateURL, update.WithVersion(res.LatestVersion)); err != nil {
		logger.Error("failed to start automatic update download", "version", res.LatestVersion, "err", err)
	}
}
