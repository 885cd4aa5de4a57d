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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/campusops/course_archiver/internal/artifact"
	"github.com/campusops/course_archiver/internal/catalog"
	"github.com/campusops/course_archiver/internal/config"
	"github.com/campusops/course_archiver/internal/export"
	"github.com/campusops/course_archiver/internal/http/rest"
	"github.com/campusops/course_archiver/internal/lms/canvas"
	"github.com/campusops/course_archiver/internal/logctx"
	"github.com/campusops/course_archiver/internal/notifier"
	"github.com/campusops/course_archiver/internal/scheduler"
	"github.com/campusops/course_archiver/internal/storage"
	"github.com/campusops/course_archiver/internal/storage/sqlite"
	"github.com/campusops/course_archiver/internal/telemetry"
	"github.com/campusops/course_archiver/internal/transfer"
	"github.com/campusops/course_archiver/internal/unpack"
)

const serviceName = "course_archiver"

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	slog.Info("course archiver starting...", "version", version, "log_level", cfg.LogLevel)

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
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer shutdownCancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown telemetry", "err", err)
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

	archives := sqlite.NewInstrumentedArchiveRepository(database, tel)

	// =========================================================================
	// Start Canvas Client
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.CanvasToken})
	oauthCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})

	apiClient := oauth2.NewClient(oauthCtx, tokenSource)
	apiClient.Timeout = cfg.APITimeout

	// The streaming client carries no timeout: http.Client.Timeout spans the
	// whole body read and would abort large artifact downloads mid-stream.
	streamClient := oauth2.NewClient(oauthCtx, tokenSource)

	client := canvas.NewClient(cfg.CanvasBaseURL, apiClient)
	client.PageSize = cfg.PageSize
	client.ExportType = cfg.ExportType
	client.SkipNotifications = cfg.SkipNotifications
	client.IncludeQuizQuestions = cfg.IncludeQuizQuestions

	// =========================================================================
	// Resolve Courses
	courses, err := catalog.NewStore(cfg.CourseCacheFile, client).Courses(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve courses: %w", err)
	}

	if cfg.CourseFilter != "" {
		filter, err := catalog.LoadFilter(cfg.CourseFilter)
		if err != nil {
			return fmt.Errorf("failed to load course filter: %w", err)
		}

		courses = catalog.Apply(courses, filter)
	}

	if len(courses) == 0 {
		logger.InfoContext(ctx, "no courses selected, nothing to archive")

		return nil
	}

	// =========================================================================
	// Start Poller
	sched := scheduler.New(cfg.MaxParallel)
	fetcher := transfer.NewFetcher(transfer.NewHTTPTransport(streamClient),
		cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffCap)

	poller := export.NewPoller(
		export.NewInstrumentedAPI(client, tel),
		export.NewInstrumentedFetcher(fetcher, tel),
		artifact.NewLayout(cfg.ArchiveDir),
		sched,
		export.Settings{
			Cutoff:       cfg.ExportCutoff.Time,
			PollInterval: cfg.PollInterval,
			CheckDelay:   cfg.CheckDelay,
		},
	)
	poller.History = archives

	if cfg.UnpackArchives {
		poller.Unpack = unpack.NewExtractor()
	}

	// =========================================================================
	// Start Notification
	setupNotifications(ctx, poller, tel, cfg)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, poller, sched, archives, tel, cfg)

	logger.InfoContext(ctx, "starting archive run",
		"courses", len(courses),
		"archive_dir", cfg.ArchiveDir,
		"max_parallel", cfg.MaxParallel,
		"poll_interval", cfg.PollInterval.String(),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		logger.InfoContext(gctx, "initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		// The run ending for any reason tears the ops server down with it.
		defer cancel()
		defer poller.Close()

		return poller.Run(gctx, courses)
	})

	g.Go(func() error {
		<-gctx.Done()

		// Give outstanding requests a deadline for completion.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err := server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	err = g.Wait()

	snap := poller.Snapshot()
	logger.InfoContext(ctx, "archive run finished",
		"rounds", snap.Round,
		"archived", snap.Archived,
		"failed", snap.Failed,
	)

	// A signal cancellation is an operator stop, not a failure.
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// setupNotifications drains the poller's events: course outcomes go to the
// webhook when one is configured, round snapshots feed the run gauges.
func setupNotifications(ctx context.Context, poller *export.Poller, tel *telemetry.Telemetry, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.WebhookURL != "" {
		notif = notifier.NewWebhookNotifier(cfg.WebhookURL)
	}

	notify := func(content string) {
		if notif == nil {
			return
		}

		if err := notif.Notify(content); err != nil {
			logger.Error("failed to send notification", "err", err)
			tel.RecordSystemError("notifier", "webhook_error")
		}
	}

	go func() {
		for course := range poller.OnCourseArchived {
			notify(fmt.Sprintf("✅ Archived course: %s (%d)", course.Name, course.ID))
		}
	}()

	go func() {
		for failure := range poller.OnCourseFailed {
			notify(fmt.Sprintf("❌ Archiving failed for course %s (%d): %v", failure.Course.Name, failure.Course.ID, failure.Err))
		}
	}()

	go func() {
		for snap := range poller.OnRoundCompleted {
			tel.RecordPollRound(snap.Pending, snap.Archived, snap.Failed)
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, poller *export.Poller, sched *scheduler.Scheduler, history storage.ArchiveReader, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	statusHandler := rest.NewStatusHandler(poller, sched, history)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", statusHandler.Routes())

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
