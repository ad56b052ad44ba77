// Command server starts the clipscrub submitter: the public API, the internal
// worker callback endpoint, and the retention/sweeper loops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipscrub/clipscrub/internal/adapter/blob"
	"github.com/clipscrub/clipscrub/internal/adapter/httpserver"
	"github.com/clipscrub/clipscrub/internal/adapter/notify"
	"github.com/clipscrub/clipscrub/internal/adapter/queue/redpanda"
	"github.com/clipscrub/clipscrub/internal/adapter/repo/postgres"
	"github.com/clipscrub/clipscrub/internal/app"
	"github.com/clipscrub/clipscrub/internal/config"
	"github.com/clipscrub/clipscrub/internal/lifecycle"
	"github.com/clipscrub/clipscrub/internal/observability"
	"github.com/clipscrub/clipscrub/internal/service/ratelimiter"
	"github.com/clipscrub/clipscrub/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if cfg.PresetOverlayPath != "" {
		if err := config.ApplyPresetOverlay(cfg.PresetOverlayPath); err != nil {
			slog.Error("preset overlay failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBServiceKey)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	ledgerRepo := postgres.NewLedgerRepo(pool)

	if cfg.RetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.RetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.RetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Redis backs the rate limiter and the notification prefs cache. Both
	// degrade gracefully, so a broken Redis URL only logs.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		if opt, rerr := redis.ParseURL(cfg.RedisURL); rerr != nil {
			slog.Error("redis url invalid, continuing without redis", slog.Any("error", rerr))
		} else {
			rdb = redis.NewClient(opt)
		}
	}

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("queue producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	blobClient := blob.New(cfg.BlobBaseURL, cfg.BlobServiceKey)
	webhook := notify.NewWebhook(cfg.WebhookSecret)
	prefs := notify.NewPrefsCache(rdb, notify.ParseStaticSource(cfg.NotifyEmails), cfg.PrefsCacheTTL)
	mailer := notify.NewMailer(cfg.MailBaseURL, cfg.MailAPIKey, prefs)

	submitSvc := usecase.NewSubmitService(jobRepo, ledgerRepo, producer)
	submitSvc.BatchMax = cfg.BatchMax
	submitSvc.FeatureCustomCrop = cfg.FeatureCustomCrop
	submitSvc.FeatureWebhooks = cfg.FeatureWebhooks
	submitSvc.InpaintEnabled = cfg.InpaintEnabled()

	querySvc := usecase.NewQueryService(jobRepo, ledgerRepo, blobClient, cfg.Retention())
	cancelSvc := usecase.NewCancelService(jobRepo, ledgerRepo, producer, webhook)
	callbackSvc := usecase.NewCallbackService(jobRepo, ledgerRepo, webhook, mailer, cfg.Retention())

	policy := httpserver.NewURLPolicy(cfg.StrictURLMode, cfg.AllowedDomains)
	srv := httpserver.NewServer(cfg, submitSvc, querySvc, cancelSvc, callbackSvc, jobRepo, blobClient, policy)
	srv.DBCheck = pool.Ping
	srv.QueueCheck = producer.Ping
	if rdb != nil {
		srv.RedisCheck = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	var limiter ratelimiter.Limiter
	if rdb != nil {
		limiter = ratelimiter.NewRedisLuaLimiter(rdb, ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitPerMin))
	}

	// Lifecycle: probes drive ready/degraded, the announcer publishes the
	// capabilities descriptor on transitions.
	machine := lifecycle.NewMachine()
	probes := []lifecycle.Probe{
		{Name: "postgres", Critical: true, Check: pool.Ping},
		{Name: "redpanda", Critical: true, Check: producer.Ping},
		{Name: "blobstore", Critical: true, Check: blobClient.Ping},
	}
	if rdb != nil {
		probes = append(probes, lifecycle.Probe{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	monitor := lifecycle.NewMonitor(machine, cfg.ProbeInterval, probes...)
	announcer := lifecycle.NewAnnouncer(cfg, machine,
		[]string{"/api/v1/jobs", "/api/v1/jobs/upload", "/api/v1/jobs/batch", "/api/v1/jobs/{id}", "/api/v1/credits"},
		[]string{redpanda.TopicJobs}, nil)
	lifecycle.LogTransitions(machine, logger, cfg.ServiceName, announcer.RunID())

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go monitor.Run(monitorCtx)
	announcer.AnnounceStartup(ctx)

	sweeper := app.NewStaleJobSweeper(jobRepo, ledgerRepo, producer, cfg.StaleThreshold, cfg.SweepInterval, cfg.RetryMaxAttempts)
	if sweeper != nil {
		go sweeper.Run(ctx)
	}

	handler := app.BuildRouter(cfg, srv, limiter, &lifecycle.Handler{
		Machine:   machine,
		Monitor:   monitor,
		Announcer: announcer,
	})

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	crashed := false
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			crashed = true
		}
	}

	_ = machine.Set(lifecycle.StateStopping, "shutdown requested")
	stopMonitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	if crashed {
		_ = machine.Set(lifecycle.StateCrashed, "server error")
		os.Exit(1)
	}
	_ = machine.Set(lifecycle.StateStopped, "shutdown complete")
}
