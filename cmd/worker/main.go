// Command worker consumes watermark-removal jobs from the queue and runs the
// processing pipeline: download, probe, transform, upload, report.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clipscrub/clipscrub/internal/adapter/blob"
	"github.com/clipscrub/clipscrub/internal/adapter/download"
	"github.com/clipscrub/clipscrub/internal/adapter/queue/redpanda"
	"github.com/clipscrub/clipscrub/internal/adapter/repo/postgres"
	"github.com/clipscrub/clipscrub/internal/adapter/transform/ffmpeg"
	"github.com/clipscrub/clipscrub/internal/adapter/transform/inpaint"
	"github.com/clipscrub/clipscrub/internal/config"
	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/lifecycle"
	"github.com/clipscrub/clipscrub/internal/observability"
	"github.com/clipscrub/clipscrub/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
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

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBServiceKey)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	jobRepo := postgres.NewJobRepo(pool)

	blobClient := blob.New(cfg.BlobBaseURL, cfg.BlobServiceKey)

	chain := download.NewChain(download.Options{
		CurlPath:           cfg.CurlPath,
		YtdlpPath:          cfg.YtdlpPath,
		BrowserTimeout:     cfg.BrowserTimeout,
		PerStrategyTimeout: cfg.DownloadTimeout,
		MinVideoBytes:      cfg.MinVideoBytes,
	})

	var inpaintClient *inpaint.Client
	if cfg.InpaintEnabled() {
		inpaintClient = inpaint.New(cfg.InpaintURL, cfg.InpaintTimeout)
		slog.Info("inpaint backend enabled", slog.String("url", cfg.InpaintURL))
	} else {
		slog.Info("inpaint backend disabled, auto mode resolves to crop")
	}

	pipeline := &worker.Pipeline{
		Jobs:            jobRepo,
		Fetcher:         chain,
		Prober:          ffmpeg.NewProber(cfg.FFprobePath),
		Crop:            ffmpeg.NewCropper(cfg.FFmpegPath),
		Blob:            blobClient,
		InputBucket:     cfg.BlobInputBucket,
		ProcessedBucket: cfg.BlobProcessedBucket,
		ScratchDir:      cfg.ScratchDir,
		Reporter:        worker.NewReporter(cfg.CallbackBaseURL, cfg.InternalCallbackSecret),
	}
	if inpaintClient != nil {
		pipeline.Inpaint = inpaintClient
	}

	// A distinct transactional id keeps the worker's retry producer from
	// fencing the submitter's.
	retryProducer, err := redpanda.NewProducerForTopic(cfg.KafkaBrokers, redpanda.TopicJobs, "clipscrub-worker-producer")
	if err != nil {
		slog.Error("retry producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := retryProducer.Close(); err != nil {
			slog.Error("failed to close retry producer", slog.Any("error", err))
		}
	}()

	dlqClient, err := redpanda.NewDLQClient(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("dlq client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dlqClient.Close()

	base := domain.DefaultRetryConfig()
	retryCfg := domain.RetryConfig{
		MaxAttempts:        cfg.RetryMaxAttempts,
		InitialDelay:       cfg.RetryInitialDelay,
		MaxDelay:           cfg.RetryMaxDelay,
		Multiplier:         cfg.RetryMultiplier,
		Jitter:             cfg.RetryJitter,
		RetryableErrors:    base.RetryableErrors,
		NonRetryableErrors: base.NonRetryableErrors,
	}
	retryManager := redpanda.NewRetryManager(retryProducer, dlqClient, jobRepo, retryCfg)
	retryManager.OnExhausted = pipeline.ReportExhausted

	consumer, err := redpanda.NewConsumerForTopic(
		cfg.KafkaBrokers,
		"clipscrub-workers",
		"clipscrub-consumer",
		redpanda.TopicJobs,
		pipeline,
		cfg.WorkerConcurrency,
	)
	if err != nil {
		slog.Error("consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	consumer.WithRetryManager(retryManager)
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close consumer", slog.Any("error", err))
		}
	}()

	// Lifecycle: the worker serves its own health surface on WorkerPort.
	machine := lifecycle.NewMachine()
	probes := []lifecycle.Probe{
		{Name: "postgres", Critical: true, Check: pool.Ping},
		{Name: "redpanda", Critical: true, Check: consumer.Ping},
		{Name: "blobstore", Critical: true, Check: blobClient.Ping},
	}
	if inpaintClient != nil {
		probes = append(probes, lifecycle.Probe{Name: "inpaint", Check: inpaintClient.Ping})
	}
	monitor := lifecycle.NewMonitor(machine, cfg.ProbeInterval, probes...)
	announcer := lifecycle.NewAnnouncer(cfg, machine, nil, nil, []string{redpanda.TopicJobs})
	lifecycle.LogTransitions(machine, logger, cfg.ServiceName, announcer.RunID())

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go monitor.Run(monitorCtx)
	announcer.AnnounceStartup(ctx)

	selfTests := []lifecycle.SelfTest{
		{Name: "queue_ping", Run: consumer.Ping},
		{Name: "db_query", Run: func(ctx context.Context) error {
			var one int
			return pool.QueryRow(ctx, "SELECT 1").Scan(&one)
		}},
		{Name: "blob_list", Run: func(ctx context.Context) error {
			_, err := blobClient.List(ctx, cfg.BlobInputBucket, "", 1)
			return err
		}},
		{Name: "ffmpeg_version", Run: func(ctx context.Context) error {
			return exec.CommandContext(ctx, cfg.FFmpegPath, "-version").Run()
		}},
		{Name: "env_present", Optional: true, Run: func(context.Context) error {
			var missing []string
			if cfg.DBURL == "" {
				missing = append(missing, "DB_URL")
			}
			if len(cfg.KafkaBrokers) == 0 {
				missing = append(missing, "KAFKA_BROKERS")
			}
			if cfg.BlobBaseURL == "" {
				missing = append(missing, "BLOB_BASE_URL")
			}
			if cfg.CallbackBaseURL == "" {
				missing = append(missing, "CALLBACK_BASE_URL")
			}
			if len(missing) > 0 {
				return fmt.Errorf("missing: %s", strings.Join(missing, ", "))
			}
			return nil
		}},
		{Name: "scratch_writable", Run: func(context.Context) error {
			if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
				return err
			}
			f, err := os.CreateTemp(cfg.ScratchDir, "diag-*")
			if err != nil {
				return err
			}
			name := f.Name()
			_ = f.Close()
			return os.Remove(name)
		}},
	}

	go func() {
		r := chi.NewRouter()
		lc := &lifecycle.Handler{Machine: machine, Monitor: monitor, Announcer: announcer, SelfTests: selfTests}
		lc.Mount(r)
		r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) { promhttp.Handler().ServeHTTP(w, req) })
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.WorkerPort),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server error", slog.Any("error", err))
		}
	}()

	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	go func() {
		slog.Info("starting queue consumer", slog.Int("concurrency", cfg.WorkerConcurrency))
		if err := consumer.Start(consumeCtx); err != nil {
			slog.Error("consumer error", slog.Any("error", err))
		}
	}()

	slog.Info("worker started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	_ = machine.Set(lifecycle.StateStopping, "shutdown requested")
	stopConsume()
	stopMonitor()
	_ = machine.Set(lifecycle.StateStopped, "shutdown complete")
	slog.Info("worker stopped")
}
