// Package worker runs the processing pipeline behind the job queue.
//
// An attempt moves through five stages: download the source, probe it, run
// the transform backend, upload the output, and report the outcome to the
// submitter. Stage boundaries checkpoint progress on the job row so clients
// polling mid-attempt see movement. Errors bubble to the queue's retry
// manager; the pipeline itself never writes a terminal status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
	"github.com/clipscrub/clipscrub/internal/usecase"
)

// Pipeline implements the queue handler for watermark-removal jobs.
type Pipeline struct {
	Jobs    domain.JobRepository
	Fetcher domain.Downloader
	Prober  domain.Prober
	Crop    domain.Transformer
	// Inpaint is nil when the backend is not configured; auto mode then
	// resolves straight to crop.
	Inpaint domain.Transformer
	Blob    domain.BlobStore

	InputBucket     string
	ProcessedBucket string
	ScratchDir      string
	Reporter        *Reporter
}

// Handle processes one queue payload end to end.
func (p *Pipeline) Handle(ctx context.Context, payload domain.WorkPayload) error {
	tracer := otel.Tracer("worker.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.platform", payload.Platform),
		attribute.Int("job.attempt", payload.Attempt),
	)
	lg := observability.LoggerFromContext(ctx)

	job, err := p.Jobs.Get(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("op=pipeline job_id=%s: %w", payload.JobID, err)
	}
	// Cancelled (or otherwise settled) while queued: drop without processing.
	if job.Status.Terminal() {
		lg.Info("skipping terminal job", "job_id", job.ID, "status", string(job.Status))
		return nil
	}

	observability.StartProcessingJob()
	defer observability.FinishProcessingJob()

	started := time.Now()
	attempt := payload.Attempt
	if attempt < 1 {
		attempt = 1
	}
	// Claim: the job is ours for this attempt.
	now := started.UTC()
	p.checkpoint(ctx, job.ID, domain.JobUpdate{
		Status:      statusPtr(domain.JobProcessing),
		Progress:    intPtr(5),
		CurrentStep: strPtr("download"),
		StartedAt:   &now,
		Attempts:    &attempt,
	})

	dir := filepath.Join(p.ScratchDir, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("op=pipeline job_id=%s: scratch dir: %w", job.ID, err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			lg.Warn("scratch cleanup failed", "job_id", job.ID, "error", err)
		}
	}()

	// Stage 1: download.
	inputPath, err := p.stageDownload(ctx, payload, dir)
	if err != nil {
		return err
	}
	p.checkpoint(ctx, job.ID, domain.JobUpdate{Progress: intPtr(30), CurrentStep: strPtr("probe")})

	// Stage 2: probe and keep a source copy for before/after comparison.
	info, err := p.stageProbe(ctx, payload, inputPath)
	if err != nil {
		return err
	}
	sourceURL := p.stageSourceCopy(ctx, payload, inputPath)

	inputName := filepath.Base(inputPath)
	inputSize := fileSize(inputPath)
	p.checkpoint(ctx, job.ID, domain.JobUpdate{
		Progress:         intPtr(40),
		CurrentStep:      strPtr("transform"),
		InputFilename:    &inputName,
		InputSizeBytes:   &inputSize,
		InputDurationSec: &info.DurationSec,
		SourceCopyURL:    &sourceURL,
	})

	// Recheck once before the expensive stage; cancellation races after this
	// point are resolved by the submitter's conditional terminal write.
	if fresh, err := p.Jobs.Get(ctx, job.ID); err == nil && fresh.Status.Terminal() {
		lg.Info("job settled mid-attempt, abandoning", "job_id", job.ID, "status", string(fresh.Status))
		return nil
	}

	// Stage 3: transform.
	outputPath, backend, err := p.stageTransform(ctx, payload, inputPath, info)
	if err != nil {
		return err
	}
	p.checkpoint(ctx, job.ID, domain.JobUpdate{Progress: intPtr(70), CurrentStep: strPtr("upload")})

	// Stage 4: upload the output.
	outputURL, outputName, outputSize, err := p.stageUpload(ctx, payload, outputPath)
	if err != nil {
		return err
	}
	p.checkpoint(ctx, job.ID, domain.JobUpdate{Progress: intPtr(90), CurrentStep: strPtr("finalize")})

	// Stage 5: report. The submitter settles status, ledger and webhooks.
	rep := usecase.CompletionReport{
		JobID:            job.ID,
		Status:           string(domain.JobCompleted),
		BackendRan:       backend,
		OutputURL:        outputURL,
		OutputFilename:   outputName,
		OutputSizeBytes:  outputSize,
		ProcessingTimeMS: time.Since(started).Milliseconds(),
	}
	if err := p.stageReport(ctx, rep); err != nil {
		return err
	}

	lg.Info("attempt finished",
		"job_id", job.ID, "backend", backend,
		"processing_time_ms", rep.ProcessingTimeMS, "output_bytes", outputSize)
	return nil
}

func (p *Pipeline) stageDownload(ctx context.Context, payload domain.WorkPayload, dir string) (string, error) {
	done := stageTimer("download")
	defer done()
	path, err := p.Fetcher.Fetch(ctx, payload.InputURL, dir)
	if err != nil {
		return "", fmt.Errorf("op=pipeline.download job_id=%s: %w", payload.JobID, err)
	}
	return path, nil
}

func (p *Pipeline) stageProbe(ctx context.Context, payload domain.WorkPayload, path string) (domain.VideoInfo, error) {
	done := stageTimer("probe")
	defer done()
	info, err := p.Prober.Probe(ctx, path)
	if err != nil {
		return domain.VideoInfo{}, fmt.Errorf("op=pipeline.probe job_id=%s: %w", payload.JobID, err)
	}
	return info, nil
}

// stageSourceCopy uploads the original input for before/after comparison.
// Best effort: a missing source copy never fails the attempt.
func (p *Pipeline) stageSourceCopy(ctx context.Context, payload domain.WorkPayload, path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("source copy read failed", "job_id", payload.JobID, "error", err)
		return ""
	}
	key := payload.JobID + "/" + filepath.Base(path)
	url, err := p.Blob.Upload(ctx, p.InputBucket, key, "video/mp4", data, true)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("source copy upload failed", "job_id", payload.JobID, "error", err)
		return ""
	}
	return url
}

// stageTransform runs the backend the payload asks for. Auto mode prefers
// inpaint and falls back to crop when inpaint is unavailable or errors.
func (p *Pipeline) stageTransform(ctx context.Context, payload domain.WorkPayload, inputPath string, info domain.VideoInfo) (string, string, error) {
	done := stageTimer("transform")
	defer done()
	lg := observability.LoggerFromContext(ctx)

	switch payload.Mode {
	case domain.ModeCrop:
		out, err := p.Crop.Transform(ctx, inputPath, info, payload)
		if err != nil {
			return "", "", fmt.Errorf("op=pipeline.transform job_id=%s: %w", payload.JobID, err)
		}
		return out, p.Crop.Name(), nil

	case domain.ModeInpaint:
		if p.Inpaint == nil {
			return "", "", fmt.Errorf("op=pipeline.transform job_id=%s: %w: inpaint backend not configured", payload.JobID, domain.ErrUpstreamTimeout)
		}
		out, err := p.Inpaint.Transform(ctx, inputPath, info, payload)
		if err != nil {
			return "", "", fmt.Errorf("op=pipeline.transform job_id=%s: %w", payload.JobID, err)
		}
		return out, p.Inpaint.Name(), nil

	default: // auto
		if p.Inpaint != nil {
			out, err := p.Inpaint.Transform(ctx, inputPath, info, payload)
			if err == nil {
				return out, p.Inpaint.Name(), nil
			}
			lg.Warn("inpaint failed, falling back to crop", "job_id", payload.JobID, "error", err)
		}
		out, err := p.Crop.Transform(ctx, inputPath, info, payload)
		if err != nil {
			return "", "", fmt.Errorf("op=pipeline.transform job_id=%s: %w", payload.JobID, err)
		}
		return out, p.Crop.Name(), nil
	}
}

func (p *Pipeline) stageUpload(ctx context.Context, payload domain.WorkPayload, outputPath string) (url, name string, size int64, err error) {
	done := stageTimer("upload")
	defer done()
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return "", "", 0, fmt.Errorf("op=pipeline.upload job_id=%s: %w", payload.JobID, err)
	}
	name = filepath.Base(outputPath)
	url, err = p.Blob.Upload(ctx, p.ProcessedBucket, payload.JobID+"/"+name, "video/mp4", data, true)
	if err != nil {
		return "", "", 0, fmt.Errorf("op=pipeline.upload job_id=%s: %w", payload.JobID, err)
	}
	return url, name, int64(len(data)), nil
}

func (p *Pipeline) stageReport(ctx context.Context, rep usecase.CompletionReport) error {
	done := stageTimer("report")
	defer done()
	if err := p.Reporter.Report(ctx, rep); err != nil {
		return fmt.Errorf("op=pipeline.report: %w", err)
	}
	return nil
}

// ReportExhausted is the retry manager's exhaustion hook: the attempt budget
// is spent, so report a terminal failure to the submitter.
func (p *Pipeline) ReportExhausted(ctx context.Context, payload domain.WorkPayload, cause error) {
	rep := usecase.CompletionReport{
		JobID:        payload.JobID,
		Status:       string(domain.JobFailed),
		ErrorMessage: causeMessage(cause),
		ErrorCode:    errorCode(cause),
	}
	if err := p.Reporter.Report(ctx, rep); err != nil {
		observability.LoggerFromContext(ctx).Error("failure report undeliverable; sweeper will settle the job",
			"job_id", payload.JobID, "error", err)
	}
}

// checkpoint writes a non-terminal stage update. Failures are logged only:
// a missed checkpoint loses progress granularity, not correctness.
func (p *Pipeline) checkpoint(ctx context.Context, jobID string, u domain.JobUpdate) {
	if err := p.Jobs.Update(ctx, jobID, u); err != nil {
		observability.LoggerFromContext(ctx).Warn("checkpoint write failed", "job_id", jobID, "error", err)
	}
}

func stageTimer(stage string) func() {
	start := time.Now()
	return func() {
		observability.PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// causeMessage turns a pipeline failure into the one-line message stored on
// the job row. Known failure classes map to a sentence the user can act on;
// anything else surfaces its cause with internal prefixes stripped.
func causeMessage(cause error) string {
	switch {
	case cause == nil:
		return "processing failed"
	case errors.Is(cause, domain.ErrContentInvalid):
		return "Downloaded file is a webpage, not a video. The source may require a login or block automated downloads."
	case strings.Contains(cause.Error(), "op=pipeline.download"):
		return "Could not download the video. Check that the URL is public and points directly at a video file."
	case errors.Is(cause, domain.ErrUpstreamTimeout):
		return "The processing backend is unavailable. Please retry later."
	}
	msg := cause.Error()
	for strings.HasPrefix(msg, "op=") {
		_, rest, ok := strings.Cut(msg, ": ")
		if !ok {
			break
		}
		msg = rest
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

// errorCode maps a pipeline failure to a stable client-facing code.
func errorCode(cause error) string {
	switch {
	case cause == nil:
		return "PROCESSING_FAILED"
	case errors.Is(cause, domain.ErrContentInvalid):
		return "CONTENT_INVALID"
	case errors.Is(cause, domain.ErrUpstreamTimeout):
		return "BACKEND_UNAVAILABLE"
	case errors.Is(cause, domain.ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case strings.Contains(cause.Error(), "op=pipeline.download"):
		return "DOWNLOAD_FAILED"
	default:
		return "PROCESSING_FAILED"
	}
}

func fileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}

func statusPtr(s domain.JobStatus) *domain.JobStatus { return &s }
func intPtr(v int) *int                              { return &v }
func strPtr(s string) *string                        { return &s }
