package app

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
)

// StaleJobSweeper rescues jobs orphaned by a worker crash: the row sits
// non-terminal with no checkpoint writes. Below the attempt cap the job is
// re-enqueued; at the cap it is failed and its credits released.
type StaleJobSweeper struct {
	jobs        domain.JobRepository
	ledger      domain.CreditLedger
	queue       domain.Queue
	maxAge      time.Duration
	interval    time.Duration
	maxAttempts int
}

// NewStaleJobSweeper constructs a sweeper; nil repositories disable it.
func NewStaleJobSweeper(jobs domain.JobRepository, ledger domain.CreditLedger, queue domain.Queue, maxAge, interval time.Duration, maxAttempts int) *StaleJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &StaleJobSweeper{
		jobs:        jobs,
		ledger:      ledger,
		queue:       queue,
		maxAge:      maxAge,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// Run sweeps until the context is cancelled.
func (s *StaleJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			observability.LoggerFromContext(ctx).Info("stale job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StaleJobSweeper.sweepOnce")
	defer span.End()
	lg := observability.LoggerFromContext(ctx)

	cutoff := time.Now().Add(-s.maxAge)
	const pageSize = 100

	checked, requeued, failed := 0, 0, 0
	for offset := 0; ; offset += pageSize {
		jobs, err := s.jobs.ListStale(ctx, cutoff, offset, pageSize)
		if err != nil {
			span.RecordError(err)
			lg.Error("stale sweep list failed", "error", err)
			return
		}
		checked += len(jobs)
		if len(jobs) == 0 {
			break
		}
		for _, j := range jobs {
			if s.rescue(ctx, j) {
				requeued++
			} else {
				failed++
			}
		}
		if len(jobs) < pageSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("jobs.checked", checked),
		attribute.Int("jobs.requeued", requeued),
		attribute.Int("jobs.failed", failed),
	)
	if requeued+failed > 0 {
		lg.Info("stale sweep finished", "checked", checked, "requeued", requeued, "failed", failed)
	}
}

// rescue re-enqueues one stale job, or fails it once the attempt budget is
// spent. Reports whether the job went back on the queue.
func (s *StaleJobSweeper) rescue(ctx context.Context, j domain.Job) bool {
	lg := observability.LoggerFromContext(ctx)

	if j.Attempts < s.maxAttempts {
		attempt := j.Attempts + 1
		_, err := s.queue.Enqueue(ctx, domain.WorkPayload{
			JobID:         j.ID,
			UserID:        j.UserID,
			InputURL:      j.InputURL,
			InputFilename: j.InputFilename,
			Platform:      j.Platform,
			Mode:          j.Mode,
			CropPixels:    j.CropPixels,
			CropPosition:  j.CropPosition,
			WebhookURL:    j.WebhookURL,
			Metadata:      j.Metadata,
			Attempt:       attempt,
		})
		if err != nil {
			lg.Error("stale job re-enqueue failed", "job_id", j.ID, "error", err)
			return false
		}
		status := domain.JobQueued
		step := "queued"
		if uerr := s.jobs.Update(ctx, j.ID, domain.JobUpdate{
			Status:      &status,
			CurrentStep: &step,
			Attempts:    &attempt,
		}); uerr != nil {
			lg.Warn("stale job status reset failed", "job_id", j.ID, "error", uerr)
		}
		lg.Info("stale job re-enqueued", "job_id", j.ID, "attempt", attempt)
		return true
	}

	now := time.Now().UTC()
	msg := "processing stalled and attempt budget exhausted"
	code := "STALLED"
	wrote, err := s.jobs.Finish(ctx, j.ID, domain.JobFailed, domain.JobUpdate{
		CompletedAt:  &now,
		ErrorMessage: &msg,
		ErrorCode:    &code,
	})
	if err != nil {
		lg.Error("stale job fail write failed", "job_id", j.ID, "error", err)
		return false
	}
	if !wrote {
		return false
	}
	if err := s.ledger.Release(ctx, j.UserID, j.ID); err != nil {
		lg.Error("stale job credit release failed", "job_id", j.ID, "error", err)
	}
	observability.FailJob(code)
	lg.Warn("stale job failed by sweeper", "job_id", j.ID, "attempts", j.Attempts)
	return false
}
