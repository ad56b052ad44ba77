package usecase

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
)

// CancelService cancels queued or running jobs. Cancellation races the
// pipeline: the conditional terminal write decides the winner, and the loser
// observes a no-op.
type CancelService struct {
	Jobs     domain.JobRepository
	Ledger   domain.CreditLedger
	Queue    domain.Queue
	Notifier domain.Notifier
}

// NewCancelService constructs a CancelService.
func NewCancelService(jobs domain.JobRepository, ledger domain.CreditLedger, q domain.Queue, n domain.Notifier) *CancelService {
	return &CancelService{Jobs: jobs, Ledger: ledger, Queue: q, Notifier: n}
}

// Cancel moves a job to cancelled and releases its hold. Cancelling an
// already-cancelled job succeeds; any other terminal status is a conflict.
func (s *CancelService) Cancel(ctx domain.Context, userID, id string) (domain.Job, error) {
	tracer := otel.Tracer("usecase.cancel")
	ctx, span := tracer.Start(ctx, "cancel.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=cancel: %w", err)
	}
	if job.UserID != userID {
		return domain.Job{}, fmt.Errorf("op=cancel: %w", domain.ErrNotFound)
	}
	if job.Status == domain.JobCancelled {
		return job, nil
	}
	if !job.Status.Cancellable() {
		return domain.Job{}, fmt.Errorf("op=cancel: %w: job already %s", domain.ErrConflict, job.Status)
	}

	now := time.Now().UTC()
	step := "cancelled"
	wrote, err := s.Jobs.Finish(ctx, id, domain.JobCancelled, domain.JobUpdate{
		CompletedAt: &now,
		CurrentStep: &step,
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=cancel: %w", err)
	}
	if !wrote {
		// Lost the race: the pipeline finished first. Report the winner.
		job, err = s.Jobs.Get(ctx, id)
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=cancel: %w", err)
		}
		return domain.Job{}, fmt.Errorf("op=cancel: %w: job already %s", domain.ErrConflict, job.Status)
	}

	lg := observability.LoggerFromContext(ctx)
	if err := s.Queue.Remove(ctx, id); err != nil {
		lg.Debug("queue remove after cancel", "job_id", id, "error", err)
	}
	if err := s.Ledger.Release(ctx, userID, id); err != nil {
		lg.Error("release after cancel failed", "job_id", id, "error", err)
	}

	job.Status = domain.JobCancelled
	job.CompletedAt = &now
	job.CurrentStep = step

	if job.WebhookURL != "" && s.Notifier != nil {
		notice := domain.TerminalNotice{JobID: id, Status: string(domain.JobCancelled)}
		go func() {
			nctx, cancel := contextWithTimeout(10 * time.Second)
			defer cancel()
			if err := s.Notifier.Notify(nctx, job.WebhookURL, notice); err != nil {
				lg.Warn("cancel webhook delivery failed", "job_id", id, "error", err)
			}
		}()
	}

	lg.Info("job cancelled", "job_id", id)
	return job, nil
}
