package usecase

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
)

// CompletionReport is what the worker posts back when an attempt reaches a
// terminal outcome.
type CompletionReport struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"` // completed | failed
	BackendRan       string `json:"backend_ran,omitempty"`
	OutputURL        string `json:"output_url,omitempty"`
	OutputFilename   string `json:"output_filename,omitempty"`
	OutputSizeBytes  int64  `json:"output_size_bytes,omitempty"`
	ProcessingTimeMS int64  `json:"processing_time_ms,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
}

// CallbackService is the single writer for terminal transitions coming from
// the worker. It settles the ledger according to the backend that actually
// ran and fans out notifications. Every path is idempotent: a redelivered
// report observes the conditional write refusing and stops.
type CallbackService struct {
	Jobs      domain.JobRepository
	Ledger    domain.CreditLedger
	Notifier  domain.Notifier
	Mailer    domain.Mailer
	Retention time.Duration
}

// NewCallbackService constructs a CallbackService.
func NewCallbackService(jobs domain.JobRepository, ledger domain.CreditLedger, n domain.Notifier, m domain.Mailer, retention time.Duration) *CallbackService {
	return &CallbackService{Jobs: jobs, Ledger: ledger, Notifier: n, Mailer: m, Retention: retention}
}

// Complete applies a worker completion report.
func (s *CallbackService) Complete(ctx domain.Context, rep CompletionReport) error {
	tracer := otel.Tracer("usecase.callback")
	ctx, span := tracer.Start(ctx, "callback.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", rep.JobID), attribute.String("job.status", rep.Status))

	job, err := s.Jobs.Get(ctx, rep.JobID)
	if err != nil {
		return fmt.Errorf("op=callback: %w", err)
	}

	switch rep.Status {
	case string(domain.JobCompleted):
		return s.complete(ctx, job, rep)
	case string(domain.JobFailed):
		return s.fail(ctx, job, rep)
	default:
		return fmt.Errorf("op=callback: %w: status %q", domain.ErrInvalidArgument, rep.Status)
	}
}

func (s *CallbackService) complete(ctx domain.Context, job domain.Job, rep CompletionReport) error {
	if rep.OutputURL == "" || rep.OutputFilename == "" {
		return fmt.Errorf("op=callback.complete: %w: completed report without output", domain.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	expires := ExpiryFor(now, s.Retention)
	progress := 100
	step := "done"
	wrote, err := s.Jobs.Finish(ctx, job.ID, domain.JobCompleted, domain.JobUpdate{
		Progress:         &progress,
		CurrentStep:      &step,
		CompletedAt:      &now,
		ProcessingTimeMS: &rep.ProcessingTimeMS,
		OutputURL:        &rep.OutputURL,
		OutputFilename:   &rep.OutputFilename,
		OutputSizeBytes:  &rep.OutputSizeBytes,
		ExpiresAt:        &expires,
	})
	if err != nil {
		return fmt.Errorf("op=callback.complete: %w", err)
	}
	if !wrote {
		// Already terminal (likely cancelled mid-flight): drop the report.
		observability.LoggerFromContext(ctx).Info("completion dropped, job already terminal", "job_id", job.ID)
		return nil
	}

	// Charge the backend that ran, not the one requested.
	backend := rep.BackendRan
	if backend == "" {
		backend = string(job.Mode)
	}
	final := domain.CostForMode(domain.ProcessingMode(backend))
	if err := s.Ledger.Finalize(ctx, job.UserID, job.ID, final); err != nil {
		return fmt.Errorf("op=callback.complete: %w", err)
	}
	observability.CompleteJob(backend)

	s.dispatch(ctx, job, domain.TerminalNotice{
		JobID:            job.ID,
		Status:           string(domain.JobCompleted),
		OutputURL:        rep.OutputURL,
		ProcessingTimeMS: rep.ProcessingTimeMS,
	})
	observability.LoggerFromContext(ctx).Info("job completed",
		"job_id", job.ID, "backend", backend, "processing_time_ms", rep.ProcessingTimeMS)
	return nil
}

func (s *CallbackService) fail(ctx domain.Context, job domain.Job, rep CompletionReport) error {
	now := time.Now().UTC()
	msg := rep.ErrorMessage
	if msg == "" {
		msg = "processing failed"
	}
	code := rep.ErrorCode
	if code == "" {
		code = "PROCESSING_FAILED"
	}
	wrote, err := s.Jobs.Finish(ctx, job.ID, domain.JobFailed, domain.JobUpdate{
		CompletedAt:  &now,
		ErrorMessage: &msg,
		ErrorCode:    &code,
	})
	if err != nil {
		return fmt.Errorf("op=callback.fail: %w", err)
	}
	if !wrote {
		observability.LoggerFromContext(ctx).Info("failure dropped, job already terminal", "job_id", job.ID)
		return nil
	}

	if err := s.Ledger.Release(ctx, job.UserID, job.ID); err != nil {
		return fmt.Errorf("op=callback.fail: %w", err)
	}
	observability.FailJob(code)

	s.dispatch(ctx, job, domain.TerminalNotice{
		JobID:  job.ID,
		Status: string(domain.JobFailed),
		Error:  msg,
	})
	observability.LoggerFromContext(ctx).Warn("job failed",
		"job_id", job.ID, "error_code", code, "error", msg)
	return nil
}

// dispatch fans a terminal notice out to the job's webhook and the user's
// mail channel. Delivery failures are logged, never propagated; job state is
// already settled.
func (s *CallbackService) dispatch(ctx domain.Context, job domain.Job, n domain.TerminalNotice) {
	lg := observability.LoggerFromContext(ctx)
	if job.WebhookURL != "" && s.Notifier != nil {
		url := job.WebhookURL
		go func() {
			nctx, cancel := contextWithTimeout(10 * time.Second)
			defer cancel()
			if err := s.Notifier.Notify(nctx, url, n); err != nil {
				lg.Warn("webhook delivery failed", "job_id", n.JobID, "error", err)
			}
		}()
	}
	if s.Mailer != nil {
		userID := job.UserID
		go func() {
			nctx, cancel := contextWithTimeout(10 * time.Second)
			defer cancel()
			if err := s.Mailer.SendJobNotice(nctx, userID, n); err != nil {
				lg.Debug("mail notice skipped", "job_id", n.JobID, "error", err)
			}
		}()
	}
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
