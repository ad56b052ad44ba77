package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/clipscrub/clipscrub/internal/domain"
)

// RetryManager routes handler failures: transient errors get a delayed
// re-enqueue with an incremented attempt counter, deterministic errors and
// exhausted budgets go to the DLQ and trigger the exhausted callback.
type RetryManager struct {
	producer *Producer
	dlq      *kgo.Client
	jobs     domain.JobRepository
	config   domain.RetryConfig

	// OnExhausted runs when a payload will not be retried again. The worker
	// wires this to its terminal failure reporting so the hold is released.
	OnExhausted func(ctx context.Context, payload domain.WorkPayload, cause error)
}

// NewRetryManager creates a retry manager. The DLQ client may be nil; parked
// jobs are then only logged.
func NewRetryManager(producer *Producer, dlqClient *kgo.Client, jobs domain.JobRepository, config domain.RetryConfig) *RetryManager {
	return &RetryManager{producer: producer, dlq: dlqClient, jobs: jobs, config: config}
}

// HandleFailure decides the fate of a failed attempt.
func (rm *RetryManager) HandleFailure(ctx context.Context, payload domain.WorkPayload, cause error) error {
	lg := slog.Default().With(
		slog.String("job_id", payload.JobID),
		slog.Int("attempt", payload.Attempt))

	if !rm.config.Retryable(cause.Error()) {
		lg.Info("deterministic failure, not retrying", slog.Any("error", cause))
		return rm.exhaust(ctx, payload, cause, "deterministic failure")
	}
	if payload.Attempt >= rm.config.MaxAttempts {
		lg.Info("attempt budget exhausted",
			slog.Int("max_attempts", rm.config.MaxAttempts), slog.Any("error", cause))
		return rm.exhaust(ctx, payload, cause, "max attempts reached")
	}

	delay := rm.config.Delay(payload.Attempt)
	next := payload
	next.Attempt++
	lg.Info("scheduling retry",
		slog.Int("next_attempt", next.Attempt),
		slog.Duration("delay", delay))

	go rm.scheduleRetry(ctx, next, delay)
	return nil
}

// scheduleRetry waits out the backoff and re-enqueues unless the job reached
// a terminal state in the meantime (cancelled, swept, raced completion).
func (rm *RetryManager) scheduleRetry(ctx context.Context, payload domain.WorkPayload, delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	if rm.jobs != nil {
		job, err := rm.jobs.Get(ctx, payload.JobID)
		if err != nil {
			slog.Error("retry lookup failed", slog.String("job_id", payload.JobID), slog.Any("error", err))
			return
		}
		if job.Status.Terminal() {
			slog.Info("job terminal, skipping retry",
				slog.String("job_id", payload.JobID),
				slog.String("status", string(job.Status)))
			return
		}
	}

	if _, err := rm.producer.Enqueue(ctx, payload); err != nil {
		slog.Error("retry enqueue failed", slog.String("job_id", payload.JobID), slog.Any("error", err))
		rm.runExhausted(ctx, payload, fmt.Errorf("retry enqueue: %w", err))
	}
}

// exhaust parks the payload on the DLQ and runs the exhausted callback.
func (rm *RetryManager) exhaust(ctx context.Context, payload domain.WorkPayload, cause error, reason string) error {
	dlqJob := domain.DLQJob{
		JobID:            payload.JobID,
		OriginalPayload:  payload,
		FailureReason:    fmt.Sprintf("%s: %v", reason, cause),
		Attempts:         payload.Attempt,
		MovedToDLQAt:     time.Now().UTC(),
		CanBeReprocessed: rm.config.Retryable(cause.Error()),
	}

	if rm.dlq != nil {
		b, err := json.Marshal(dlqJob)
		if err != nil {
			return fmt.Errorf("marshal dlq job: %w", err)
		}
		record := &kgo.Record{Topic: TopicDLQ, Key: []byte(payload.JobID), Value: b}
		if err := rm.dlq.ProduceSync(ctx, record).FirstErr(); err != nil {
			slog.Error("dlq produce failed", slog.String("job_id", payload.JobID), slog.Any("error", err))
		}
	} else {
		slog.Warn("no DLQ configured, dropping exhausted job",
			slog.String("job_id", payload.JobID),
			slog.String("reason", dlqJob.FailureReason))
	}

	rm.runExhausted(ctx, payload, cause)
	return nil
}

func (rm *RetryManager) runExhausted(ctx context.Context, payload domain.WorkPayload, cause error) {
	if rm.OnExhausted != nil {
		rm.OnExhausted(ctx, payload, cause)
	}
}
