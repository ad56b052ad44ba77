// Package usecase contains the application services sitting between the
// transport adapters and the domain ports.
package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
)

// SubmitRequest is the normalized submission for one video, either a source
// URL or an already-uploaded blob reference.
type SubmitRequest struct {
	VideoURL      string                `json:"video_url" validate:"omitempty,url"`
	InputFilename string                `json:"input_filename,omitempty"`
	Platform      string                `json:"platform"`
	Mode          domain.ProcessingMode `json:"processing_mode" validate:"omitempty,oneof=crop inpaint auto"`
	CropPixels    *int                  `json:"crop_pixels" validate:"omitempty,min=0,max=1080"`
	CropPosition  domain.CropPosition   `json:"crop_position" validate:"omitempty,oneof=top bottom left right"`
	WebhookURL    string                `json:"webhook_url,omitempty" validate:"omitempty,url"`
	Metadata      map[string]string     `json:"metadata,omitempty" validate:"omitempty,max=16"`
}

// SubmitService owns the submission path: price the request, reserve credits,
// persist the job row, then enqueue. Each step compensates the previous one
// on failure so a rejected submission leaves no trace.
type SubmitService struct {
	Jobs   domain.JobRepository
	Ledger domain.CreditLedger
	Queue  domain.Queue

	BatchMax          int
	FeatureCustomCrop bool
	FeatureWebhooks   bool
	InpaintEnabled    bool

	validate *validator.Validate
}

// NewSubmitService wires a SubmitService with its validator.
func NewSubmitService(jobs domain.JobRepository, ledger domain.CreditLedger, q domain.Queue) *SubmitService {
	return &SubmitService{
		Jobs:     jobs,
		Ledger:   ledger,
		Queue:    q,
		BatchMax: 20,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// normalize applies preset resolution and defaults in place and returns the
// resolved job template.
func (s *SubmitService) normalize(userID string, req SubmitRequest) (domain.Job, error) {
	if req.VideoURL == "" {
		return domain.Job{}, fmt.Errorf("op=submit.normalize: %w: video_url is required", domain.ErrInvalidArgument)
	}
	if err := s.validate.Struct(req); err != nil {
		return domain.Job{}, fmt.Errorf("op=submit.normalize: %w: %v", domain.ErrInvalidArgument, err)
	}

	mode := req.Mode
	if mode == "" {
		mode = domain.ModeAuto
	}
	if mode == domain.ModeInpaint && !s.InpaintEnabled {
		mode = domain.ModeCrop
	}

	platform := req.Platform
	if platform == "" {
		platform = domain.PlatformCustom
	}
	preset, _ := domain.PresetFor(platform)
	platform = preset.Name

	cropPixels := preset.CropPixels
	cropPosition := preset.CropPosition
	if req.CropPixels != nil {
		if !s.FeatureCustomCrop && platform == domain.PlatformCustom {
			return domain.Job{}, fmt.Errorf("op=submit.normalize: %w: custom crop is disabled", domain.ErrInvalidArgument)
		}
		cropPixels = *req.CropPixels
	}
	if req.CropPosition != "" {
		cropPosition = req.CropPosition
	}
	if platform == domain.PlatformCustom && cropPixels == 0 && mode == domain.ModeCrop {
		// crop_pixels=0 is a legal identity transform; keep it, the pipeline
		// passes the input through untouched.
		cropPixels = 0
	}

	webhook := req.WebhookURL
	if !s.FeatureWebhooks {
		webhook = ""
	}

	now := time.Now().UTC()
	return domain.Job{
		ID:            domain.NewJobID(),
		UserID:        userID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Platform:      platform,
		Mode:          mode,
		CropPixels:    cropPixels,
		CropPosition:  cropPosition,
		InputURL:      req.VideoURL,
		InputFilename: req.InputFilename,
		Status:        domain.JobQueued,
		Progress:      0,
		CurrentStep:   "queued",
		WebhookURL:    webhook,
		Metadata:      req.Metadata,
	}, nil
}

// Submit runs the reserve -> persist -> enqueue sequence for one request.
func (s *SubmitService) Submit(ctx domain.Context, userID string, req SubmitRequest) (domain.Job, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "submit.Submit")
	defer span.End()

	job, err := s.normalize(userID, req)
	if err != nil {
		return domain.Job{}, err
	}
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.platform", job.Platform),
		attribute.String("job.mode", string(job.Mode)),
	)

	cost := job.Cost()
	if err := s.Ledger.Reserve(ctx, userID, job.ID, cost); err != nil {
		return domain.Job{}, fmt.Errorf("op=submit: %w", err)
	}

	if _, err := s.Jobs.Create(ctx, job); err != nil {
		if rerr := s.Ledger.Release(ctx, userID, job.ID); rerr != nil {
			observability.LoggerFromContext(ctx).Error("release after create failure",
				"job_id", job.ID, "error", rerr)
		}
		return domain.Job{}, fmt.Errorf("op=submit: create: %w", err)
	}

	payload := domain.WorkPayload{
		JobID:         job.ID,
		UserID:        userID,
		InputURL:      job.InputURL,
		InputFilename: job.InputFilename,
		Platform:      job.Platform,
		Mode:          job.Mode,
		CropPixels:    job.CropPixels,
		CropPosition:  job.CropPosition,
		WebhookURL:    job.WebhookURL,
		Metadata:      job.Metadata,
		RequestID:     observability.RequestIDFromContext(ctx),
		Attempt:       1,
	}
	if _, err := s.Queue.Enqueue(ctx, payload); err != nil {
		// Compensate in reverse order: the job row first, then the hold.
		if derr := s.Jobs.Delete(ctx, job.ID); derr != nil {
			observability.LoggerFromContext(ctx).Error("delete after enqueue failure",
				"job_id", job.ID, "error", derr)
		}
		if rerr := s.Ledger.Release(ctx, userID, job.ID); rerr != nil {
			observability.LoggerFromContext(ctx).Error("release after enqueue failure",
				"job_id", job.ID, "error", rerr)
		}
		return domain.Job{}, fmt.Errorf("op=submit: %w: %v", domain.ErrQueueUnavailable, err)
	}

	observability.EnqueueJob(job.Platform)
	observability.LoggerFromContext(ctx).Info("job submitted",
		"job_id", job.ID, "platform", job.Platform, "mode", string(job.Mode), "cost", cost)
	return job, nil
}

// BatchItem is the per-request outcome of a batch submission.
type BatchItem struct {
	Job   domain.Job `json:"job"`
	Error string     `json:"error,omitempty"`
}

// BatchResult reports a batch submission: accepted jobs share a batch id,
// rejected items carry their error.
type BatchResult struct {
	BatchID  string      `json:"batch_id"`
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Items    []BatchItem `json:"items"`
}

// SubmitBatch submits up to BatchMax requests. Items are independent: one
// insufficient-credits rejection does not fail the rest.
func (s *SubmitService) SubmitBatch(ctx domain.Context, userID string, reqs []SubmitRequest) (BatchResult, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "submit.SubmitBatch")
	defer span.End()

	if len(reqs) == 0 {
		return BatchResult{}, fmt.Errorf("op=submit.batch: %w: empty batch", domain.ErrInvalidArgument)
	}
	if len(reqs) > s.BatchMax {
		return BatchResult{}, fmt.Errorf("op=submit.batch: %w: batch size %d exceeds limit %d",
			domain.ErrInvalidArgument, len(reqs), s.BatchMax)
	}

	res := BatchResult{BatchID: uuid.New().String(), Items: make([]BatchItem, 0, len(reqs))}
	for _, req := range reqs {
		job, err := s.submitInBatch(ctx, userID, res.BatchID, req)
		if err != nil {
			res.Rejected++
			res.Items = append(res.Items, BatchItem{Error: err.Error()})
			continue
		}
		res.Accepted++
		res.Items = append(res.Items, BatchItem{Job: job})
	}
	return res, nil
}

func (s *SubmitService) submitInBatch(ctx domain.Context, userID, batchID string, req SubmitRequest) (domain.Job, error) {
	job, err := s.normalize(userID, req)
	if err != nil {
		return domain.Job{}, err
	}
	job.BatchID = batchID

	cost := job.Cost()
	if err := s.Ledger.Reserve(ctx, userID, job.ID, cost); err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("op=submit.batch: %w", err)
	}
	if _, err := s.Jobs.Create(ctx, job); err != nil {
		_ = s.Ledger.Release(ctx, userID, job.ID)
		return domain.Job{}, fmt.Errorf("op=submit.batch: create: %w", err)
	}
	payload := domain.WorkPayload{
		JobID:         job.ID,
		UserID:        userID,
		InputURL:      job.InputURL,
		InputFilename: job.InputFilename,
		Platform:      job.Platform,
		Mode:          job.Mode,
		CropPixels:    job.CropPixels,
		CropPosition:  job.CropPosition,
		WebhookURL:    job.WebhookURL,
		Metadata:      job.Metadata,
		RequestID:     observability.RequestIDFromContext(ctx),
		Attempt:       1,
	}
	if _, err := s.Queue.Enqueue(ctx, payload); err != nil {
		_ = s.Jobs.Delete(ctx, job.ID)
		_ = s.Ledger.Release(ctx, userID, job.ID)
		return domain.Job{}, fmt.Errorf("op=submit.batch: %w: %v", domain.ErrQueueUnavailable, err)
	}
	observability.EnqueueJob(job.Platform)
	return job, nil
}

// ExpiryFor computes the output expiry for a job completed at t.
func ExpiryFor(t time.Time, retention time.Duration) time.Time {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return t.Add(retention)
}
