package usecase

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
)

// QueryService serves reads on jobs and the credit balance. Ownership is
// enforced here: a job belonging to a different user reads as not found so
// ids do not leak existence.
type QueryService struct {
	Jobs      domain.JobRepository
	Ledger    domain.CreditLedger
	Blob      domain.BlobStore
	Retention time.Duration
}

// NewQueryService constructs a QueryService.
func NewQueryService(jobs domain.JobRepository, ledger domain.CreditLedger, blob domain.BlobStore, retention time.Duration) *QueryService {
	return &QueryService{Jobs: jobs, Ledger: ledger, Blob: blob, Retention: retention}
}

// Get loads a job owned by userID.
func (s *QueryService) Get(ctx domain.Context, userID, id string) (domain.Job, error) {
	tracer := otel.Tracer("usecase.query")
	ctx, span := tracer.Start(ctx, "query.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=query.get: %w", err)
	}
	if job.UserID != userID {
		return domain.Job{}, fmt.Errorf("op=query.get: %w", domain.ErrNotFound)
	}
	return job, nil
}

// DerivedProgress maps a job to its reported progress. The stored value
// always wins when present, even on failed or cancelled jobs, so a client
// can see how far an attempt got; the status supplies a coarse default
// otherwise.
func DerivedProgress(j domain.Job) int {
	if j.Progress > 0 {
		return j.Progress
	}
	switch j.Status {
	case domain.JobCompleted:
		return 100
	case domain.JobProcessing, domain.JobValidating:
		return 50
	default:
		return 0
	}
}

// DownloadInfo points a client at a completed output.
type DownloadInfo struct {
	URL       string    `json:"download_url"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Download resolves the output of a completed, unexpired job.
func (s *QueryService) Download(ctx domain.Context, userID, id string) (DownloadInfo, error) {
	tracer := otel.Tracer("usecase.query")
	ctx, span := tracer.Start(ctx, "query.Download")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	job, err := s.Get(ctx, userID, id)
	if err != nil {
		return DownloadInfo{}, err
	}
	if job.Status != domain.JobCompleted {
		return DownloadInfo{}, fmt.Errorf("op=query.download: %w: job is %s, not completed",
			domain.ErrConflict, job.Status)
	}
	if job.OutputURL == "" {
		return DownloadInfo{}, fmt.Errorf("op=query.download: %w: output expired", domain.ErrNotFound)
	}
	if job.ExpiresAt != nil && time.Now().After(*job.ExpiresAt) {
		return DownloadInfo{}, fmt.Errorf("op=query.download: %w: output expired", domain.ErrNotFound)
	}
	info := DownloadInfo{URL: job.OutputURL, Filename: job.OutputFilename, SizeBytes: job.OutputSizeBytes}
	if job.ExpiresAt != nil {
		info.ExpiresAt = *job.ExpiresAt
	}
	return info, nil
}

// Delete removes a terminal job and its stored artifacts. Blob deletion is
// best effort; the row is the source of truth.
func (s *QueryService) Delete(ctx domain.Context, userID, id string) error {
	tracer := otel.Tracer("usecase.query")
	ctx, span := tracer.Start(ctx, "query.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	job, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("op=query.delete: %w: job is %s; cancel it first", domain.ErrConflict, job.Status)
	}

	if s.Blob != nil {
		lg := observability.LoggerFromContext(ctx)
		if job.SourceCopyURL != "" {
			if err := s.Blob.Delete(ctx, "inputs", id); err != nil {
				lg.Warn("input blob delete failed", "job_id", id, "error", err)
			}
		}
		if job.OutputURL != "" {
			if err := s.Blob.Delete(ctx, "processed", id+"/"+job.OutputFilename); err != nil {
				lg.Warn("output blob delete failed", "job_id", id, "error", err)
			}
		}
	}
	if err := s.Jobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=query.delete: %w", err)
	}
	return nil
}

// Balance returns the current credit balance for a user.
func (s *QueryService) Balance(ctx domain.Context, userID string) (int, error) {
	n, err := s.Ledger.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("op=query.balance: %w", err)
	}
	return n, nil
}
