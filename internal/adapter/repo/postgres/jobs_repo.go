package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/clipscrub/clipscrub/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, user_id, platform, processing_mode, crop_pixels, crop_position,
	input_url, input_filename, input_size_bytes, input_duration_sec, source_copy_url,
	status, progress, current_step, attempts, started_at, completed_at, processing_time_ms,
	output_url, output_filename, output_size_bytes, expires_at,
	error_message, error_code, webhook_url, batch_id, metadata, created_at, updated_at`

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = domain.NewJobID()
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`
	_, err := r.Pool.Exec(ctx, q,
		id, j.UserID, j.Platform, j.Mode, j.CropPixels, j.CropPosition,
		j.InputURL, j.InputFilename, j.InputSizeBytes, j.InputDurationSec, j.SourceCopyURL,
		j.Status, j.Progress, j.CurrentStep, j.Attempts, j.StartedAt, j.CompletedAt, j.ProcessingTimeMS,
		j.OutputURL, j.OutputFilename, j.OutputSizeBytes, j.ExpiresAt,
		j.ErrorMessage, j.ErrorCode, j.WebhookURL, j.BatchID, j.Metadata, now, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.UserID, &j.Platform, &j.Mode, &j.CropPixels, &j.CropPosition,
		&j.InputURL, &j.InputFilename, &j.InputSizeBytes, &j.InputDurationSec, &j.SourceCopyURL,
		&j.Status, &j.Progress, &j.CurrentStep, &j.Attempts, &j.StartedAt, &j.CompletedAt, &j.ProcessingTimeMS,
		&j.OutputURL, &j.OutputFilename, &j.OutputSizeBytes, &j.ExpiresAt,
		&j.ErrorMessage, &j.ErrorCode, &j.WebhookURL, &j.BatchID, &j.Metadata, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// updateSet builds the dynamic SET clause for a JobUpdate. Progress is
// clamped with GREATEST so it never decreases within an attempt.
func updateSet(u domain.JobUpdate, args *[]any) string {
	set := ""
	add := func(col string, v any) {
		*args = append(*args, v)
		if set != "" {
			set += ", "
		}
		set += fmt.Sprintf("%s=$%d", col, len(*args))
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.Progress != nil {
		*args = append(*args, *u.Progress)
		if set != "" {
			set += ", "
		}
		set += fmt.Sprintf("progress=GREATEST(progress, $%d)", len(*args))
	}
	if u.CurrentStep != nil {
		add("current_step", *u.CurrentStep)
	}
	if u.StartedAt != nil {
		add("started_at", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		add("completed_at", *u.CompletedAt)
	}
	if u.ProcessingTimeMS != nil {
		add("processing_time_ms", *u.ProcessingTimeMS)
	}
	if u.InputFilename != nil {
		add("input_filename", *u.InputFilename)
	}
	if u.InputSizeBytes != nil {
		add("input_size_bytes", *u.InputSizeBytes)
	}
	if u.InputDurationSec != nil {
		add("input_duration_sec", *u.InputDurationSec)
	}
	if u.SourceCopyURL != nil {
		add("source_copy_url", *u.SourceCopyURL)
	}
	if u.OutputURL != nil {
		add("output_url", *u.OutputURL)
	}
	if u.OutputFilename != nil {
		add("output_filename", *u.OutputFilename)
	}
	if u.OutputSizeBytes != nil {
		add("output_size_bytes", *u.OutputSizeBytes)
	}
	if u.ExpiresAt != nil {
		add("expires_at", *u.ExpiresAt)
	}
	if u.ErrorMessage != nil {
		add("error_message", *u.ErrorMessage)
	}
	if u.ErrorCode != nil {
		add("error_code", *u.ErrorCode)
	}
	if u.Attempts != nil {
		add("attempts", *u.Attempts)
	}
	add("updated_at", time.Now().UTC())
	return set
}

// Update applies a stage write to a job row.
func (r *JobRepo) Update(ctx domain.Context, id string, u domain.JobUpdate) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Update")
	defer span.End()
	args := []any{id}
	set := updateSet(u, &args)
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id=$1`, set)
	if _, err := r.Pool.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("op=job.update: %w", err)
	}
	return nil
}

// Finish writes a terminal status conditionally. The WHERE clause rejects
// rows already in a terminal state, which makes the terminal transition
// idempotent on (job_id, terminal_status) across retried attempts.
func (r *JobRepo) Finish(ctx domain.Context, id string, status domain.JobStatus, u domain.JobUpdate) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Finish")
	defer span.End()
	if !status.Terminal() {
		return false, fmt.Errorf("op=job.finish: %w: status %q is not terminal", domain.ErrInvalidArgument, status)
	}
	u.Status = &status
	args := []any{id}
	set := updateSet(u, &args)
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id=$1 AND status NOT IN ('completed','failed','cancelled')`, set)
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("op=job.finish: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes a job row. Used only for enqueue-failure compensation.
func (r *JobRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=job.delete: %w", err)
	}
	return nil
}

// ListStale returns non-terminal jobs whose updated_at is older than cutoff.
func (r *JobRepo) ListStale(ctx domain.Context, cutoff time.Time, offset, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStale")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status NOT IN ('completed','failed','cancelled') AND updated_at < $1
		ORDER BY updated_at ASC OFFSET $2 LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, cutoff, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stale: scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountByStatus counts jobs currently in a given status.
func (r *JobRepo) CountByStatus(ctx domain.Context, status domain.JobStatus) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status=$1`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	return n, nil
}
