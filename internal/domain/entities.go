package domain

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrQueueUnavailable    = errors.New("queue unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrContentInvalid      = errors.New("content invalid")
	ErrInternal            = errors.New("internal error")
)

// ProcessingMode selects the transform backend.
type ProcessingMode string

const (
	ModeCrop    ProcessingMode = "crop"
	ModeInpaint ProcessingMode = "inpaint"
	ModeAuto    ProcessingMode = "auto"
)

// ValidMode reports whether m is a known processing mode.
func ValidMode(m ProcessingMode) bool {
	return m == ModeCrop || m == ModeInpaint || m == ModeAuto
}

// CropPosition is the edge a crop band is removed from.
type CropPosition string

const (
	CropTop    CropPosition = "top"
	CropBottom CropPosition = "bottom"
	CropLeft   CropPosition = "left"
	CropRight  CropPosition = "right"
)

// ValidCropPosition reports whether p is a known crop position.
func ValidCropPosition(p CropPosition) bool {
	switch p {
	case CropTop, CropBottom, CropLeft, CropRight:
		return true
	}
	return false
}

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobValidating JobStatus = "validating"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Cancellable reports whether a job in this status may still be cancelled.
func (s JobStatus) Cancellable() bool {
	return s == JobQueued || s == JobValidating || s == JobProcessing
}

// Job is the central durable entity: one input video, one output video.
//
// Invariants:
//
//	completed => OutputURL, OutputFilename, CompletedAt present and Progress=100
//	failed    => ErrorMessage present; any reserved credits released
//	Progress is non-decreasing within a single attempt
//	exactly one terminal transition per job lifetime
type Job struct {
	ID     string
	UserID string

	Platform     string
	Mode         ProcessingMode
	CropPixels   int
	CropPosition CropPosition

	InputURL         string
	InputFilename    string
	InputSizeBytes   int64
	InputDurationSec float64
	// SourceCopyURL points at the uploaded copy of the original input in the
	// blob store, kept for before/after comparison. InputURL always preserves
	// the origin URL.
	SourceCopyURL string

	Status           JobStatus
	Progress         int
	CurrentStep      string
	Attempts         int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ProcessingTimeMS int64

	OutputURL       string
	OutputFilename  string
	OutputSizeBytes int64
	ExpiresAt       *time.Time

	ErrorMessage string
	ErrorCode    string

	WebhookURL string
	BatchID    string
	Metadata   map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Cost returns the credit cost of the job's requested mode.
func (j Job) Cost() int { return CostForMode(j.Mode) }

// CostForMode prices a processing mode: inpaint is 2 credits, everything
// else (crop, auto) reserves 1.
func CostForMode(m ProcessingMode) int {
	if m == ModeInpaint {
		return 2
	}
	return 1
}

const jobIDPrefix = "job_"

// NewJobID returns an opaque job id: "job_" plus 12 URL-safe characters.
func NewJobID() string {
	b := make([]byte, 9)
	_, _ = rand.Read(b)
	return jobIDPrefix + base64.RawURLEncoding.EncodeToString(b)[:12]
}

// CreditKind tags a ledger entry.
type CreditKind string

const (
	CreditGrant    CreditKind = "grant"
	CreditPurchase CreditKind = "purchase"
	CreditReserve  CreditKind = "reserve"
	CreditRelease  CreditKind = "release"
	CreditFinalize CreditKind = "finalize"
)

// CreditEntry is an append-only ledger row. The current balance of a user is
// the sum of deltas over all their entries.
type CreditEntry struct {
	ID        string
	UserID    string
	JobID     string
	Delta     int
	Kind      CreditKind
	CreatedAt time.Time
}

// WorkPayload is the queue message carrying the full job parameters.
type WorkPayload struct {
	JobID         string            `json:"job_id"`
	UserID        string            `json:"user_id"`
	InputURL      string            `json:"input_url"`
	InputFilename string            `json:"input_filename"`
	Platform      string            `json:"platform"`
	Mode          ProcessingMode    `json:"processing_mode"`
	CropPixels    int               `json:"crop_pixels"`
	CropPosition  CropPosition      `json:"crop_position"`
	WebhookURL    string            `json:"webhook_url,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	Attempt       int               `json:"attempt,omitempty"`
}

// TerminalNotice is the body delivered to webhooks on terminal transitions.
type TerminalNotice struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	OutputURL        string `json:"output_url,omitempty"`
	ProcessingTimeMS int64  `json:"processing_time_ms,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Repositories (ports)

// JobUpdate carries the mutable fields a stage write may touch. Nil fields
// are left unchanged.
type JobUpdate struct {
	Status           *JobStatus
	Progress         *int
	CurrentStep      *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ProcessingTimeMS *int64
	InputFilename    *string
	InputSizeBytes   *int64
	InputDurationSec *float64
	SourceCopyURL    *string
	OutputURL        *string
	OutputFilename   *string
	OutputSizeBytes  *int64
	ExpiresAt        *time.Time
	ErrorMessage     *string
	ErrorCode        *string
	Attempts         *int
}

type JobRepository interface {
	Create(ctx context.Context, j Job) (string, error)
	Get(ctx context.Context, id string) (Job, error)
	// Update applies a stage write. Progress never decreases within an
	// attempt; the repository clamps with GREATEST.
	Update(ctx context.Context, id string, u JobUpdate) error
	// Finish writes a terminal status conditionally: it is a no-op when the
	// row already holds a terminal status, and reports whether the write
	// happened.
	Finish(ctx context.Context, id string, status JobStatus, u JobUpdate) (bool, error)
	Delete(ctx context.Context, id string) error
	// ListStale returns non-terminal jobs whose updated_at is older than
	// cutoff, paged by offset/limit.
	ListStale(ctx context.Context, cutoff time.Time, offset, limit int) ([]Job, error)
	CountByStatus(ctx context.Context, status JobStatus) (int64, error)
}

// CreditLedger is the reserve/release/finalize protocol between submitter and
// worker. All three mutators are idempotent on (userID, jobID).
type CreditLedger interface {
	Reserve(ctx context.Context, userID, jobID string, amount int) error
	Release(ctx context.Context, userID, jobID string) error
	Finalize(ctx context.Context, userID, jobID string, finalAmount int) error
	Balance(ctx context.Context, userID string) (int, error)
}

// Queue (port)

type Queue interface {
	Enqueue(ctx context.Context, payload WorkPayload) (string, error)
	// Remove attempts to drop a not-yet-claimed item; best effort.
	Remove(ctx context.Context, jobID string) error
}

// BlobStore (port). Two logical buckets: inputs and processed outputs.
type BlobStore interface {
	Upload(ctx context.Context, bucket, path string, contentType string, data []byte, upsert bool) (string, error)
	List(ctx context.Context, bucket, prefix string, limit int) ([]string, error)
	Delete(ctx context.Context, bucket, path string) error
}

// VideoInfo is the probe result for a downloaded input.
type VideoInfo struct {
	Width       int
	Height      int
	DurationSec float64
	Container   string
}

// Prober reads video metadata from a file on disk.
type Prober interface {
	Probe(ctx context.Context, path string) (VideoInfo, error)
}

// Transformer turns an input file into a processed file.
type Transformer interface {
	// Name identifies the backend that ran ("crop" or "inpaint") for the
	// charging rule.
	Name() string
	Transform(ctx context.Context, inputPath string, info VideoInfo, p WorkPayload) (outputPath string, err error)
}

// Downloader fetches the source video into dir and returns the local path.
type Downloader interface {
	Fetch(ctx context.Context, rawURL, dir string) (path string, err error)
}

// Notifier delivers terminal-state webhooks. Failures never block job state.
type Notifier interface {
	Notify(ctx context.Context, webhookURL string, n TerminalNotice) error
}

// Mailer is the external mail collaborator.
type Mailer interface {
	SendJobNotice(ctx context.Context, userID string, n TerminalNotice) error
}

// Context is an alias kept for parity with repository signatures.
type Context = context.Context
