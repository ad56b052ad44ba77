package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/usecase"
)

// pipeJobs is a minimal JobRepository that records updates.
type pipeJobs struct {
	mu      sync.Mutex
	jobs    map[string]domain.Job
	updates []domain.JobUpdate
	getN    int
	// terminalAfterGet flips the job terminal after the nth Get, simulating a
	// cancellation racing the attempt.
	terminalAfterGet int
}

func newPipeJobs(j domain.Job) *pipeJobs {
	return &pipeJobs{jobs: map[string]domain.Job{j.ID: j}}
}

func (r *pipeJobs) Get(_ context.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getN++
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	if r.terminalAfterGet > 0 && r.getN > r.terminalAfterGet {
		j.Status = domain.JobCancelled
	}
	return j, nil
}

func (r *pipeJobs) Update(_ context.Context, id string, u domain.JobUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	j := r.jobs[id]
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.CurrentStep != nil {
		j.CurrentStep = *u.CurrentStep
	}
	r.jobs[id] = j
	return nil
}

func (r *pipeJobs) Create(context.Context, domain.Job) (string, error) { return "", nil }
func (r *pipeJobs) Finish(context.Context, string, domain.JobStatus, domain.JobUpdate) (bool, error) {
	return false, nil
}
func (r *pipeJobs) Delete(context.Context, string) error { return nil }
func (r *pipeJobs) ListStale(context.Context, time.Time, int, int) ([]domain.Job, error) {
	return nil, nil
}
func (r *pipeJobs) CountByStatus(context.Context, domain.JobStatus) (int64, error) { return 0, nil }

func (r *pipeJobs) lastStep() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.updates) - 1; i >= 0; i-- {
		if r.updates[i].CurrentStep != nil {
			return *r.updates[i].CurrentStep
		}
	}
	return ""
}

type pipeFetcher struct {
	err   error
	calls int
}

func (f *pipeFetcher) Fetch(_ context.Context, _, dir string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(dir, "clip.mp4")
	return path, os.WriteFile(path, []byte("source-bytes"), 0o644)
}

type pipeProber struct{ err error }

func (p *pipeProber) Probe(context.Context, string) (domain.VideoInfo, error) {
	if p.err != nil {
		return domain.VideoInfo{}, p.err
	}
	return domain.VideoInfo{Width: 1080, Height: 1920, DurationSec: 9.5, Container: "mp4"}, nil
}

type pipeTransformer struct {
	name  string
	err   error
	calls int
}

func (t *pipeTransformer) Name() string { return t.name }

func (t *pipeTransformer) Transform(_ context.Context, inputPath string, _ domain.VideoInfo, _ domain.WorkPayload) (string, error) {
	t.calls++
	if t.err != nil {
		return "", t.err
	}
	out := strings.TrimSuffix(inputPath, ".mp4") + "_clean.mp4"
	return out, os.WriteFile(out, []byte("clean-bytes"), 0o644)
}

type pipeBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newPipeBlob() *pipeBlob { return &pipeBlob{objects: map[string][]byte{}} }

func (b *pipeBlob) Upload(_ context.Context, bucket, path, _ string, data []byte, _ bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[bucket+"/"+path] = data
	return "http://blob/" + bucket + "/" + path, nil
}

func (b *pipeBlob) List(context.Context, string, string, int) ([]string, error) { return nil, nil }
func (b *pipeBlob) Delete(context.Context, string, string) error               { return nil }

// callbackSink records completion reports posted to the internal endpoint.
type callbackSink struct {
	mu      sync.Mutex
	reports []usecase.CompletionReport
	secrets []string
	status  int
}

func newCallbackSink() (*callbackSink, *httptest.Server) {
	sink := &callbackSink{status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rep usecase.CompletionReport
		_ = json.NewDecoder(r.Body).Decode(&rep)
		parts := strings.Split(r.URL.Path, "/")
		rep.JobID = parts[len(parts)-2]
		sink.mu.Lock()
		sink.reports = append(sink.reports, rep)
		sink.secrets = append(sink.secrets, r.Header.Get("X-Internal-Secret"))
		st := sink.status
		sink.mu.Unlock()
		w.WriteHeader(st)
	}))
	return sink, srv
}

func (s *callbackSink) last() (usecase.CompletionReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) == 0 {
		return usecase.CompletionReport{}, false
	}
	return s.reports[len(s.reports)-1], true
}

type pipeFixture struct {
	jobs    *pipeJobs
	fetcher *pipeFetcher
	crop    *pipeTransformer
	inpaint *pipeTransformer
	blob    *pipeBlob
	sink    *callbackSink
	p       *Pipeline
}

func newPipeline(t *testing.T, job domain.Job) *pipeFixture {
	t.Helper()
	sink, srv := newCallbackSink()
	t.Cleanup(srv.Close)

	f := &pipeFixture{
		jobs:    newPipeJobs(job),
		fetcher: &pipeFetcher{},
		crop:    &pipeTransformer{name: "crop"},
		blob:    newPipeBlob(),
		sink:    sink,
	}
	f.p = &Pipeline{
		Jobs:            f.jobs,
		Fetcher:         f.fetcher,
		Prober:          &pipeProber{},
		Crop:            f.crop,
		Blob:            f.blob,
		InputBucket:     "inputs",
		ProcessedBucket: "processed",
		ScratchDir:      t.TempDir(),
		Reporter:        NewReporter(srv.URL, "s3cret"),
	}
	return f
}

func queuedJob(mode domain.ProcessingMode) domain.Job {
	return domain.Job{ID: "job_pipe", UserID: "u1", Status: domain.JobQueued, Mode: mode, Platform: "sora"}
}

func payloadFor(j domain.Job) domain.WorkPayload {
	return domain.WorkPayload{
		JobID: j.ID, UserID: j.UserID, InputURL: "https://videos.example.com/clip.mp4",
		Platform: j.Platform, Mode: j.Mode, CropPixels: 120, CropPosition: domain.CropBottom,
		Attempt: 1,
	}
}

func TestPipeline_CropHappyPath(t *testing.T) {
	job := queuedJob(domain.ModeCrop)
	f := newPipeline(t, job)

	require.NoError(t, f.p.Handle(context.Background(), payloadFor(job)))

	// the claim checkpoint moves the row to processing and stamps started_at
	require.NotEmpty(t, f.jobs.updates)
	first := f.jobs.updates[0]
	require.NotNil(t, first.Status)
	assert.Equal(t, domain.JobProcessing, *first.Status)
	require.NotNil(t, first.Progress)
	assert.Equal(t, 5, *first.Progress)
	require.NotNil(t, first.StartedAt)

	rep, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, "job_pipe", rep.JobID)
	assert.Equal(t, "completed", rep.Status)
	assert.Equal(t, "crop", rep.BackendRan)
	assert.Equal(t, "clip_clean.mp4", rep.OutputFilename)
	assert.Equal(t, "http://blob/processed/job_pipe/clip_clean.mp4", rep.OutputURL)
	assert.EqualValues(t, len("clean-bytes"), rep.OutputSizeBytes)
	assert.Equal(t, "s3cret", f.sink.secrets[0])

	// source copy and output both landed in blob storage
	assert.Contains(t, f.blob.objects, "inputs/job_pipe/clip.mp4")
	assert.Contains(t, f.blob.objects, "processed/job_pipe/clip_clean.mp4")

	// checkpoints walked the stages; the last one is the finalize marker
	assert.Equal(t, "finalize", f.jobs.lastStep())

	// scratch space is cleaned up
	entries, err := os.ReadDir(f.p.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPipeline_SkipsTerminalJob(t *testing.T) {
	job := queuedJob(domain.ModeCrop)
	job.Status = domain.JobCancelled
	f := newPipeline(t, job)

	require.NoError(t, f.p.Handle(context.Background(), payloadFor(job)))
	assert.Zero(t, f.fetcher.calls)
	_, ok := f.sink.last()
	assert.False(t, ok)
}

func TestPipeline_AbandonsWhenSettledMidAttempt(t *testing.T) {
	job := queuedJob(domain.ModeCrop)
	f := newPipeline(t, job)
	f.jobs.terminalAfterGet = 1 // cancelled between download and transform

	require.NoError(t, f.p.Handle(context.Background(), payloadFor(job)))
	assert.Zero(t, f.crop.calls)
	_, ok := f.sink.last()
	assert.False(t, ok)
}

func TestPipeline_AutoPrefersInpaint(t *testing.T) {
	job := queuedJob(domain.ModeAuto)
	f := newPipeline(t, job)
	f.inpaint = &pipeTransformer{name: "inpaint"}
	f.p.Inpaint = f.inpaint

	require.NoError(t, f.p.Handle(context.Background(), payloadFor(job)))

	rep, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, "inpaint", rep.BackendRan)
	assert.Zero(t, f.crop.calls)
}

func TestPipeline_AutoFallsBackToCrop(t *testing.T) {
	job := queuedJob(domain.ModeAuto)
	f := newPipeline(t, job)
	f.inpaint = &pipeTransformer{name: "inpaint", err: errors.New("inpaint status 503")}
	f.p.Inpaint = f.inpaint

	require.NoError(t, f.p.Handle(context.Background(), payloadFor(job)))

	rep, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, "crop", rep.BackendRan)
	assert.Equal(t, 1, f.inpaint.calls)
	assert.Equal(t, 1, f.crop.calls)
}

func TestPipeline_InpaintModeWithoutBackend(t *testing.T) {
	job := queuedJob(domain.ModeInpaint)
	f := newPipeline(t, job)

	err := f.p.Handle(context.Background(), payloadFor(job))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)
	_, ok := f.sink.last()
	assert.False(t, ok)
}

func TestPipeline_DownloadFailureBubbles(t *testing.T) {
	job := queuedJob(domain.ModeCrop)
	f := newPipeline(t, job)
	f.fetcher.err = errors.New("all strategies failed")

	err := f.p.Handle(context.Background(), payloadFor(job))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=pipeline.download")
	_, ok := f.sink.last()
	assert.False(t, ok)
}

func TestPipeline_ReportExhausted(t *testing.T) {
	job := queuedJob(domain.ModeCrop)
	f := newPipeline(t, job)

	cause := fmt.Errorf("op=pipeline.download job_id=job_pipe: %w", errors.New("curl exit 22"))
	f.p.ReportExhausted(context.Background(), payloadFor(job), cause)

	rep, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, "failed", rep.Status)
	assert.Equal(t, "DOWNLOAD_FAILED", rep.ErrorCode)
	// the row gets a user-actionable sentence, not the internal chain
	assert.Contains(t, rep.ErrorMessage, "Could not download the video")
	assert.NotContains(t, rep.ErrorMessage, "op=")
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		name  string
		cause error
		want  string
	}{
		{"nil", nil, "PROCESSING_FAILED"},
		{"content invalid", fmt.Errorf("probe: %w", domain.ErrContentInvalid), "CONTENT_INVALID"},
		{"backend unavailable", fmt.Errorf("x: %w", domain.ErrUpstreamTimeout), "BACKEND_UNAVAILABLE"},
		{"invalid argument", fmt.Errorf("x: %w", domain.ErrInvalidArgument), "INVALID_ARGUMENT"},
		{"download stage", errors.New("op=pipeline.download job_id=x: refused"), "DOWNLOAD_FAILED"},
		{"anything else", errors.New("ffmpeg exit 1"), "PROCESSING_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errorCode(tc.cause))
		})
	}
}

func TestCauseMessage(t *testing.T) {
	assert.Equal(t, "processing failed", causeMessage(nil))
	assert.Equal(t, "short", causeMessage(errors.New("short")))
	long := strings.Repeat("x", 600)
	assert.Len(t, causeMessage(errors.New(long)), 500)

	webpage := fmt.Errorf("op=pipeline.download job_id=j1: %w: payload is a web page", domain.ErrContentInvalid)
	assert.Equal(t,
		"Downloaded file is a webpage, not a video. The source may require a login or block automated downloads.",
		causeMessage(webpage))

	dl := fmt.Errorf("op=pipeline.download job_id=j1: %w", errors.New("curl exit 22"))
	assert.Equal(t,
		"Could not download the video. Check that the URL is public and points directly at a video file.",
		causeMessage(dl))

	backend := fmt.Errorf("op=pipeline.transform job_id=j1: %w", domain.ErrUpstreamTimeout)
	assert.Equal(t, "The processing backend is unavailable. Please retry later.", causeMessage(backend))

	// internal op= prefixes get stripped from whatever reaches the user
	nested := errors.New("op=pipeline.transform job_id=j1: op=ffmpeg.crop: filter graph rejected")
	assert.Equal(t, "filter graph rejected", causeMessage(nested))
}

func TestReporter_PermanentOn4xx(t *testing.T) {
	sink, srv := newCallbackSink()
	defer srv.Close()
	sink.status = http.StatusBadRequest

	r := NewReporter(srv.URL, "s")
	err := r.Report(context.Background(), usecase.CompletionReport{JobID: "job_x", Status: "completed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "callback status 400")
	// a rejected report is not retried
	assert.Len(t, sink.reports, 1)
}
