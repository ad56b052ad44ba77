package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clipscrub/clipscrub/internal/config"
	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Submit   *usecase.SubmitService
	Query    *usecase.QueryService
	Cancel   *usecase.CancelService
	Callback *usecase.CallbackService
	Jobs     domain.JobRepository
	Blob     domain.BlobStore
	Policy   *URLPolicy

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	QueueCheck func(ctx context.Context) error

	startedAt time.Time
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, submit *usecase.SubmitService, query *usecase.QueryService, cancel *usecase.CancelService, callback *usecase.CallbackService, jobs domain.JobRepository, blob domain.BlobStore, policy *URLPolicy) *Server {
	return &Server{Cfg: cfg, Submit: submit, Query: query, Cancel: cancel, Callback: callback, Jobs: jobs, Blob: blob, Policy: policy, startedAt: time.Now()}
}

func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
		writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
			Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]any{"accept": a},
		}})
		return false
	}
	return true
}

// jobView is the public JSON shape of a job.
type jobView struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Progress         int               `json:"progress"`
	CurrentStep      string            `json:"current_step,omitempty"`
	Platform         string            `json:"platform"`
	Mode             string            `json:"processing_mode"`
	CropPixels       int               `json:"crop_pixels"`
	CropPosition     string            `json:"crop_position"`
	InputURL         string            `json:"input_url"`
	InputFilename    string            `json:"input_filename,omitempty"`
	SourceCopyURL    string            `json:"source_copy_url,omitempty"`
	OutputURL        string            `json:"output_url,omitempty"`
	OutputFilename   string            `json:"output_filename,omitempty"`
	OutputSizeBytes  int64             `json:"output_size_bytes,omitempty"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	ProcessingTimeMS int64             `json:"processing_time_ms,omitempty"`
	ErrorMessage     string            `json:"error,omitempty"`
	ErrorCode        string            `json:"error_code,omitempty"`
	BatchID          string            `json:"batch_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID:               j.ID,
		Status:           string(j.Status),
		Progress:         usecase.DerivedProgress(j),
		CurrentStep:      j.CurrentStep,
		Platform:         j.Platform,
		Mode:             string(j.Mode),
		CropPixels:       j.CropPixels,
		CropPosition:     string(j.CropPosition),
		InputURL:         j.InputURL,
		InputFilename:    j.InputFilename,
		SourceCopyURL:    j.SourceCopyURL,
		OutputURL:        j.OutputURL,
		OutputFilename:   j.OutputFilename,
		OutputSizeBytes:  j.OutputSizeBytes,
		ExpiresAt:        j.ExpiresAt,
		ProcessingTimeMS: j.ProcessingTimeMS,
		ErrorMessage:     j.ErrorMessage,
		ErrorCode:        j.ErrorCode,
		BatchID:          j.BatchID,
		Metadata:         j.Metadata,
		CreatedAt:        j.CreatedAt,
	}
}

// submitView is jobView plus the acceptance fields a fresh submission
// carries: what was charged and when the output is roughly expected.
type submitView struct {
	jobView
	CreditsCharged      int       `json:"credits_charged"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
}

func toSubmitView(j domain.Job) submitView {
	return submitView{
		jobView:             toJobView(j),
		CreditsCharged:      j.Cost(),
		EstimatedCompletion: estimatedCompletion(j),
	}
}

// estimatedCompletion is a coarse ETA: a per-mode processing budget on top
// of the submission time. Inpaint round-trips through the GPU backend and
// takes noticeably longer than a local crop.
func estimatedCompletion(j domain.Job) time.Time {
	d := 2 * time.Minute
	if j.Mode == domain.ModeInpaint {
		d = 5 * time.Minute
	}
	return j.CreatedAt.Add(d)
}

// respondSubmitErr maps submission errors, filling the 402 envelope with the
// numbers the client needs.
func (s *Server) respondSubmitErr(w http.ResponseWriter, r *http.Request, userID string, mode domain.ProcessingMode, err error) {
	if errors.Is(err, domain.ErrInsufficientCredits) {
		required := domain.CostForMode(mode)
		available, berr := s.Query.Balance(r.Context(), userID)
		if berr != nil {
			available = 0
		}
		writeInsufficientCredits(w, required, available)
		return
	}
	writeError(w, r, err, nil)
}

// SubmitHandler accepts a JSON submission referencing a source URL.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req usecase.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if req.VideoURL == "" {
			writeError(w, r, fmt.Errorf("%w: video_url is required", domain.ErrInvalidArgument),
				map[string]string{"field": "video_url"})
			return
		}
		if err := s.Policy.Validate(req.VideoURL); err != nil {
			writeError(w, r, err, map[string]string{"field": "video_url"})
			return
		}
		userID := UserIDFrom(r.Context())
		job, err := s.Submit.Submit(r.Context(), userID, req)
		if err != nil {
			s.respondSubmitErr(w, r, userID, req.Mode, err)
			return
		}
		writeJSON(w, http.StatusCreated, toSubmitView(job))
	}
}

// videoExts is the upload extension allowlist.
func allowedVideoExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".mov", ".webm", ".mkv", ".avi":
		return true
	}
	return false
}

// UploadHandler accepts a multipart upload of the source video itself.
func (s *Server) UploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadBytes()
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			low := strings.ToLower(err.Error())
			if strings.Contains(low, "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code: "INVALID_ARGUMENT", Message: "payload too large",
					Details: map[string]any{"max_mb": s.Cfg.MaxUploadMB},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		f, hdr, err := r.FormFile("video")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: video file required", domain.ErrInvalidArgument),
				map[string]string{"field": "video"})
			return
		}
		defer func() { _ = f.Close() }()

		if !allowedVideoExt(hdr.Filename) {
			writeError(w, r, fmt.Errorf("%w: unsupported extension", domain.ErrContentInvalid),
				map[string]string{"filename": hdr.Filename})
			return
		}
		data, err := io.ReadAll(f)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: read: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		mt := mimetype.Detect(data)
		if !strings.HasPrefix(mt.String(), "video/") {
			writeError(w, r, fmt.Errorf("%w: not a video", domain.ErrContentInvalid),
				map[string]string{"mime": mt.String(), "filename": hdr.Filename})
			return
		}

		userID := UserIDFrom(r.Context())
		path := "uploads/" + uuid.New().String() + "/" + filepath.Base(hdr.Filename)
		blobURL, err := s.Blob.Upload(r.Context(), s.Cfg.BlobInputBucket, path, mt.String(), data, false)
		if err != nil {
			writeError(w, r, fmt.Errorf("upload store: %w", err), nil)
			return
		}

		req := usecase.SubmitRequest{
			VideoURL:      blobURL,
			InputFilename: filepath.Base(hdr.Filename),
			Platform:      r.FormValue("platform"),
			Mode:          domain.ProcessingMode(r.FormValue("processing_mode")),
			CropPosition:  domain.CropPosition(r.FormValue("crop_position")),
			WebhookURL:    r.FormValue("webhook_url"),
		}
		if v := r.FormValue("crop_pixels"); v != "" {
			var px int
			if _, err := fmt.Sscanf(v, "%d", &px); err != nil || px < 0 {
				writeError(w, r, fmt.Errorf("%w: crop_pixels must be a non-negative integer", domain.ErrInvalidArgument), nil)
				return
			}
			req.CropPixels = &px
		}
		job, err := s.Submit.Submit(r.Context(), userID, req)
		if err != nil {
			s.respondSubmitErr(w, r, userID, req.Mode, err)
			return
		}
		writeJSON(w, http.StatusCreated, toSubmitView(job))
	}
}

// BatchHandler accepts up to BatchMax URL submissions at once.
func (s *Server) BatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
		var req struct {
			Jobs []usecase.SubmitRequest `json:"jobs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		for i := range req.Jobs {
			if req.Jobs[i].VideoURL == "" {
				continue // normalize rejects it per item
			}
			if err := s.Policy.Validate(req.Jobs[i].VideoURL); err != nil {
				writeError(w, r, err, map[string]any{"index": i})
				return
			}
		}
		userID := UserIDFrom(r.Context())
		res, err := s.Submit.SubmitBatch(r.Context(), userID, req.Jobs)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := struct {
			BatchID  string `json:"batch_id"`
			Accepted int    `json:"accepted"`
			Rejected int    `json:"rejected"`
			Items    []struct {
				Job   *submitView `json:"job,omitempty"`
				Error string      `json:"error,omitempty"`
			} `json:"items"`
		}{BatchID: res.BatchID, Accepted: res.Accepted, Rejected: res.Rejected}
		for _, it := range res.Items {
			var item struct {
				Job   *submitView `json:"job,omitempty"`
				Error string      `json:"error,omitempty"`
			}
			if it.Error != "" {
				item.Error = it.Error
			} else {
				v := toSubmitView(it.Job)
				item.Job = &v
			}
			out.Items = append(out.Items, item)
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

// JobHandler returns one job's view.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Query.Get(r.Context(), UserIDFrom(r.Context()), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

// DownloadHandler resolves a completed output.
func (s *Server) DownloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		info, err := s.Query.Download(r.Context(), UserIDFrom(r.Context()), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// CancelHandler cancels a queued or running job.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Cancel.Cancel(r.Context(), UserIDFrom(r.Context()), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

// DeleteHandler removes a terminal job and its artifacts.
func (s *Server) DeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Query.Delete(r.Context(), UserIDFrom(r.Context()), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// PlatformsHandler lists the platform presets.
func (s *Server) PlatformsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"platforms": domain.Platforms()})
	}
}

// CreditsHandler returns the caller's balance.
func (s *Server) CreditsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bal, err := s.Query.Balance(r.Context(), UserIDFrom(r.Context()))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"credits": bal})
	}
}

// InternalCompleteHandler receives the worker's terminal report.
func (s *Server) InternalCompleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var rep usecase.CompletionReport
		if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		rep.JobID = chi.URLParam(r, "id")
		if err := s.Callback.Complete(r.Context(), rep); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// StatusHandler reports aggregate health: uptime, memory and queue counts.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		queued, _ := s.Jobs.CountByStatus(ctx, domain.JobQueued)
		processing, _ := s.Jobs.CountByStatus(ctx, domain.JobProcessing)
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		writeJSON(w, http.StatusOK, map[string]any{
			"service":   s.Cfg.ServiceName,
			"version":   s.Cfg.Version,
			"uptime_ms": time.Since(s.startedAt).Milliseconds(),
			"memory": map[string]any{
				"heap_alloc_bytes": mem.HeapAlloc,
				"sys_bytes":        mem.Sys,
				"num_gc":           mem.NumGC,
			},
			"queued":     queued,
			"processing": processing,
		})
	}
}

// ReadyzHandler probes the server's dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		run := func(name string, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
				return
			}
			checks = append(checks, check{Name: name, OK: true})
		}
		run("db", s.DBCheck)
		run("redis", s.RedisCheck)
		run("queue", s.QueueCheck)
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
