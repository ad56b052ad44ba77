package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"platform"},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed by backend that ran",
		},
		[]string{"backend"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs terminally failed",
		},
		[]string{"step"},
	)

	DownloadAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_attempts_total",
			Help: "Download strategy attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)
	TransformDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transform_duration_seconds",
			Help:    "Transform backend duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"backend"},
	)

	CreditsMovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_moved_total",
			Help: "Absolute credits moved through the ledger by kind",
		},
		[]string{"kind"},
	)

	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Per-stage pipeline duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
		},
		[]string{"stage"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(DownloadAttemptsTotal)
	prometheus.MustRegister(TransformDuration)
	prometheus.MustRegister(CreditsMovedTotal)
	prometheus.MustRegister(PipelineStageDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(platform string) {
	JobsEnqueuedTotal.WithLabelValues(platform).Inc()
}

// StartProcessingJob / FinishProcessingJob bracket one worker attempt. The
// gauge lives in the worker process; the terminal counters live wherever the
// terminal write happens.
func StartProcessingJob() {
	JobsProcessing.Inc()
}

func FinishProcessingJob() {
	JobsProcessing.Dec()
}

func CompleteJob(backend string) {
	JobsCompletedTotal.WithLabelValues(backend).Inc()
}

func FailJob(step string) {
	JobsFailedTotal.WithLabelValues(step).Inc()
}

// ObserveDownload records a download strategy attempt outcome.
func ObserveDownload(strategy string, ok bool) {
	outcome := "hit"
	if !ok {
		outcome = "miss"
	}
	DownloadAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveCredits records an absolute ledger movement.
func ObserveCredits(kind string, amount int) {
	if amount < 0 {
		amount = -amount
	}
	CreditsMovedTotal.WithLabelValues(kind).Add(float64(amount))
}
