// Package app wires the HTTP surface and background loops of the submitter.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clipscrub/clipscrub/internal/adapter/httpserver"
	"github.com/clipscrub/clipscrub/internal/config"
	"github.com/clipscrub/clipscrub/internal/lifecycle"
	"github.com/clipscrub/clipscrub/internal/observability"
	"github.com/clipscrub/clipscrub/internal/service/ratelimiter"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. Empty input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, limiter ratelimiter.Limiter, lc *lifecycle.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(60 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Public API. Platform presets are readable without a token; everything
	// else requires bearer auth, with IP and per-user limits on mutations.
	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/platforms", srv.PlatformsHandler())

		api.Group(func(priv chi.Router) {
			priv.Use(httpserver.BearerAuth(cfg.APITokenHashes))

			priv.Group(func(mut chi.Router) {
				mut.Use(httprate.LimitByIP(cfg.RateLimitPerMin*2, time.Minute))
				if limiter != nil {
					mut.Use(httpserver.UserRateLimit(limiter))
				}
				mut.Post("/jobs", srv.SubmitHandler())
				mut.Post("/jobs/upload", srv.UploadHandler())
				mut.Post("/jobs/batch", srv.BatchHandler())
			})

			priv.Get("/jobs/{id}", srv.JobHandler())
			priv.Get("/jobs/{id}/download", srv.DownloadHandler())
			// DELETE on a job cancels it and refunds the hold; removing a
			// terminal job's stored artifacts is a separate operation.
			priv.Delete("/jobs/{id}", srv.CancelHandler())
			priv.Post("/jobs/{id}/cancel", srv.CancelHandler())
			priv.Delete("/jobs/{id}/artifacts", srv.DeleteHandler())
			priv.Get("/credits", srv.CreditsHandler())
		})
	})

	// Unauthenticated service status.
	r.Get("/status", srv.StatusHandler())

	// Internal surface: worker callbacks behind the shared secret. The
	// secret is mandatory in prod; dev deployments may run without one.
	r.Route("/api/internal", func(in chi.Router) {
		in.Use(httpserver.InternalAuth(cfg.InternalCallbackSecret, cfg.IsProd()))
		in.Post("/jobs/{id}/complete", srv.InternalCompleteHandler())
	})

	// Lifecycle and metrics.
	if lc != nil {
		lc.Mount(r)
	} else {
		r.Get("/readyz", srv.ReadyzHandler())
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	}
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
