package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/service/ratelimiter"
)

// UserRateLimit enforces the per-user submission budget across replicas. It
// runs after BearerAuth so the bucket key is the user, not the client IP.
func UserRateLimit(l ratelimiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}
			userID := UserIDFrom(r.Context())
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, retryAfter, err := l.Allow(r.Context(), "submit:"+userID, 1)
			if err != nil {
				// Limiter fails open; the error is already logged.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				secs := int(retryAfter / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
				writeError(w, r, fmt.Errorf("%w: submission limit reached", domain.ErrRateLimited),
					map[string]int{"retry_after_seconds": secs})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
