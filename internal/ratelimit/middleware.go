package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alecgard/prepaid/internal/auth"
)

// Middleware enforces the limiter for the authenticated tenant, using the
// tenant's own rate when it has one. Requests without a tenant pass
// through. Quota headers are set on every limited response:
//
//	X-RateLimit-Limit
//	X-RateLimit-Remaining
//	X-RateLimit-Reset (unix seconds)
func Middleware(limiter *Limiter, onReject func(tenantID string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := auth.TenantFromContext(r.Context())
			if t == nil {
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Take(t.ID, t.RateLimit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				if onReject != nil {
					onReject(t.ID)
				}
				w.Header().Set("Retry-After", strconv.FormatInt(int64(d.ResetAt.Sub(limiter.now()).Seconds())+1, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
