package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/parametricportal/trustplane/internal/api/helpers"
	"github.com/parametricportal/trustplane/internal/ratelimit"
	"github.com/parametricportal/trustplane/internal/reqctx"
)

// RateLimit builds a middleware that consumes presetName against the
// caller's (tenant, user, ip) key on every request through it, emits the
// X-RateLimit-*/Retry-After headers from the outcome, and — for delay-mode
// presets — pauses before calling next instead of rejecting. presetName
// must name a preset ratelimit.Lookup recognizes; an unknown name is a
// wiring bug caught at router construction, not a per-request failure.
func RateLimit(limiter *ratelimit.Limiter, presetName string) func(http.Handler) http.Handler {
	preset, err := ratelimit.Lookup(presetName)
	if err != nil {
		panic(err)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, ok := reqctx.From(r.Context())
			if !ok {
				rc = reqctx.New("", "")
			}

			ip, _ := rc.IPAddress()
			userID := ""
			if sess, sessErr := rc.Session(); sessErr == nil {
				userID = sess.UserID.String()
			}

			result, consumeErr := limiter.Consume(r.Context(), preset, rc.TenantID(), userID, ip)
			if consumeErr != nil {
				helpers.WriteError(w, consumeErr)
				return
			}

			writeRateLimitHeaders(w, result)

			rc = rc.WithRateLimit(reqctx.RateLimitState{
				Limit: result.Limit, Remaining: result.Remaining,
				ResetAfter: result.ResetAfter, Delay: result.Delay,
			})
			ctx := reqctx.Into(r.Context(), rc)

			if result.Delay > 0 {
				timer := time.NewTimer(result.Delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-ctx.Done():
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, result ratelimit.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", result.Limit))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
	if result.ResetAfter > 0 {
		h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", int(result.ResetAfter.Seconds())))
		h.Set("Retry-After", fmt.Sprintf("%d", int(result.ResetAfter.Seconds())))
	}
}
