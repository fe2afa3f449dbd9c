// Package middleware holds the edge's chi middleware chain: request-context
// attachment, panic recovery, rate limiting, session authentication, and
// policy gating — the HTTP-facing counterpart to the teacher's own
// middleware package, rebuilt around internal/reqctx instead of raw
// context.WithValue keys.
package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/parametricportal/trustplane/internal/reqctx"
)

// TenantHeader is the header a multi-tenant client uses to select its
// tenant on every request, with or without a session. RequireSession
// resolves the bearer token within this same tenant and rejects a token
// that belongs to another one.
const TenantHeader = "X-Tenant-ID"

// RequestContext attaches a reqctx.Context to every request: tenant id from
// TenantHeader (defaulting to reqctx.TenantDefault when absent, exactly as
// reqctx.New does), request id from chi's RequestID middleware, and the
// caller's IP/user-agent for the network facet. Must run after chi's
// RequestID and RealIP middleware.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		tenantID := r.Header.Get(TenantHeader)

		rc := reqctx.New(tenantID, reqID).WithNetwork(r.RemoteAddr, r.UserAgent())

		ctx := reqctx.Into(r.Context(), rc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
