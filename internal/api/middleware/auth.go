package middleware

import (
	"net/http"
	"strings"

	"github.com/parametricportal/trustplane/internal/api/helpers"
	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/reqctx"
	"github.com/parametricportal/trustplane/internal/session"
	"github.com/parametricportal/trustplane/internal/tenantcrypto"
)

// RequireSession resolves the bearer access token against sessions, within
// the tenant RequestContext already attached — a token that doesn't belong
// to that tenant is rejected exactly as a missing one is, mirroring the
// teacher's "token does not match requested tenant context" check. On
// success it attaches a reqctx.Session so downstream handlers and
// internal/policy.Service.Require can read it via rc.Session().
func RequireSession(sessions *session.Service, crypto *tenantcrypto.Crypto) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, ok := reqctx.From(r.Context())
			if !ok {
				helpers.WriteError(w, apierr.Auth("no_request_context"))
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				helpers.WriteError(w, apierr.Auth("missing_bearer_token"))
				return
			}

			hash, err := crypto.HMAC(rc.TenantID(), token)
			if err != nil {
				helpers.WriteError(w, apierr.Internal("middleware: hash bearer token", err))
				return
			}

			summary, ok := sessions.Lookup(r.Context(), rc.TenantID(), hash)
			if !ok {
				helpers.WriteError(w, apierr.Auth("invalid_session"))
				return
			}

			mfaEnabled, _ := sessions.MFAEnabled(r.Context(), summary.UserID)

			rc = rc.WithSession(reqctx.Session{
				ID:         summary.ID,
				UserID:     summary.UserID,
				MFAEnabled: mfaEnabled,
				VerifiedAt: summary.VerifiedAt,
			})
			next.ServeHTTP(w, r.WithContext(reqctx.Into(r.Context(), rc)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", false
	}
	return token, true
}
