package middleware

import (
	"net/http"

	"github.com/parametricportal/trustplane/internal/api/helpers"
	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/policy"
	"github.com/parametricportal/trustplane/internal/reqctx"
)

// RequirePermission gates a route on policy.Service.Require(resource,
// action), replacing the teacher's role-weight RBACMiddleware with the
// interactive/MFA rule tables plus permission-catalog check §4.7 describes.
// Must run after RequireSession, since Require reads rc.Session().
func RequirePermission(policySvc *policy.Service, resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, ok := reqctx.From(r.Context())
			if !ok {
				helpers.WriteError(w, apierr.Auth("no_request_context"))
				return
			}
			if err := policySvc.Require(r.Context(), rc, resource, action); err != nil {
				helpers.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
