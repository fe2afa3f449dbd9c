package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parametricportal/trustplane/internal/api/helpers"
	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/authstate"
	"github.com/parametricportal/trustplane/internal/reqctx"
)

// handleOAuthInitiate implements the idle -> oauth transition: §4.3
// Initiate. The oauthState cookie carries the encrypted pending flow; the
// caller follows authorizeUrl to the provider.
func (s *Server) handleOAuthInitiate(w http.ResponseWriter, r *http.Request) {
	rc, ok := reqctx.From(r.Context())
	if !ok {
		helpers.WriteError(w, apierr.Auth("no_request_context"))
		return
	}
	provider := chi.URLParam(r, "provider")

	authorizeURL, cookieValue, err := s.Auth.Initiate(r.Context(), rc.TenantID(), provider)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}

	oauthStateCookie.set(w, cookieValue, s.Config.HTTPSBaseURL())
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"authorizeUrl": authorizeURL})
}

// handleOAuthCallback implements the oauth -> {mfa | active} transition:
// §4.3 Callback.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	rc, ok := reqctx.From(r.Context())
	if !ok {
		helpers.WriteError(w, apierr.Auth("no_request_context"))
		return
	}

	cookieValue, ok := oauthStateCookie.get(r)
	if !ok {
		helpers.WriteError(w, apierr.OAuth(chi.URLParam(r, "provider"), "snapshot_missing"))
		return
	}

	provider := chi.URLParam(r, "provider")
	query := r.URL.Query()
	pair, next, isNewUser, err := s.Auth.Callback(
		r.Context(), rc.TenantID(), cookieValue, query.Get("state"), query.Get("code"),
		strPtr(r.RemoteAddr), strPtr(r.UserAgent()),
	)
	oauthStateCookie.clear(w, s.Config.HTTPSBaseURL())
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.LoginAttempt(provider, false, false)
		}
		helpers.WriteError(w, err)
		return
	}

	refreshCookie.set(w, pair.RefreshToken, s.Config.HTTPSBaseURL())

	mfaPending := false
	if _, ok := next.(authstate.MFAPending); ok {
		mfaPending = true
	}

	if s.Metrics != nil {
		s.Metrics.LoginAttempt(provider, isNewUser, true)
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"accessToken": pair.AccessToken,
		"mfaPending":  mfaPending,
	})
}

// handleRefresh rotates the session/refresh token pair — the mfa|active
// self-loop, §4.3 Refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rc, ok := reqctx.From(r.Context())
	if !ok {
		helpers.WriteError(w, apierr.Auth("no_request_context"))
		return
	}

	refreshToken, ok := refreshCookie.get(r)
	if !ok {
		helpers.WriteError(w, apierr.Auth("missing_refresh_token"))
		return
	}

	pair, next, err := s.Auth.Refresh(r.Context(), rc.TenantID(), refreshToken, strPtr(r.RemoteAddr), strPtr(r.UserAgent()))
	if err != nil {
		helpers.WriteError(w, err)
		return
	}

	refreshCookie.set(w, pair.RefreshToken, s.Config.HTTPSBaseURL())

	mfaPending := false
	if _, ok := next.(authstate.MFAPending); ok {
		mfaPending = true
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"accessToken": pair.AccessToken,
		"mfaPending":  mfaPending,
	})
}

// handleRevoke implements §4.3 Revoke: the caller's session (and every
// other session/refresh token belonging to the same user) is soft-deleted.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	rc, ok := reqctx.From(r.Context())
	if !ok {
		helpers.WriteError(w, apierr.Auth("no_request_context"))
		return
	}
	sess, err := rc.Session()
	if err != nil {
		helpers.WriteError(w, err)
		return
	}

	if _, err := s.Auth.Revoke(r.Context(), sess.UserID, sess.ID, "", "user_requested"); err != nil {
		helpers.WriteError(w, err)
		return
	}

	refreshCookie.clear(w, s.Config.HTTPSBaseURL())
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
