package api

import (
	"net/http"

	"github.com/parametricportal/trustplane/internal/api/helpers"
	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/authstate"
	"github.com/parametricportal/trustplane/internal/reqctx"
)

// handleMFAEnroll implements §4.4 Enroll.
func (s *Server) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	rc, sess, ok := sessionOf(w, r)
	if !ok {
		return
	}

	user, err := s.Repo.Users().One(r.Context(), sess.UserID)
	if err != nil {
		helpers.WriteError(w, apierr.Internal("api: load user for enrollment", err))
		return
	}

	result, err := s.MFA.Enroll(r.Context(), rc.TenantID(), sess.UserID, user.Email)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"secret":      result.Secret,
		"backupCodes": result.BackupCodes,
		"qrDataUrl":   result.QRDataURL,
	})
}

type mfaVerifyRequest struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	IsBackup  bool   `json:"isBackup"`
}

// handleMFAVerify implements §4.3/§4.4's mfa -> active transition. This
// endpoint is reached before the caller has a fully Active session (the
// access token already exists but is MFA-pending), so it authenticates off
// the bearer token like every other session-gated route — RequireSession
// accepts pending sessions exactly as it accepts active ones, since
// internal/session.Lookup doesn't distinguish the two.
func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	rc, sess, ok := sessionOf(w, r)
	if !ok {
		return
	}

	var req mfaVerifyRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.WriteError(w, apierr.Validation("body", err.Error()))
		return
	}

	next, err := s.Auth.Verify(r.Context(), sess.ID, req.Code, req.IsBackup)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}

	active, _ := next.(authstate.Active)
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"state":    "active",
		"tenantId": rc.TenantID(),
		"userId":   active.UserID,
	})
}

type mfaRecoverRequest struct {
	Code string `json:"code"`
}

// handleMFARecover implements §4.4 Recover.
func (s *Server) handleMFARecover(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := sessionOf(w, r)
	if !ok {
		return
	}

	var req mfaRecoverRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.WriteError(w, apierr.Validation("body", err.Error()))
		return
	}

	remaining, err := s.MFA.Recover(r.Context(), sess.UserID, req.Code)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"remainingBackupCodes": remaining})
}

// handleMFADisable implements §4.4 Disable.
func (s *Server) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := sessionOf(w, r)
	if !ok {
		return
	}
	if err := s.MFA.Disable(r.Context(), sess.UserID); err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// handleMFAStatus implements §4.4's {enrolled, enabled, remainingBackupCodes?}.
func (s *Server) handleMFAStatus(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := sessionOf(w, r)
	if !ok {
		return
	}
	status, err := s.MFA.GetStatus(r.Context(), sess.UserID)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, status)
}

// sessionOf is the handler-side equivalent of middleware.RequireSession's
// rc.Session() read: every handler behind requireSession calls this first
// to get at the caller's identity.
func sessionOf(w http.ResponseWriter, r *http.Request) (reqctx.Context, reqctx.Session, bool) {
	rc, ok := reqctx.From(r.Context())
	if !ok {
		helpers.WriteError(w, apierr.Auth("no_request_context"))
		return reqctx.Context{}, reqctx.Session{}, false
	}
	sess, err := rc.Session()
	if err != nil {
		helpers.WriteError(w, err)
		return reqctx.Context{}, reqctx.Session{}, false
	}
	return rc, sess, true
}
