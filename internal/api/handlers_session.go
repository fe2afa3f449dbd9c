package api

import (
	"net/http"

	"github.com/parametricportal/trustplane/internal/api/helpers"
)

// handleSessionCurrent reports the caller's own session (§4.6's Summary
// projection: id, userId, verifiedAt). internal/storage.Sessions has no
// ByUser enumeration method, so this is the only "sessions.list" surface
// the repository can support today — see DESIGN.md.
func (s *Server) handleSessionCurrent(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := sessionOf(w, r)
	if !ok {
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"sessions": []map[string]any{{
			"id":         sess.ID,
			"userId":     sess.UserID,
			"mfaEnabled": sess.MFAEnabled,
			"verifiedAt": sess.VerifiedAt,
		}},
	})
}
