package api

import (
	"net/http"

	"github.com/parametricportal/trustplane/internal/api/helpers"
	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/reqctx"
	"github.com/parametricportal/trustplane/internal/storage"
)

type policyGrantRequest struct {
	Role     string `json:"role"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// handlePolicyGrant implements §4.7 Grant.
func (s *Server) handlePolicyGrant(w http.ResponseWriter, r *http.Request) {
	rc, ok := reqctx.From(r.Context())
	if !ok {
		helpers.WriteError(w, apierr.Auth("no_request_context"))
		return
	}

	var req policyGrantRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.WriteError(w, apierr.Validation("body", err.Error()))
		return
	}
	role := storage.Role(req.Role)
	if role.Rank() < 0 {
		helpers.WriteError(w, apierr.Validation("role", "unknown role"))
		return
	}

	if err := s.Policy.Grant(r.Context(), rc.TenantID(), role, req.Resource, req.Action); err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

// handlePolicyRevoke implements §4.7 Revoke.
func (s *Server) handlePolicyRevoke(w http.ResponseWriter, r *http.Request) {
	rc, ok := reqctx.From(r.Context())
	if !ok {
		helpers.WriteError(w, apierr.Auth("no_request_context"))
		return
	}

	var req policyGrantRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.WriteError(w, apierr.Validation("body", err.Error()))
		return
	}
	role := storage.Role(req.Role)
	if role.Rank() < 0 {
		helpers.WriteError(w, apierr.Validation("role", "unknown role"))
		return
	}

	if err := s.Policy.Revoke(r.Context(), rc.TenantID(), role, req.Resource, req.Action); err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
