package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parametricportal/trustplane/internal/api/helpers"
	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/storage"
)

// handleAdminGetUser implements the admin.listUsers-gated lookup the
// catalog names. internal/storage.Users exposes One/Insert/SetRole/
// SetStatus/SoftDelete but no tenant-wide enumeration, so this returns a
// single user by id (?userId=) rather than a full roster — see DESIGN.md.
func (s *Server) handleAdminGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("userId"))
	if err != nil {
		helpers.WriteError(w, apierr.Validation("userId", "must be a uuid"))
		return
	}

	user, err := s.Repo.Users().One(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.WriteError(w, apierr.NotFound("user", id.String()))
			return
		}
		helpers.WriteError(w, apierr.Internal("api: load user", err))
		return
	}

	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"users": []map[string]any{{
			"id":     user.ID,
			"email":  user.Email,
			"role":   user.Role,
			"status": user.Status,
		}},
	})
}

type setRoleRequest struct {
	Role string `json:"role"`
}

// handleAdminSetRole implements admin.setRole.
func (s *Server) handleAdminSetRole(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		helpers.WriteError(w, apierr.Validation("userID", "must be a uuid"))
		return
	}

	var req setRoleRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.WriteError(w, apierr.Validation("body", err.Error()))
		return
	}
	role := storage.Role(req.Role)
	if role.Rank() < 0 {
		helpers.WriteError(w, apierr.Validation("role", "unknown role"))
		return
	}

	if err := s.Repo.Users().SetRole(r.Context(), id, role); err != nil {
		helpers.WriteError(w, apierr.Internal("api: set role", err))
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// handleAdminSetStatus implements admin.setStatus.
func (s *Server) handleAdminSetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		helpers.WriteError(w, apierr.Validation("userID", "must be a uuid"))
		return
	}

	var req setStatusRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.WriteError(w, apierr.Validation("body", err.Error()))
		return
	}
	status := storage.UserStatus(req.Status)
	if status != storage.UserStatusActive && status != storage.UserStatusDisabled {
		helpers.WriteError(w, apierr.Validation("status", "must be active or disabled"))
		return
	}

	if err := s.Repo.Users().SetStatus(r.Context(), id, status); err != nil {
		helpers.WriteError(w, apierr.Internal("api: set status", err))
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
