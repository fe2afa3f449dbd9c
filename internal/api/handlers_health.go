package api

import (
	"net/http"

	"github.com/parametricportal/trustplane/internal/api/helpers"
)

// handleHealth pings the pool the way the teacher's HealthHandler does,
// so a load balancer can detect a dead database connection.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Pool == nil {
		helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if err := s.Pool.Ping(r.Context()); err != nil {
		helpers.RespondError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
