// Package helpers holds the small HTTP conveniences every handler needs:
// strict JSON decoding, JSON responses, and apierr-aware error rendering.
package helpers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/parametricportal/trustplane/internal/apierr"
)

// DecodeJSON decodes JSON from the request body, rejecting unknown fields so
// a typo'd or stale client payload fails loudly instead of being silently
// ignored.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// RespondJSON writes data as a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("helpers: encode json response", "error", err)
	}
}

// RespondError writes {"error": message} with the given status code.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// WriteError maps err onto the stable HTTP status §7 assigns its Kind, and
// renders it as {"error", "fields"} — every handler's only error path.
func WriteError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	body := map[string]any{"error": apiErr.Message}
	for k, v := range apiErr.Fields {
		body[k] = v
	}

	if apiErr.Kind == apierr.KindRateLimit {
		if retryAfterMs, ok := apiErr.Fields["retryAfterMs"].(int64); ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", float64(retryAfterMs)/1000))
		}
	}

	RespondJSON(w, apiErr.StatusCode(), body)
}
