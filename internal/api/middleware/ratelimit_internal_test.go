package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/parametricportal/trustplane/internal/ratelimit"
)

func TestWriteRateLimitHeaders_NoReset(t *testing.T) {
	w := httptest.NewRecorder()
	writeRateLimitHeaders(w, ratelimit.Result{Limit: 100, Remaining: 42})

	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "42", w.Header().Get("X-RateLimit-Remaining"))
	assert.Empty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestWriteRateLimitHeaders_WithReset(t *testing.T) {
	w := httptest.NewRecorder()
	writeRateLimitHeaders(w, ratelimit.Result{Limit: 5, Remaining: 0, ResetAfter: 30 * time.Second})

	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "30", w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}
