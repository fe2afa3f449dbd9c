package helpers_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/trustplane/internal/api/helpers"
	"github.com/parametricportal/trustplane/internal/apierr"
)

func TestDecodeJSON_RejectsUnknownFields(t *testing.T) {
	body := bytes.NewBufferString(`{"email":"a@b.com","bogus":true}`)
	req := httptest.NewRequest(http.MethodPost, "/", body)

	var v struct {
		Email string `json:"email"`
	}
	err := helpers.DecodeJSON(req, &v)
	require.Error(t, err)
}

func TestDecodeJSON_Valid(t *testing.T) {
	body := bytes.NewBufferString(`{"email":"a@b.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/", body)

	var v struct {
		Email string `json:"email"`
	}
	require.NoError(t, helpers.DecodeJSON(req, &v))
	assert.Equal(t, "a@b.com", v.Email)
}

func TestRespondJSON_WritesStatusAndBody(t *testing.T) {
	w := httptest.NewRecorder()
	helpers.RespondJSON(w, http.StatusCreated, map[string]string{"status": "ok"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRespondError(t *testing.T) {
	w := httptest.NewRecorder()
	helpers.RespondError(w, http.StatusBadRequest, "bad input")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "bad input", body["error"])
}

func TestWriteError_NonAPIErrorMapsToInternal(t *testing.T) {
	w := httptest.NewRecorder()
	helpers.WriteError(w, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body["error"])
}

func TestWriteError_APIErrorUsesKindStatus(t *testing.T) {
	w := httptest.NewRecorder()
	helpers.WriteError(w, apierr.Validation("email", "is required"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "email", body["field"])
}

func TestWriteError_RateLimitSetsRetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	helpers.WriteError(w, apierr.RateLimit(2000, 100, 0, "email-verify"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}
