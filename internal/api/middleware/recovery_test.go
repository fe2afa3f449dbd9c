package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apimw "github.com/parametricportal/trustplane/internal/api/middleware"
)

func TestPanicRecovery_RendersFiveHundred(t *testing.T) {
	panics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()

	require.NotPanics(t, func() {
		apimw.PanicRecovery(panics).ServeHTTP(w, req)
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestPanicRecovery_PassesThroughWhenNoPanic(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/fine", nil)
	w := httptest.NewRecorder()
	apimw.PanicRecovery(ok).ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
}
