package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apimw "github.com/parametricportal/trustplane/internal/api/middleware"
	"github.com/parametricportal/trustplane/internal/reqctx"
)

func TestRequestContext_AttachesTenantFromHeader(t *testing.T) {
	var captured reqctx.Context
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, ok = reqctx.From(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(apimw.TenantHeader, "tenant-a")
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("User-Agent", "trustplane-test/1.0")

	apimw.RequestContext(next).ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, ok)
	assert.Equal(t, "tenant-a", captured.TenantID())
	ip, hasIP := captured.IPAddress()
	require.True(t, hasIP)
	assert.Equal(t, "203.0.113.5:1234", ip)
}

func TestRequestContext_EmptyTenantHeaderStillAttaches(t *testing.T) {
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok = reqctx.From(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	apimw.RequestContext(next).ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, ok)
}
