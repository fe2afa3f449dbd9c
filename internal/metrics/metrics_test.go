package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/trustplane/internal/circuitbreaker"
	"github.com/parametricportal/trustplane/internal/metrics"
	"github.com/parametricportal/trustplane/internal/storage"
)

func TestLoginAttempt_IncrementsByProviderAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	rec.LoginAttempt("google", true, true)
	rec.LoginAttempt("google", true, true)
	rec.LoginAttempt("github", false, false)

	assert.Equal(t, float64(2), seriesValue(t, reg, "auth_logins_total", map[string]string{
		"provider": "google", "is_new_user": "true", "outcome": "success",
	}))
	assert.Equal(t, float64(1), seriesValue(t, reg, "auth_logins_total", map[string]string{
		"provider": "github", "is_new_user": "false", "outcome": "failed",
	}))
}

func TestPermissionDenied_SatisfiesPolicyMetricsInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	var metricsIface interface {
		PermissionDenied(tenantID string, role storage.Role, resource, action string)
	} = rec

	metricsIface.PermissionDenied("tenant-a", storage.RoleViewer, "admin", "listUsers")

	assert.Equal(t, float64(1), seriesValue(t, reg, "security_permission_denied_total", map[string]string{
		"tenant": "tenant-a", "role": "viewer", "resource": "admin", "action": "listUsers",
	}))
}

func TestRateLimitStoreFailure_MatchesLimiterCallbackShape(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	var onStoreFailure func() = rec.RateLimitStoreFailure
	onStoreFailure()
	onStoreFailure()

	assert.Equal(t, float64(2), seriesValue(t, reg, "rate_limit_store_failures_total", nil))
}

func TestObserveCircuits_SetsGaugePerCircuitName(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{ConsecutiveFailures: 1})

	ctx := context.Background()
	_, _, _ = circuitbreaker.Execute(ctx, breakers, "oauth:google", func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})

	rec.ObserveCircuits(breakers)

	assert.Equal(t, float64(0), seriesValue(t, reg, "circuit_breaker_state", map[string]string{"circuit": "oauth:google"}))
}

func TestStartCircuitObserver_StopsOnContextCancel(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	rec.StartCircuitObserver(ctx, breakers, 5*time.Millisecond)
	cancel()

	// The fiber should exit promptly after cancellation; nothing further to
	// assert beyond it not panicking or leaking a runaway goroutine.
	time.Sleep(15 * time.Millisecond)
}

// seriesValue gathers name from reg and returns the value of the single
// series whose labels are a superset of want (nil want matches any
// single series, for unlabeled counters).
func seriesValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := testutil.GatherAndCount(reg, name)
	require.NoError(t, err)
	require.Greater(t, families, 0, "no series for %s", name)

	raw, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range raw {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if !supersetMatch(labels, want) {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	t.Fatalf("no series for %s matching %v", name, want)
	return 0
}

func supersetMatch(got, want map[string]string) bool {
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
