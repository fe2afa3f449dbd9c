// Package metrics implements the concrete Prometheus sinks §2's "Audit /
// Metrics / Telemetry sinks" row asks for but leaves unspecified: login
// outcomes, permission denials, rate-limit store failures, and circuit
// breaker state.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parametricportal/trustplane/internal/circuitbreaker"
	"github.com/parametricportal/trustplane/internal/storage"
)

// Recorder holds every metric the trust plane exports and the methods that
// record against them. A *Recorder satisfies internal/policy.Metrics
// directly; internal/ratelimit.Limiter.OnStoreFailure is wired to
// r.RateLimitStoreFailure.
type Recorder struct {
	logins                 *prometheus.CounterVec
	permissionDenied       *prometheus.CounterVec
	rateLimitStoreFailures prometheus.Counter
	circuitState           *prometheus.GaugeVec
}

// New registers every metric against reg — pass prometheus.DefaultRegisterer
// in production, a fresh prometheus.NewRegistry() in tests so repeated
// construction doesn't panic on duplicate registration.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		logins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_logins_total",
				Help: "Total OAuth login attempts, by provider and outcome.",
			},
			[]string{"provider", "is_new_user", "outcome"}, // outcome: success, failed
		),
		permissionDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_permission_denied_total",
				Help: "Total policy.Require denials, by tenant, role, resource and action.",
			},
			[]string{"tenant", "role", "resource", "action"},
		),
		rateLimitStoreFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limit_store_failures_total",
				Help: "Total Redis failures observed by the rate limiter, triggering fail-open/fail-closed fallback.",
			},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Current circuit breaker state per name: 0=closed, 1=half_open, 2=open.",
			},
			[]string{"circuit"},
		),
	}
}

// LoginAttempt records an OAuth login outcome, per §4.3's Callback.
func (r *Recorder) LoginAttempt(provider string, isNewUser, success bool) {
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	r.logins.WithLabelValues(provider, boolLabel(isNewUser), outcome).Inc()
}

// PermissionDenied satisfies internal/policy.Metrics.
func (r *Recorder) PermissionDenied(tenantID string, role storage.Role, resource, action string) {
	r.permissionDenied.WithLabelValues(tenantID, string(role), resource, action).Inc()
}

// RateLimitStoreFailure satisfies internal/ratelimit.Limiter.OnStoreFailure's
// func() shape.
func (r *Recorder) RateLimitStoreFailure() {
	r.rateLimitStoreFailures.Inc()
}

func circuitStateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 2
	case circuitbreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// ObserveCircuits sets the circuit_breaker_state gauge for every circuit
// currently known to reg.
func (r *Recorder) ObserveCircuits(reg *circuitbreaker.Registry) {
	for name, state := range reg.Snapshot() {
		r.circuitState.WithLabelValues(name).Set(circuitStateValue(state))
	}
}

// StartCircuitObserver polls reg's circuit states onto the gauge every
// interval until ctx is cancelled, the metrics-side counterpart to
// internal/circuitbreaker.Registry.StartGC as a service-lifetime fiber.
func (r *Recorder) StartCircuitObserver(ctx context.Context, reg *circuitbreaker.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ObserveCircuits(reg)
			}
		}
	}()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
