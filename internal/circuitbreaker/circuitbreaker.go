// Package circuitbreaker implements §4.10: a named registry of per-circuit
// breakers guarding outbound calls (OAuth token exchange, webhook delivery,
// any other fallible external effect), wrapping sony/gobreaker/v2.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/reqctx"
)

// Reason values mirror §7's CircuitError taxonomy.
const (
	ReasonBrokenCircuit   = "BrokenCircuit"
	ReasonIsolated        = "Isolated"
	ReasonExecutionFailed = "ExecutionFailed"
	ReasonCancelled       = "Cancelled"
)

// Strategy selects how a circuit decides to trip from Closed to Open.
type Strategy int

const (
	// Consecutive trips after ConsecutiveFailures failures in a row. Default.
	Consecutive Strategy = iota
	// Count trips once at least CountSize calls have been counted and the
	// failure ratio exceeds CountThreshold. The ratio covers every call since
	// the circuit last changed state, not only the most recent CountSize.
	Count
	// Sampling trips when the failure ratio inside a rolling SamplingWindow
	// exceeds SamplingThreshold.
	Sampling
)

// Config configures one circuit. Zero value is Consecutive with the
// spec's defaults.
type Config struct {
	Strategy Strategy

	// ConsecutiveFailures is Consecutive's trip threshold. Default 5.
	ConsecutiveFailures uint32
	// CountSize and CountThreshold are Count's window size and trip ratio.
	// Defaults 100 and 0.2.
	CountSize      uint32
	CountThreshold float64
	// SamplingWindow and SamplingThreshold are Sampling's rolling window and
	// trip ratio.
	SamplingWindow    time.Duration
	SamplingThreshold float64

	// HalfOpenAfter is how long a circuit stays Open before a single trial
	// request is let through. Default 30s.
	HalfOpenAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.CountSize == 0 {
		c.CountSize = 100
	}
	if c.CountThreshold == 0 {
		c.CountThreshold = 0.2
	}
	if c.SamplingWindow == 0 {
		c.SamplingWindow = 30 * time.Second
	}
	if c.SamplingThreshold == 0 {
		c.SamplingThreshold = 0.2
	}
	if c.HalfOpenAfter == 0 {
		c.HalfOpenAfter = 30 * time.Second
	}
	return c
}

// State is the public state of a circuit, independent of gobreaker's type.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type entry struct {
	breaker  *gobreaker.CircuitBreaker[any]
	isolated bool
	lastUsed time.Time
}

// Registry is the process-wide, named circuit breaker registry §4.10/§5
// describe: a map guarded by a mutex, one gobreaker instance per name,
// created lazily from defaultConfig on first use.
type Registry struct {
	mu            sync.Mutex
	entries       map[string]*entry
	defaultConfig Config
	perName       map[string]Config
}

// NewRegistry builds a registry using defaultConfig for any circuit name
// that isn't given an override via WithConfig.
func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{
		entries:       make(map[string]*entry),
		defaultConfig: defaultConfig.withDefaults(),
		perName:       make(map[string]Config),
	}
}

// WithConfig pins name to cfg instead of the registry default. Must be
// called before the circuit's first Execute; later calls are ignored once
// the breaker has been created.
func (r *Registry) WithConfig(name string, cfg Config) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perName[name] = cfg.withDefaults()
	return r
}

func settingsFor(name string, cfg Config) gobreaker.Settings {
	readyToTrip := func(counts gobreaker.Counts) bool {
		switch cfg.Strategy {
		case Count:
			return counts.Requests >= cfg.CountSize && failureRatio(counts) > cfg.CountThreshold
		case Sampling:
			return failureRatio(counts) > cfg.SamplingThreshold
		default:
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		}
	}

	s := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single trial in HalfOpen, per §4.10
		Timeout:     cfg.HalfOpenAfter,
		ReadyToTrip: readyToTrip,
	}
	if cfg.Strategy == Sampling {
		// Interval periodically resets the rolling Closed-state counters,
		// approximating "failure ratio inside a rolling time window" — an
		// approximation, not a true sliding window; see DESIGN.md.
		s.Interval = cfg.SamplingWindow
	}
	return s
}

func failureRatio(counts gobreaker.Counts) float64 {
	if counts.Requests == 0 {
		return 0
	}
	return float64(counts.TotalFailures) / float64(counts.Requests)
}

func (r *Registry) entryFor(name string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		e.lastUsed = time.Now()
		return e
	}

	cfg, ok := r.perName[name]
	if !ok {
		cfg = r.defaultConfig
	}
	e := &entry{
		breaker:  gobreaker.NewCircuitBreaker[any](settingsFor(name, cfg)),
		lastUsed: time.Now(),
	}
	r.entries[name] = e
	return e
}

// Execute implements §4.10's execute(effect), generalized over the
// effect's return type T. If a reqctx.Context is attached to ctx, the
// returned context carries an updated circuit={name,state} facet so
// downstream components can observe it, per §4.10's closing sentence.
func Execute[T any](ctx context.Context, r *Registry, name string, effect func(ctx context.Context) (T, error)) (context.Context, T, error) {
	e := r.entryFor(name)

	var zero T
	if e.isolated {
		return withCircuitState(ctx, name, StateOpen), zero, apierr.Circuit(name, ReasonIsolated)
	}

	result, err := e.breaker.Execute(func() (any, error) {
		return effect(ctx)
	})

	outCtx := withCircuitState(ctx, name, fromGobreakerState(e.breaker.State()))

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return outCtx, zero, apierr.Circuit(name, ReasonBrokenCircuit)
		}
		if ctx.Err() != nil {
			return outCtx, zero, apierr.Circuit(name, ReasonCancelled)
		}
		return outCtx, zero, apierr.CircuitCause(name, ReasonExecutionFailed, err)
	}
	return outCtx, result.(T), nil
}

func withCircuitState(ctx context.Context, name string, state State) context.Context {
	rc, ok := reqctx.From(ctx)
	if !ok {
		return ctx
	}
	return reqctx.Into(ctx, rc.WithCircuit(name, string(state)))
}

// Isolate forces name's circuit Open until Reset is called, per §4.10's
// isolate(). A circuit that has never been executed is created first.
func (r *Registry) Isolate(name string) {
	e := r.entryFor(name)
	r.mu.Lock()
	e.isolated = true
	r.mu.Unlock()
}

// Reset disposes an isolation forced by Isolate, letting the circuit
// resume normal Closed/Open/HalfOpen evaluation.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.isolated = false
	}
}

// State reports the current state of name, if it has ever been executed.
func (r *Registry) State(name string) (State, bool) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	if e.isolated {
		return StateOpen, true
	}
	return fromGobreakerState(e.breaker.State()), true
}

// Snapshot returns the current state of every circuit the registry has
// created so far, for a metrics poller to turn into a gauge per name.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.entries))
	for name, e := range r.entries {
		if e.isolated {
			out[name] = StateOpen
			continue
		}
		out[name] = fromGobreakerState(e.breaker.State())
	}
	return out
}

// GC implements §4.10's gc(maxIdleMs=5min): drops entries idle longer than
// maxIdle to bound registry growth under many short-lived circuit names
// (e.g. one per webhook endpoint). Isolated entries are never dropped —
// isolation is a deliberate operator action, not idle state.
func (r *Registry) GC(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	dropped := 0
	for name, e := range r.entries {
		if e.isolated {
			continue
		}
		if e.lastUsed.Before(cutoff) {
			delete(r.entries, name)
			dropped++
		}
	}
	return dropped
}

// StartGC runs GC every interval until ctx is cancelled, as the §5
// resource-lifecycle "circuit GC fiber" scoped to service lifetime.
func (r *Registry) StartGC(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.GC(maxIdle)
			}
		}
	}()
}
