// Package reqctx defines the per-request context record threaded through
// every component of the trust plane: tenant id, request id, the caller's
// session (once authenticated), network provenance, and the rate-limit /
// circuit-breaker / cluster-identity facets the edge and domain services
// annotate onto it as a request is handled.
//
// Context is a plain value type, not a pointer: every "override" method
// returns a new copy rather than mutating the receiver, so a Context handed
// to a goroutine can never be mutated out from under it by another one.
package reqctx

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/trustplane/internal/apierr"
)

// Reserved tenant ids. TenantSystem is used for background jobs and
// cross-tenant administrative operations; TenantDefault is the fallback for
// requests that never had a tenant header resolved.
const (
	TenantSystem  = "system"
	TenantDefault = "default"
	TenantJob     = "job"
)

// Session is the runtime record attached to a Context once the caller has
// an active session. It mirrors the persisted session row's identity fields
// only; hashes and expiries stay in internal/session.
type Session struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	MFAEnabled bool
	// VerifiedAt is nil exactly while MFA is enrolled but has not yet been
	// verified for this session.
	VerifiedAt *time.Time
}

// RateLimitState is the outcome of the most recent rate-limit consume call,
// recorded onto the context so handlers can emit the matching headers.
type RateLimitState struct {
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	Delay      time.Duration
}

// CircuitState reports the last circuit breaker this request observed.
type CircuitState struct {
	Name  string
	State string
}

// ClusterIdentity describes the node handling the request, for diagnostics
// and leader-only operations (e.g. cache GC, lockout sweep).
type ClusterIdentity struct {
	EntityID   *string
	EntityType *string
	IsLeader   bool
	RunnerID   *string
	ShardID    *string
}

// Context is the immutable per-request snapshot. Zero value is not usable;
// construct with New.
type Context struct {
	tenantID  string
	requestID string

	session   *Session
	ipAddress *string
	userAgent *string

	rateLimit *RateLimitState
	circuit   *CircuitState
	cluster   *ClusterIdentity
}

// New builds a Context for tenantID/requestID. An empty tenantID defaults to
// TenantDefault, matching the contract's "defaults to default in system
// contexts" rule.
func New(tenantID, requestID string) Context {
	if tenantID == "" {
		tenantID = TenantDefault
	}
	return Context{tenantID: tenantID, requestID: requestID}
}

// TenantID satisfies tenantcrypto.TenantSource so a Context can be passed
// straight into Crypto.EncryptCtx without an import cycle.
func (c Context) TenantID() string { return c.tenantID }

func (c Context) RequestID() string { return c.requestID }

// Session returns the active session, or an apierr auth error if the
// request has none — the same failure shape §4.2's "session" read helper
// specifies.
func (c Context) Session() (Session, error) {
	if c.session == nil {
		return Session{}, apierr.Auth("no active session")
	}
	return *c.session, nil
}

// HasSession reports whether a session is attached without allocating an
// error, for call sites that only need a boolean (e.g. optional-auth routes).
func (c Context) HasSession() bool { return c.session != nil }

func (c Context) IPAddress() (string, bool) {
	if c.ipAddress == nil {
		return "", false
	}
	return *c.ipAddress, true
}

func (c Context) UserAgent() (string, bool) {
	if c.userAgent == nil {
		return "", false
	}
	return *c.userAgent, true
}

func (c Context) RateLimit() (RateLimitState, bool) {
	if c.rateLimit == nil {
		return RateLimitState{}, false
	}
	return *c.rateLimit, true
}

func (c Context) Circuit() (CircuitState, bool) {
	if c.circuit == nil {
		return CircuitState{}, false
	}
	return *c.circuit, true
}

// IsLeader reports the cluster leader flag, defaulting to false when no
// cluster identity has been attached (e.g. in unit tests).
func (c Context) IsLeader() bool {
	if c.cluster == nil {
		return false
	}
	return c.cluster.IsLeader
}

// ShardID returns the shard id, if the request carries cluster identity.
func (c Context) ShardID() (string, bool) {
	if c.cluster == nil || c.cluster.ShardID == nil {
		return "", false
	}
	return *c.cluster.ShardID, true
}

// Within returns a copy of c scoped to a different tenant id. This is the
// "pure local override" flavor of tenant scoping (§4.2); it does not open a
// repository transaction — that is internal/storage.WithTenantContext's job.
func (c Context) Within(tenantID string) Context {
	cp := c
	cp.tenantID = tenantID
	return cp
}

// Locally applies update to a private copy of c and returns it, leaving the
// receiver untouched. This is the general-purpose "override any subset"
// primitive §3.2's copy-on-update invariant requires; WithSession and
// friends below are the common cases pre-built on top of it.
func (c Context) Locally(update func(*Context)) Context {
	cp := c
	update(&cp)
	return cp
}

func (c Context) WithSession(s Session) Context {
	return c.Locally(func(cp *Context) { cp.session = &s })
}

func (c Context) WithNetwork(ip, userAgent string) Context {
	return c.Locally(func(cp *Context) {
		cp.ipAddress = &ip
		cp.userAgent = &userAgent
	})
}

func (c Context) WithRateLimit(rl RateLimitState) Context {
	return c.Locally(func(cp *Context) { cp.rateLimit = &rl })
}

func (c Context) WithCircuit(name, state string) Context {
	cs := CircuitState{Name: name, State: state}
	return c.Locally(func(cp *Context) { cp.circuit = &cs })
}

func (c Context) WithCluster(cl ClusterIdentity) Context {
	return c.Locally(func(cp *Context) { cp.cluster = &cl })
}

// Serializable is the cross-pod-safe projection of a Context: enough to
// correlate a trace or propagate leader/shard routing, nothing that leaks
// session or network identity.
type Serializable struct {
	TenantID  string  `json:"tenantId"`
	RequestID string  `json:"requestId"`
	SessionID *string `json:"sessionId,omitempty"`
	IsLeader  bool    `json:"isLeader"`
	ShardID   *string `json:"shardId,omitempty"`
}

// ToSerializable retains only the fields safe to ship across a process
// boundary (e.g. onto a NATS message or a log line read by another service).
func (c Context) ToSerializable() Serializable {
	out := Serializable{
		TenantID:  c.tenantID,
		RequestID: c.requestID,
		IsLeader:  c.IsLeader(),
	}
	if c.session != nil {
		id := c.session.ID.String()
		out.SessionID = &id
	}
	if shard, ok := c.ShardID(); ok {
		out.ShardID = &shard
	}
	return out
}

type ctxKeyType struct{}

var ctxKey ctxKeyType

// Into attaches c to a stdlib context.Context for propagation through
// call chains that aren't reqctx-aware (e.g. pgx query hooks, HTTP clients).
func Into(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, ctxKey, c)
}

// From extracts the Context previously attached with Into.
func From(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(ctxKey).(Context)
	return c, ok
}

// MustFrom extracts the Context and panics if none is attached. Use only
// where middleware is guaranteed to have called Into first, mirroring the
// teacher's MustGetTenantID/MustGetUserID convention.
func MustFrom(ctx context.Context) Context {
	c, ok := From(ctx)
	if !ok {
		panic("reqctx: no Context attached to context.Context")
	}
	return c
}
