package authstate

import (
	"time"

	"github.com/google/uuid"
)

// State is the §4.3 tagged union: idle -> oauth -> {mfa | active} -> revoked,
// with refresh self-loops on mfa and active. Each variant is a concrete
// struct; dispatch happens by type-switching on the interface, mirroring
// the teacher's preference for small concrete records over one god struct.
type State interface {
	tag() string
}

// Idle is the starting state: no oauth flow in progress, no session.
type Idle struct{}

func (Idle) tag() string { return tagIdle }

// OAuthPending holds everything Callback needs to complete the flow it was
// handed by Initiate. It is what the oauthState cookie decrypts to.
type OAuthPending struct {
	Provider   string
	OAuthState string
	Verifier   *string
	ExpiresAt  time.Time
}

func (OAuthPending) tag() string { return tagOAuth }

// MFAPending is entered after a successful Callback when the user has MFA
// enabled; Verify is the only way out (besides Refresh's self-loop and
// Revoke).
type MFAPending struct {
	SessionID   uuid.UUID
	UserID      uuid.UUID
	TenantID    string
	SessionHash string
	// MFAAttempts accumulates on each mfa-state entry; informational only,
	// per §4.3 — the Replay Guard owns lockout, not this counter.
	MFAAttempts int
}

func (MFAPending) tag() string { return tagMFA }

// Active is the fully-authenticated, MFA-satisfied (or MFA-not-required)
// state.
type Active struct {
	SessionID   uuid.UUID
	UserID      uuid.UUID
	TenantID    string
	SessionHash string
}

func (Active) tag() string { return tagActive }

// Revoked is terminal; no event is allowed from it.
type Revoked struct {
	Reason string
}

func (Revoked) tag() string { return tagRevoked }

const (
	tagIdle    = "idle"
	tagOAuth   = "oauth"
	tagMFA     = "mfa"
	tagActive  = "active"
	tagRevoked = "revoked"
)
