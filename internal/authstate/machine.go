// Package authstate implements §4.3: the OAuth/MFA/session tagged-union
// state machine — idle -> oauth -> {mfa | active} -> revoked, with refresh
// self-loops on mfa and active — dispatched by type-switching on the
// caller's current State, backed by a TTL-scoped snapshot cache so restarts
// and multi-node deployments can restore an in-flight flow.
package authstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/cache"
	"github.com/parametricportal/trustplane/internal/mfa"
	"github.com/parametricportal/trustplane/internal/oauthclient"
	"github.com/parametricportal/trustplane/internal/session"
	"github.com/parametricportal/trustplane/internal/storage"
	"github.com/parametricportal/trustplane/internal/tenantcrypto"
)

const (
	// oauthStateTTL bounds how long an Initiate'd flow can sit before
	// Callback must complete it, per §6's "max-age 10 min" cookie policy.
	oauthStateTTL = 10 * time.Minute

	// snapshotTTL matches the session refresh window, per §4.3's "TTL
	// equal to the refresh duration".
	snapshotTTL = 7 * 24 * time.Hour

	verifierBytes = 32
	stateBytes    = 32
)

// SessionService is the subset of internal/session.Service's API the
// machine drives; *session.Service satisfies it directly.
type SessionService interface {
	Create(ctx context.Context, tenantID string, userID uuid.UUID, mfaPending bool, ip, userAgent *string) (session.Pair, storage.Session, error)
	Refresh(ctx context.Context, tenantID, refreshToken string, ip, userAgent *string) (session.Pair, storage.Session, error)
	MFAEnabled(ctx context.Context, userID uuid.UUID) (bool, error)
	InvalidateLookup(ctx context.Context, hash string) error
}

// MFAService is the subset of internal/mfa.Service's API the machine
// drives; *mfa.Service satisfies it directly.
type MFAService interface {
	Verify(ctx context.Context, tenantID string, userID uuid.UUID, code string) (int, error)
	Recover(ctx context.Context, userID uuid.UUID, rawCode string) (int, error)
}

// OAuthClient is the subset of internal/oauthclient.Client's API the
// machine drives; *oauthclient.Client satisfies it directly.
type OAuthClient interface {
	AuthURL(provider, state string, verifier *string) (string, error)
	Exchange(ctx context.Context, provider, code string, verifier *string) (*oauth2.Token, error)
	ExtractUser(ctx context.Context, provider string, token *oauth2.Token) (oauthclient.ExternalUser, error)
}

// Machine orchestrates the state transitions described in §4.3, consuming
// Session, MFA, Crypto, the Repository, and the OAuth clients.
type Machine struct {
	repo     storage.Repository
	crypto   *tenantcrypto.Crypto
	sessions SessionService
	mfa      MFAService
	oauth    OAuthClient

	oauthSnapshots   *cache.Typed[string, Snapshot]
	sessionSnapshots *cache.Typed[string, Snapshot]
}

func New(repo storage.Repository, crypto *tenantcrypto.Crypto, sessions SessionService, mfaSvc MFAService, oauth OAuthClient, backend cache.Backend) *Machine {
	// Neither snapshot store has a backing source of truth beyond the cache
	// itself — a miss is a genuine "flow expired or was never seen on this
	// node", surfaced as storage.ErrNotFound so callers can map it to
	// snapshot_missing.
	missing := func(_ context.Context, _ string) (Snapshot, error) {
		return Snapshot{}, storage.ErrNotFound
	}

	identity := func(k string) string { return k }

	return &Machine{
		repo: repo, crypto: crypto, sessions: sessions, mfa: mfaSvc, oauth: oauth,
		oauthSnapshots: cache.New[string, Snapshot]("authstate:oauth", backend, identity, missing,
			cache.WithValueTTL(oauthStateTTL)),
		sessionSnapshots: cache.New[string, Snapshot]("authstate:session", backend, identity, missing,
			cache.WithValueTTL(snapshotTTL)),
	}
}

// Initiate handles the idle -> oauth transition: builds the authorize URL
// and the encrypted oauthState cookie value the caller should set.
func (m *Machine) Initiate(ctx context.Context, tenantID, provider string) (authorizeURL, cookieValue string, err error) {
	capability, ok := oauthclient.Capabilities[provider]
	if !ok {
		return "", "", apierr.OAuth(provider, "unknown_provider")
	}

	state, err := randomURLSafe(stateBytes)
	if err != nil {
		return "", "", apierr.Internal("authstate: generate oauth state", err)
	}

	var verifier *string
	if capability.PKCE {
		v, vErr := randomURLSafe(verifierBytes)
		if vErr != nil {
			return "", "", apierr.Internal("authstate: generate pkce verifier", vErr)
		}
		verifier = &v
	}

	authorizeURL, err = m.oauth.AuthURL(provider, state, verifier)
	if err != nil {
		return "", "", err
	}

	pending := OAuthPending{
		Provider:   provider,
		OAuthState: state,
		Verifier:   verifier,
		ExpiresAt:  time.Now().Add(oauthStateTTL),
	}

	plaintext, err := json.Marshal(payloadOf(pending))
	if err != nil {
		return "", "", apierr.Internal("authstate: encode oauth state", err)
	}
	cipher, err := m.crypto.Encrypt(tenantID, string(plaintext))
	if err != nil {
		return "", "", apierr.Internal("authstate: encrypt oauth state", err)
	}
	cookieValue = base64.RawURLEncoding.EncodeToString(cipher)

	// Mirrored for single-use enforcement; the cookie itself stays
	// self-contained so a cold node can still decrypt and honor it.
	m.oauthSnapshots.Set(ctx, cookieValue, snapshotOf(pending))

	return authorizeURL, cookieValue, nil
}

// Callback handles the oauth -> {mfa | active} transition. The returned
// bool reports whether resolveUser minted a new user row, for callers that
// want to distinguish first-login signups from returning users (e.g. the
// login metric).
func (m *Machine) Callback(ctx context.Context, tenantID, cookieValue, state, code string, ip, userAgent *string) (session.Pair, State, bool, error) {
	pending, err := m.decodeOAuthCookie(tenantID, cookieValue)
	if err != nil {
		return session.Pair{}, nil, false, err
	}

	if pending.OAuthState != state {
		return session.Pair{}, nil, false, apierr.OAuth(pending.Provider, "state_mismatch")
	}
	if time.Now().After(pending.ExpiresAt) {
		return session.Pair{}, nil, false, apierr.OAuth(pending.Provider, "state_mismatch")
	}

	// The mirrored snapshot is the single-use guard: a cookie whose entry
	// was already consumed (or never recorded) is refused.
	if _, err := m.oauthSnapshots.Get(ctx, cookieValue); err != nil {
		return session.Pair{}, nil, false, apierr.OAuth(pending.Provider, "snapshot_missing")
	}
	if err := m.oauthSnapshots.Invalidate(ctx, cookieValue); err != nil {
		slog.Warn("authstate: oauth snapshot invalidation failed", "error", err)
	}

	token, err := m.oauth.Exchange(ctx, pending.Provider, code, pending.Verifier)
	if err != nil {
		return session.Pair{}, nil, false, err
	}
	extUser, err := m.oauth.ExtractUser(ctx, pending.Provider, token)
	if err != nil {
		return session.Pair{}, nil, false, err
	}
	if extUser.Email == "" {
		return session.Pair{}, nil, false, apierr.OAuth(pending.Provider, "no_email")
	}

	userID, isNewUser, err := m.resolveUser(ctx, tenantID, pending.Provider, extUser)
	if err != nil {
		return session.Pair{}, nil, false, err
	}

	if err := m.persistIdentity(ctx, tenantID, pending.Provider, extUser, userID, token); err != nil {
		return session.Pair{}, nil, false, err
	}

	mfaEnabled, err := m.sessions.MFAEnabled(ctx, userID)
	if err != nil {
		return session.Pair{}, nil, false, apierr.Internal("authstate: check mfa posture", err)
	}

	pair, row, err := m.sessions.Create(ctx, tenantID, userID, mfaEnabled, ip, userAgent)
	if err != nil {
		return session.Pair{}, nil, false, err
	}

	next := nextAfterCreate(row, tenantID, userID, mfaEnabled)
	m.sessionSnapshots.Set(ctx, row.ID.String(), snapshotOf(next))

	return pair, next, isNewUser, nil
}

func nextAfterCreate(row storage.Session, tenantID string, userID uuid.UUID, mfaEnabled bool) State {
	if mfaEnabled {
		return MFAPending{SessionID: row.ID, UserID: userID, TenantID: tenantID, SessionHash: row.Hash}
	}
	return Active{SessionID: row.ID, UserID: userID, TenantID: tenantID, SessionHash: row.Hash}
}

func (m *Machine) decodeOAuthCookie(tenantID, cookieValue string) (OAuthPending, error) {
	cipher, err := base64.RawURLEncoding.DecodeString(cookieValue)
	if err != nil {
		return OAuthPending{}, apierr.OAuth("", "encoding")
	}
	plaintext, err := m.crypto.Decrypt(tenantID, cipher)
	if err != nil {
		return OAuthPending{}, apierr.OAuth("", "encoding")
	}
	var payload oauthStatePayload
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return OAuthPending{}, apierr.OAuth("", "encoding")
	}
	return payload.toPending(), nil
}

// resolveUser implements §4.3's user resolution: a prior-linked identity
// reuses its user, subject to the same liveness check Refresh applies; an
// unlinked identity mints a new user row. The email-present check runs
// earlier, in Callback, which fails no_email before this is reached.
func (m *Machine) resolveUser(ctx context.Context, tenantID, provider string, extUser oauthclient.ExternalUser) (uuid.UUID, bool, error) {
	existing, err := m.repo.OAuthAccounts().ByExternal(ctx, provider, extUser.ExternalID)
	if errors.Is(err, storage.ErrNotFound) {
		created, insertErr := m.repo.Users().Insert(ctx, storage.User{
			TenantID: tenantID,
			Email:    extUser.Email,
			Role:     storage.RoleMember,
			Status:   storage.UserStatusActive,
		})
		if insertErr != nil {
			return uuid.Nil, false, apierr.Internal("authstate: create user", insertErr)
		}
		return created.ID, true, nil
	}
	if err != nil {
		return uuid.Nil, false, apierr.Internal("authstate: lookup oauth account", err)
	}

	user, err := m.repo.Users().One(ctx, existing.UserID)
	if errors.Is(err, storage.ErrNotFound) || user.DeletedAt != nil || user.Status != storage.UserStatusActive {
		return uuid.Nil, false, apierr.Auth("user_gone")
	}
	if err != nil {
		return uuid.Nil, false, apierr.Internal("authstate: lookup user", err)
	}
	return existing.UserID, false, nil
}

func (m *Machine) persistIdentity(ctx context.Context, tenantID, provider string, extUser oauthclient.ExternalUser, userID uuid.UUID, token *oauth2.Token) error {
	account := storage.OAuthAccount{
		Provider:   provider,
		ExternalID: extUser.ExternalID,
		UserID:     userID,
		TenantID:   tenantID,
	}

	accessCipher, err := m.crypto.Encrypt(tenantID, token.AccessToken)
	if err != nil {
		return apierr.Internal("authstate: encrypt access token", err)
	}
	account.AccessEncrypted = accessCipher

	if token.RefreshToken != "" {
		refreshCipher, err := m.crypto.Encrypt(tenantID, token.RefreshToken)
		if err != nil {
			return apierr.Internal("authstate: encrypt refresh token", err)
		}
		account.RefreshEncrypted = refreshCipher
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		account.ExpiresAt = &expiry
	}

	if _, err := m.repo.OAuthAccounts().Upsert(ctx, account); err != nil {
		return apierr.Internal("authstate: upsert oauth account", err)
	}
	return nil
}

// Verify handles the mfa -> active transition.
func (m *Machine) Verify(ctx context.Context, sessionID uuid.UUID, code string, isBackup bool) (State, error) {
	snap, err := m.sessionSnapshots.Get(ctx, sessionID.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierr.NotFound("auth_state", "snapshot_missing")
	}
	if err != nil {
		return nil, apierr.Internal("authstate: lookup session snapshot", err)
	}
	pending, ok := snap.State().(MFAPending)
	if !ok {
		return nil, phaseInvalid(snap.Tag, tagMFA)
	}

	var verifyErr error
	if isBackup {
		_, verifyErr = m.mfa.Recover(ctx, pending.UserID, code)
	} else {
		_, verifyErr = m.mfa.Verify(ctx, pending.TenantID, pending.UserID, code)
	}
	if verifyErr != nil {
		pending.MFAAttempts++
		m.sessionSnapshots.Set(ctx, sessionID.String(), snapshotOf(pending))
		return nil, verifyErr
	}

	if err := m.repo.Sessions().Verify(ctx, sessionID); err != nil {
		return nil, apierr.Internal("authstate: mark session verified", err)
	}
	if err := m.sessions.InvalidateLookup(ctx, pending.SessionHash); err != nil {
		slog.Warn("authstate: session cache invalidation failed", "error", err)
	}

	next := Active{SessionID: sessionID, UserID: pending.UserID, TenantID: pending.TenantID, SessionHash: pending.SessionHash}
	m.sessionSnapshots.Set(ctx, sessionID.String(), snapshotOf(next))
	return next, nil
}

// Refresh handles the mfa|active self-loop: rotates the refresh token via
// Session.Refresh and re-derives the next tag from the rotated row's
// verified state, since the user may have enrolled MFA since the prior
// token was minted.
func (m *Machine) Refresh(ctx context.Context, tenantID, refreshToken string, ip, userAgent *string) (session.Pair, State, error) {
	pair, row, err := m.sessions.Refresh(ctx, tenantID, refreshToken, ip, userAgent)
	if err != nil {
		return session.Pair{}, nil, err
	}

	var next State
	if row.VerifiedAt == nil {
		next = MFAPending{SessionID: row.ID, UserID: row.UserID, TenantID: tenantID, SessionHash: row.Hash}
	} else {
		next = Active{SessionID: row.ID, UserID: row.UserID, TenantID: tenantID, SessionHash: row.Hash}
	}
	m.sessionSnapshots.Set(ctx, row.ID.String(), snapshotOf(next))
	return pair, next, nil
}

// Revoke handles the mfa|active -> revoked transition: soft-deletes every
// session and refresh token belonging to userID atomically. A missing
// snapshot for sessionID is treated as idempotent success, since the
// soft-delete runs regardless of what this node currently has cached.
func (m *Machine) Revoke(ctx context.Context, userID, sessionID uuid.UUID, sessionHash string, reason string) (State, error) {
	err := m.repo.WithTransaction(ctx, func(ctx context.Context) error {
		if err := m.repo.Sessions().SoftDeleteByUser(ctx, userID); err != nil {
			return apierr.Internal("authstate: revoke sessions", err)
		}
		if err := m.repo.RefreshTokens().SoftDeleteByUser(ctx, userID); err != nil {
			return apierr.Internal("authstate: revoke refresh tokens", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.sessions.InvalidateLookup(ctx, sessionHash); err != nil {
		slog.Warn("authstate: session cache invalidation failed", "error", err)
	}

	next := Revoked{Reason: reason}
	m.sessionSnapshots.Set(ctx, sessionID.String(), snapshotOf(next))
	return next, nil
}

// Current restores the cached state for sessionID, for callers that need to
// inspect the machine's state without firing an event (e.g. a health check
// or an admin view).
func (m *Machine) Current(ctx context.Context, sessionID uuid.UUID) (State, error) {
	snap, err := m.sessionSnapshots.Get(ctx, sessionID.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierr.NotFound("auth_state", "snapshot_missing")
	}
	if err != nil {
		return nil, apierr.Internal("authstate: lookup session snapshot", err)
	}
	return snap.State(), nil
}

// phaseInvalid is the §4.3 "fire an event from a non-matching state" error
// — an AuthError per §7, never surfaced raw, mapped here onto Conflict since
// it is a state-machine conflict rather than a credential or policy
// failure.
func phaseInvalid(actual string, allowed ...string) error {
	return apierr.Conflict("auth_state", fmt.Sprintf("phase_invalid: actual=%s allowed=%v", actual, allowed))
}

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("authstate: crypto/rand: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
