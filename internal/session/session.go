// Package session implements §4.6: session+refresh pair creation, refresh
// rotation with reuse detection, revocation, and cached lookup.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/cache"
	"github.com/parametricportal/trustplane/internal/storage"
	"github.com/parametricportal/trustplane/internal/tenantcrypto"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	lookupCacheTTL    = 5 * time.Minute
	rawTokenBytes     = 64

	// trustedDeviceTTL is the lifetime of a "remember this device" token,
	// which lets a returning user skip MFA re-verification on a device
	// already trusted, independent of — and much longer-lived than — the
	// session's own refresh window.
	trustedDeviceTTL = 90 * 24 * time.Hour
)

// Pair is the plaintext token pair, returned exactly once by Create and
// Refresh — neither token is ever retrievable again afterward.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

// Summary is the cached lookup projection (§4.6's "{accessExpiresAt, appId,
// id, userId, verifiedAt}").
type Summary struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"userId"`
	TenantID        string     `json:"tenantId"`
	AccessExpiresAt time.Time  `json:"accessExpiresAt"`
	VerifiedAt      *time.Time `json:"verifiedAt"`
}

// Service implements create/rotate/revoke/lookup. It consumes Repository
// and Crypto directly and owns two Typed caches: session-hash lookup and a
// parallel MFA-enabled flag (§4.6).
type Service struct {
	repo   storage.Repository
	crypto *tenantcrypto.Crypto

	lookupCache *cache.Typed[string, Summary]
	mfaCache    *cache.Typed[uuid.UUID, bool]

	accessTTL  time.Duration
	refreshTTL time.Duration
}

func New(repo storage.Repository, crypto *tenantcrypto.Crypto, backend cache.Backend) *Service {
	s := &Service{repo: repo, crypto: crypto, accessTTL: defaultAccessTTL, refreshTTL: defaultRefreshTTL}

	s.lookupCache = cache.New[string, Summary]("session:lookup", backend, func(k string) string { return k },
		func(ctx context.Context, hash string) (Summary, error) {
			row, err := s.repo.Sessions().ByHash(ctx, hash)
			if err != nil {
				return Summary{}, err
			}
			return summaryOf(row), nil
		},
		cache.WithValueTTL(lookupCacheTTL),
	)

	s.mfaCache = cache.New[uuid.UUID, bool]("session:mfa-enabled", backend, func(k uuid.UUID) string { return k.String() },
		func(ctx context.Context, userID uuid.UUID) (bool, error) {
			secret, err := s.repo.MFASecrets().ByUser(ctx, userID)
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return secret.EnabledAt != nil, nil
		},
		cache.WithValueTTL(lookupCacheTTL),
	)

	return s
}

func summaryOf(row storage.Session) Summary {
	return Summary{
		ID:              row.ID,
		UserID:          row.UserID,
		TenantID:        row.TenantID,
		AccessExpiresAt: row.AccessExpiresAt,
		VerifiedAt:      row.VerifiedAt,
	}
}

// Create mints a session+refresh pair in one transaction. verifiedAt is set
// to now unless mfaPending, per §4.6.
func (s *Service) Create(ctx context.Context, tenantID string, userID uuid.UUID, mfaPending bool, ip, userAgent *string) (Pair, storage.Session, error) {
	accessRaw, err := generateToken()
	if err != nil {
		return Pair{}, storage.Session{}, apierr.Internal("session: generate access token", err)
	}
	refreshRaw, err := generateToken()
	if err != nil {
		return Pair{}, storage.Session{}, apierr.Internal("session: generate refresh token", err)
	}

	hash, err := s.crypto.HMAC(tenantID, accessRaw)
	if err != nil {
		return Pair{}, storage.Session{}, apierr.Internal("session: hash access token", err)
	}
	refreshHash, err := s.crypto.HMAC(tenantID, refreshRaw)
	if err != nil {
		return Pair{}, storage.Session{}, apierr.Internal("session: hash refresh token", err)
	}

	now := time.Now()
	var verifiedAt *time.Time
	if !mfaPending {
		verifiedAt = &now
	}

	row := storage.Session{
		TenantID:         tenantID,
		UserID:           userID,
		Hash:             hash,
		RefreshHash:      refreshHash,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshExpiresAt: now.Add(s.refreshTTL),
		VerifiedAt:       verifiedAt,
		IPAddress:        ip,
		UserAgent:        userAgent,
	}

	var created storage.Session
	err = s.repo.WithTransaction(ctx, func(ctx context.Context) error {
		inserted, err := s.repo.Sessions().Insert(ctx, row)
		if err != nil {
			return apierr.Internal("session: insert", err)
		}
		created = inserted
		return nil
	})
	if err != nil {
		return Pair{}, storage.Session{}, err
	}

	s.lookupCache.Set(ctx, hash, summaryOf(created))

	return Pair{AccessToken: accessRaw, RefreshToken: refreshRaw}, created, nil
}

// Refresh rotates the refresh token per the §4.6 seven-step sequence:
// locked lookup, expiry check, user-liveness check, MFA re-check,
// soft-delete of the old pair, creation of the new pair, and cache
// invalidation of the old hash.
func (s *Service) Refresh(ctx context.Context, tenantID string, refreshToken string, ip, userAgent *string) (Pair, storage.Session, error) {
	refreshHash, err := s.crypto.HMAC(tenantID, refreshToken)
	if err != nil {
		return Pair{}, storage.Session{}, apierr.Internal("session: hash refresh token", err)
	}

	var pair Pair
	var next storage.Session
	var oldHash string

	err = s.repo.WithTransaction(ctx, func(ctx context.Context) error {
		tx := storage.GetTx(ctx)
		old, err := s.repo.Sessions().ByRefreshHashForUpdate(ctx, tx, refreshHash)
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.Auth("invalid")
		}
		if err != nil {
			return apierr.Internal("session: lookup refresh row", err)
		}
		oldHash = old.Hash

		if time.Now().After(old.RefreshExpiresAt) {
			return apierr.Auth("expired")
		}

		user, err := s.repo.Users().One(ctx, old.UserID)
		if errors.Is(err, storage.ErrNotFound) || user.DeletedAt != nil || user.Status != storage.UserStatusActive {
			return apierr.Auth("user_gone")
		}
		if err != nil {
			return apierr.Internal("session: lookup user", err)
		}

		mfaSecret, err := s.repo.MFASecrets().ByUser(ctx, old.UserID)
		mfaPending := false
		if err == nil && mfaSecret.EnabledAt != nil {
			mfaPending = old.VerifiedAt == nil
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return apierr.Internal("session: lookup mfa posture", err)
		}

		if err := s.repo.Sessions().SoftDelete(ctx, old.ID); err != nil {
			return apierr.Internal("session: soft-delete old session", err)
		}

		accessRaw, err := generateToken()
		if err != nil {
			return apierr.Internal("session: generate access token", err)
		}
		refreshRaw, err := generateToken()
		if err != nil {
			return apierr.Internal("session: generate refresh token", err)
		}
		newHash, err := s.crypto.HMAC(tenantID, accessRaw)
		if err != nil {
			return apierr.Internal("session: hash access token", err)
		}
		newRefreshHash, err := s.crypto.HMAC(tenantID, refreshRaw)
		if err != nil {
			return apierr.Internal("session: hash refresh token", err)
		}

		now := time.Now()
		var verifiedAt *time.Time
		if !mfaPending {
			verifiedAt = &now
		}

		inserted, err := s.repo.Sessions().Insert(ctx, storage.Session{
			TenantID:         tenantID,
			UserID:           old.UserID,
			Hash:             newHash,
			RefreshHash:      newRefreshHash,
			AccessExpiresAt:  now.Add(s.accessTTL),
			RefreshExpiresAt: now.Add(s.refreshTTL),
			VerifiedAt:       verifiedAt,
			IPAddress:        ip,
			UserAgent:        userAgent,
		})
		if err != nil {
			return apierr.Internal("session: insert rotated session", err)
		}

		pair = Pair{AccessToken: accessRaw, RefreshToken: refreshRaw}
		next = inserted
		return nil
	})
	if err != nil {
		return Pair{}, storage.Session{}, err
	}

	if err := s.lookupCache.Invalidate(ctx, oldHash); err != nil {
		slog.Warn("session: cache invalidation failed", "error", err)
	}
	s.lookupCache.Set(ctx, next.Hash, summaryOf(next))

	return pair, next, nil
}

// InvalidateLookup drops hash's cached summary without soft-deleting the
// underlying row, for callers that mutate the row out-of-band (e.g.
// internal/authstate marking a session verified after MFA) and need the
// next Lookup to observe the change.
func (s *Service) InvalidateLookup(ctx context.Context, hash string) error {
	return s.lookupCache.Invalidate(ctx, hash)
}

// Revoke soft-deletes a single session by id and invalidates its cache
// entry.
func (s *Service) Revoke(ctx context.Context, sessionID uuid.UUID, hash string) error {
	if err := s.repo.Sessions().SoftDelete(ctx, sessionID); err != nil {
		return apierr.Internal("session: revoke", err)
	}
	if err := s.lookupCache.Invalidate(ctx, hash); err != nil {
		slog.Warn("session: cache invalidation failed", "error", err)
	}
	return nil
}

// RevokeAll soft-deletes every session belonging to userID. Callers that
// need per-hash cache invalidation should have already enumerated sessions
// via the repository before calling this; the TTL on the lookup cache
// bounds the staleness window regardless.
func (s *Service) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.Sessions().SoftDeleteByUser(ctx, userID); err != nil {
		return apierr.Internal("session: revoke all", err)
	}
	return nil
}

// Lookup resolves a session by its access-token hash through the 5-minute
// cache, rejecting cross-tenant and expired sessions, and fires a
// best-effort touch of session activity.
func (s *Service) Lookup(ctx context.Context, tenantID string, hash string) (Summary, bool) {
	summary, err := s.lookupCache.Get(ctx, hash)
	if err != nil {
		return Summary{}, false
	}

	if summary.TenantID != tenantID {
		slog.Warn("session: tenant mismatch on lookup", "sessionId", summary.ID)
		return Summary{}, false
	}
	if time.Now().After(summary.AccessExpiresAt) {
		slog.Warn("session: expired session presented", "sessionId", summary.ID)
		return Summary{}, false
	}

	go func() {
		touchCtx := context.Background()
		if err := s.repo.Sessions().Touch(touchCtx, summary.ID); err != nil {
			slog.Warn("session: touch failed", "sessionId", summary.ID, "error", err)
		}
	}()

	return summary, true
}

// MFAEnabled reports whether userID currently has MFA enabled, through the
// parallel 5-minute cache described in §4.6.
func (s *Service) MFAEnabled(ctx context.Context, userID uuid.UUID) (bool, error) {
	return s.mfaCache.Get(ctx, userID)
}

// TrustDevice mints a long-lived device-trust token (supplementing §4.6
// with the multi-device "remember me" capability the original service
// offered via GetSessions/RevokeSession). The raw token is returned once,
// meant for an HttpOnly cookie separate from the session's own tokens.
func (s *Service) TrustDevice(ctx context.Context, tenantID string, userID, sessionID uuid.UUID) (string, error) {
	raw, err := generateToken()
	if err != nil {
		return "", apierr.Internal("session: generate device token", err)
	}
	hash, err := s.crypto.HMAC(tenantID, raw)
	if err != nil {
		return "", apierr.Internal("session: hash device token", err)
	}

	if _, err := s.repo.RefreshTokens().Insert(ctx, storage.RefreshToken{
		TenantID:  tenantID,
		UserID:    userID,
		SessionID: sessionID,
		Hash:      hash,
		ExpiresAt: time.Now().Add(trustedDeviceTTL),
	}); err != nil {
		return "", apierr.Internal("session: persist device token", err)
	}
	return raw, nil
}

// IsTrustedDevice reports whether rawToken names a live, unexpired
// device-trust token for userID.
func (s *Service) IsTrustedDevice(ctx context.Context, tenantID string, userID uuid.UUID, rawToken string) (bool, error) {
	hash, err := s.crypto.HMAC(tenantID, rawToken)
	if err != nil {
		return false, apierr.Internal("session: hash device token", err)
	}

	var trusted bool
	err = s.repo.WithTransaction(ctx, func(ctx context.Context) error {
		tx := storage.GetTx(ctx)
		row, err := s.repo.RefreshTokens().ByHashForUpdate(ctx, tx, hash)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return apierr.Internal("session: lookup device token", err)
		}
		trusted = row.UserID == userID && time.Now().Before(row.ExpiresAt)
		return nil
	})
	if err != nil {
		return false, err
	}
	return trusted, nil
}

// RevokeTrustedDevices soft-deletes every device-trust token belonging to
// userID, e.g. on password change or explicit "forget all devices".
func (s *Service) RevokeTrustedDevices(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.RefreshTokens().SoftDeleteByUser(ctx, userID); err != nil {
		return apierr.Internal("session: revoke trusted devices", err)
	}
	return nil
}

func generateToken() (string, error) {
	b := make([]byte, rawTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: crypto/rand: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
