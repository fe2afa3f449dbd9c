// Package mfa implements §4.4: TOTP enrollment, verification with replay
// protection and brute-force lockout, backup-code recovery, disable, and
// status reporting.
package mfa

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/replayguard"
	"github.com/parametricportal/trustplane/internal/storage"
	"github.com/parametricportal/trustplane/internal/tenantcrypto"
)

const (
	backupCodeCount = 10
	backupCodeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // excludes I, O, 0, 1
	totpPeriod      = 30
)

// EnrollResult is returned exactly once, at enrollment time; the raw
// secret and backup codes are never retrievable again afterward.
type EnrollResult struct {
	Secret      string
	BackupCodes []string
	QRDataURL   string
}

// Status reports enrollment/activation state (§4.4's {enrolled, enabled,
// remainingBackupCodes?}).
type Status struct {
	Enrolled             bool
	Enabled              bool
	RemainingBackupCodes *int
}

// Service implements §4.4, consuming Replay Guard + Crypto + Repository as
// the contract specifies.
type Service struct {
	issuer string
	crypto *tenantcrypto.Crypto
	repo   storage.Repository
	guard  *replayguard.Guard
}

func New(issuer string, crypto *tenantcrypto.Crypto, repo storage.Repository, guard *replayguard.Guard) *Service {
	return &Service{issuer: issuer, crypto: crypto, repo: repo, guard: guard}
}

// Enroll generates a secret and backup codes, encrypts and persists them
// with enabledAt left unset, and returns the one-time enrollment payload.
// Re-enrolling an already-active MFA secret fails Conflict(mfa).
func (s *Service) Enroll(ctx context.Context, tenantID string, userID uuid.UUID, accountName string) (EnrollResult, error) {
	existing, err := s.repo.MFASecrets().ByUser(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return EnrollResult{}, apierr.Internal("mfa: read existing secret", err)
	}
	if err == nil && existing.EnabledAt != nil {
		return EnrollResult{}, apierr.Conflict("mfa", "mfa already enabled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA256,
		Period:      totpPeriod,
	})
	if err != nil {
		return EnrollResult{}, apierr.Internal("mfa: generate totp key", err)
	}

	qrDataURL, err := qrDataURL(key)
	if err != nil {
		return EnrollResult{}, apierr.Internal("mfa: render qr", err)
	}

	rawCodes, hashes, err := generateBackupCodes(backupCodeCount)
	if err != nil {
		return EnrollResult{}, apierr.Internal("mfa: generate backup codes", err)
	}

	encrypted, err := s.crypto.Encrypt(tenantID, key.Secret())
	if err != nil {
		return EnrollResult{}, apierr.Internal("mfa: encrypt secret", err)
	}

	if _, err := s.repo.MFASecrets().Upsert(ctx, storage.MFASecret{
		UserID:       userID,
		TenantID:     tenantID,
		Encrypted:    encrypted,
		BackupHashes: hashes,
		EnabledAt:    nil,
	}); err != nil {
		return EnrollResult{}, apierr.Internal("mfa: persist secret", err)
	}

	return EnrollResult{Secret: key.Secret(), BackupCodes: rawCodes, QRDataURL: qrDataURL}, nil
}

// Verify runs the §4.4 verify sequence: lockout check, decrypt, TOTP
// validate with ±1 window tolerance, replay check, failure/success
// bookkeeping, and enrollment confirmation on first success.
func (s *Service) Verify(ctx context.Context, tenantID string, userID uuid.UUID, code string) (remainingBackupCodes int, err error) {
	if err := s.guard.CheckLockout(userID); err != nil {
		return 0, err
	}

	row, err := s.repo.MFASecrets().ByUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, apierr.NotFound("mfa", userID.String())
	}
	if err != nil {
		return 0, apierr.Internal("mfa: read secret", err)
	}

	secret, err := s.crypto.Decrypt(tenantID, row.Encrypted)
	if err != nil {
		return 0, apierr.Internal("mfa: decrypt secret", err)
	}

	now := time.Now()
	valid, delta := validateWithDelta(code, secret, now)
	if !valid {
		s.guard.RecordFailure(userID)
		return 0, mfaInvalidCode()
	}

	timeStep := now.Unix()/totpPeriod + delta
	if s.guard.CheckAndMark(ctx, userID, timeStep, code) {
		s.guard.RecordFailure(userID)
		return 0, mfaInvalidCode()
	}

	s.guard.RecordSuccess(userID)

	if row.EnabledAt == nil {
		activated := now
		row.EnabledAt = &activated
		if _, err := s.repo.MFASecrets().Upsert(ctx, row); err != nil {
			return 0, apierr.Internal("mfa: activate", err)
		}
	}

	return len(row.BackupHashes), nil
}

// Recover verifies a backup code, consuming it on success (§4.4 Recovery).
func (s *Service) Recover(ctx context.Context, userID uuid.UUID, rawCode string) (remaining int, err error) {
	if err := s.guard.CheckLockout(userID); err != nil {
		return 0, err
	}

	row, err := s.repo.MFASecrets().ByUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, apierr.NotFound("mfa", userID.String())
	}
	if err != nil {
		return 0, apierr.Internal("mfa: read secret", err)
	}

	upper := strings.ToUpper(rawCode)
	for i, stored := range row.BackupHashes {
		salt, digest, ok := splitBackupHash(stored)
		if !ok {
			continue
		}
		candidate := hashBackupCode(salt, upper)
		if tenantcrypto.CompareStrings(candidate, digest) {
			row.BackupHashes = append(append([]string{}, row.BackupHashes[:i]...), row.BackupHashes[i+1:]...)
			if _, err := s.repo.MFASecrets().Upsert(ctx, row); err != nil {
				return 0, apierr.Internal("mfa: consume backup code", err)
			}
			s.guard.RecordSuccess(userID)
			return len(row.BackupHashes), nil
		}
	}

	s.guard.RecordFailure(userID)
	e := apierr.Auth("mfa_invalid_backup")
	e.Fields["remaining"] = len(row.BackupHashes)
	return len(row.BackupHashes), e
}

// Disable soft-deletes the user's MFA secret row. Fails NotFound if none
// exists.
func (s *Service) Disable(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.repo.MFASecrets().ByUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.NotFound("mfa", userID.String())
		}
		return apierr.Internal("mfa: read secret", err)
	}
	if err := s.repo.MFASecrets().SoftDelete(ctx, userID); err != nil {
		return apierr.Internal("mfa: disable", err)
	}
	return nil
}

// GetStatus reports {enrolled, enabled, remainingBackupCodes?}.
func (s *Service) GetStatus(ctx context.Context, userID uuid.UUID) (Status, error) {
	row, err := s.repo.MFASecrets().ByUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, apierr.Internal("mfa: read secret", err)
	}

	st := Status{Enrolled: true, Enabled: row.EnabledAt != nil}
	if st.Enabled {
		n := len(row.BackupHashes)
		st.RemainingBackupCodes = &n
	}
	return st, nil
}

func mfaInvalidCode() *apierr.Error {
	return apierr.Auth("mfa_invalid_code")
}

// validateWithDelta mirrors totp.ValidateCustom's {valid, delta} pair with
// a ±1 step skew, collapsing the contract's separate "epochTolerance" and
// "window" notions into pquerna/otp's single Skew knob.
func validateWithDelta(code, secret string, at time.Time) (valid bool, delta int64) {
	for _, d := range []int64{0, -1, 1} {
		ok, err := totp.ValidateCustom(code, secret, at.Add(time.Duration(d)*totpPeriod*time.Second), totp.ValidateOpts{
			Period:    totpPeriod,
			Skew:      0,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA256,
		})
		if err == nil && ok {
			return true, d
		}
	}
	return false, 0
}

func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(200, 200)
	if err != nil {
		return "", fmt.Errorf("mfa: render qr image: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("mfa: encode qr png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func generateBackupCodes(count int) (raw []string, hashes []string, err error) {
	raw = make([]string, count)
	hashes = make([]string, count)

	for i := 0; i < count; i++ {
		code, err := randomCode(8)
		if err != nil {
			return nil, nil, err
		}
		formatted := code[:4] + "-" + code[4:]
		raw[i] = formatted

		salt, err := randomHex(16)
		if err != nil {
			return nil, nil, err
		}
		hashes[i] = salt + "$" + hashBackupCode(salt, code)
	}
	return raw, hashes, nil
}

func randomCode(n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeChars))))
		if err != nil {
			return "", fmt.Errorf("mfa: crypto/rand: %w", err)
		}
		out[i] = backupCodeChars[idx.Int64()]
	}
	return string(out), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mfa: crypto/rand: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// hashBackupCode hashes the upper-cased, dash-stripped code with salt,
// matching the persisted "salt$sha256(saltCODE)" format (§3's MFA Secret
// Row invariant).
func hashBackupCode(salt, code string) string {
	code = strings.ToUpper(strings.ReplaceAll(code, "-", ""))
	sum := sha256.Sum256([]byte(salt + code))
	return hex.EncodeToString(sum[:])
}

func splitBackupHash(stored string) (salt, digest string, ok bool) {
	parts := strings.SplitN(stored, "$", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
