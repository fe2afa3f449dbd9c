// Package tenantcrypto provides tenant-scoped cryptography: a per-tenant key
// hierarchy derived from a single master key via HKDF, AES-GCM encryption
// framed with a version byte, SHA-256/HMAC hashing, and constant-time
// comparison.
//
// Security notes (kept from the original single-tenant implementation this
// generalizes):
//   - GCM nonces are generated fresh per call; reusing a nonce with the same
//     key breaks GCM's security entirely.
//   - Decryption never reveals which key or tag check failed: a wrong key, a
//     wrong tenant and a tampered body all return ErrDecryptFailed; only a
//     frame too short or with a bad version byte returns ErrInvalidFormat.
//   - The decrypted plaintext must never be logged.
package tenantcrypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"
)

const (
	keyLen           = 32 // AES-256
	cipherVersion    = byte(1)
	minCiphertextLen = 14 // version(1) + iv(12) + at least 1 byte of sealed body
	hkdfInfoPrefix   = "parametric-tenant-key-v1:"
	derivedKeyCap    = 1000
	derivedKeyTTL    = 24 * time.Hour
)

var zeroSalt = make([]byte, 32)

// Errors are intentionally generic: callers cannot distinguish "wrong key"
// from "tampered body" from "wrong tenant" (all ErrDecryptFailed); only a
// malformed frame is reported separately as ErrInvalidFormat.
var (
	ErrInvalidFormat = fmt.Errorf("tenantcrypto: invalid ciphertext format")
	ErrDecryptFailed = fmt.Errorf("tenantcrypto: decryption failed")
)

// Crypto derives and caches per-tenant AES-GCM keys from a single master key
// and exposes tenant-scoped encrypt/decrypt/hash/hmac/compare primitives.
type Crypto struct {
	master []byte

	mu        sync.RWMutex
	cache     *lru.Cache[string, cachedKey]
	singleton singleflight.Group
}

type cachedKey struct {
	key       []byte
	expiresAt time.Time
}

// New imports a base64-encoded 32-byte master key.
func New(masterKeyB64 string) (*Crypto, error) {
	raw, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("tenantcrypto: invalid master key encoding: %w", err)
	}
	if len(raw) != keyLen {
		return nil, fmt.Errorf("tenantcrypto: master key must be %d bytes, got %d", keyLen, len(raw))
	}

	cache, err := lru.New[string, cachedKey](derivedKeyCap)
	if err != nil {
		return nil, fmt.Errorf("tenantcrypto: failed to allocate key cache: %w", err)
	}

	return &Crypto{master: raw, cache: cache}, nil
}

// tenantKey returns the 256-bit AES-GCM key derived for tenantID, using the
// cache when possible and deduplicating concurrent derivations for the same
// tenant (a thundering herd on process start would otherwise re-run HKDF for
// every in-flight request against a cold tenant).
func (c *Crypto) tenantKey(tenantID string) ([]byte, error) {
	c.mu.RLock()
	if cached, ok := c.cache.Get(tenantID); ok && time.Now().Before(cached.expiresAt) {
		c.mu.RUnlock()
		return cached.key, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.singleton.Do(tenantID, func() (any, error) {
		return c.derive(tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Crypto) derive(tenantID string) ([]byte, error) {
	info := hkdfInfoPrefix + tenantID
	reader := hkdf.New(sha256.New, c.master, zeroSalt, []byte(info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("tenantcrypto: hkdf derivation failed: %w", err)
	}

	c.mu.Lock()
	c.cache.Add(tenantID, cachedKey{key: key, expiresAt: time.Now().Add(derivedKeyTTL)})
	c.mu.Unlock()

	return key, nil
}

// TenantSource lets EncryptCtx read the tenant id via this small interface
// rather than importing internal/reqctx directly, avoiding an import cycle (reqctx
// does not depend on tenantcrypto, but higher packages wire both).
type TenantSource interface {
	TenantID() string
}

// Encrypt encrypts plaintext under the key derived for tenantID. Output
// framing: version(1) || nonce(12) || ciphertext+tag.
func (c *Crypto) Encrypt(tenantID string, plaintext string) ([]byte, error) {
	key, err := c.tenantKey(tenantID)
	if err != nil {
		return nil, ErrInvalidFormat
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrInvalidFormat
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, ErrInvalidFormat
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, cipherVersion)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return out, nil
}

// EncryptCtx reads the tenant id from ctx via the supplied source, mirroring
// the contract's "implicit tenant id" framing for callers that already have
// a request-scoped tenant accessor.
func (c *Crypto) EncryptCtx(_ context.Context, src TenantSource, plaintext string) ([]byte, error) {
	return c.Encrypt(src.TenantID(), plaintext)
}

// Decrypt reverses Encrypt. A frame that is too short or has a bad version
// byte returns ErrInvalidFormat; every key or authentication failure returns
// ErrDecryptFailed, so no failure reveals which of those checks failed.
func (c *Crypto) Decrypt(tenantID string, ciphertext []byte) (string, error) {
	if len(ciphertext) < minCiphertextLen {
		return "", ErrInvalidFormat
	}
	version := ciphertext[0]
	if version < 1 {
		return "", ErrInvalidFormat
	}

	key, err := c.tenantKey(tenantID)
	if err != nil {
		return "", ErrDecryptFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrDecryptFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrDecryptFailed
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < 1+nonceSize {
		return "", ErrInvalidFormat
	}
	nonce := ciphertext[1 : 1+nonceSize]
	body := ciphertext[1+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// Hash returns the 64-hex-character SHA-256 digest of s. Used for
// tenant-independent lookups (e.g. the stored hash NewTokenPair returns).
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HMAC returns the tenant-scoped HMAC-SHA256 of s, hex-encoded. Session and
// refresh tokens are hashed this way so a leaked hash cannot be reversed
// without the tenant key.
func (c *Crypto) HMAC(tenantID string, s string) (string, error) {
	key, err := c.tenantKey(tenantID)
	if err != nil {
		return "", ErrInvalidFormat
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Compare is a constant-time, equal-length-independent-safe comparison.
// Mismatched-length inputs are treated as unequal without short-circuiting
// on length first (subtle.ConstantTimeCompare already returns 0 for unequal
// lengths without leaking how much of the prefix matched).
func Compare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// CompareStrings is the string convenience wrapper around Compare.
func CompareStrings(a, b string) bool {
	return Compare([]byte(a), []byte(b))
}

// TokenPair mints a random opaque token (UUIDv7-shaped via google/uuid's
// time-ordered NewV7) plus its SHA-256 hash for storage.
type TokenPair struct {
	Token string
	Hash  string
}

func NewTokenPair() (TokenPair, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return TokenPair{}, fmt.Errorf("tenantcrypto: failed to generate token: %w", err)
	}
	token := id.String()
	return TokenPair{Token: token, Hash: Hash(token)}, nil
}

// GenerateMasterKey produces a new base64-encoded 32-byte key, for use by
// cmd/keygen during initial setup or rotation.
func GenerateMasterKey() (string, error) {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("tenantcrypto: failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
