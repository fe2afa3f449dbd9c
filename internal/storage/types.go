package storage

import (
	"time"

	"github.com/google/uuid"
)

// Role is the access rank assigned to a User within a tenant. Higher rank
// strictly includes the permissions of every lower rank in policy checks
// that test "at least" a role rather than an exact match.
type Role string

const (
	RoleGuest  Role = "guest"
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Rank returns the role's position in the guest < viewer < member < admin <
// owner ordering.
func (r Role) Rank() int {
	switch r {
	case RoleGuest:
		return 0
	case RoleViewer:
		return 1
	case RoleMember:
		return 2
	case RoleAdmin:
		return 3
	case RoleOwner:
		return 4
	default:
		return -1
	}
}

// UserStatus is the account lifecycle flag independent of role.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// User is the persisted identity row.
type User struct {
	ID        uuid.UUID
	TenantID  string
	Email     string
	Role      Role
	Status    UserStatus
	DeletedAt *time.Time
}

// Session is the persisted session row. Hash/RefreshHash are
// HMAC(tenantKey, token) values, never the raw token.
type Session struct {
	ID              uuid.UUID
	TenantID        string
	UserID          uuid.UUID
	Hash            string
	RefreshHash     string
	AccessExpiresAt time.Time
	RefreshExpiresAt time.Time
	VerifiedAt      *time.Time
	IPAddress       *string
	UserAgent       *string
	DeletedAt       *time.Time
}

// RefreshToken shares the Session row shape with a refresh-only validity
// window, for deployments that track refresh tokens independently of the
// session that minted them (long-lived "remember me" tokens).
type RefreshToken struct {
	ID          uuid.UUID
	TenantID    string
	UserID      uuid.UUID
	SessionID   uuid.UUID
	Hash        string
	ExpiresAt   time.Time
	DeletedAt   *time.Time
}

// MFASecret is the persisted TOTP enrollment. Encrypted holds
// AES-GCM(tenantKey, sharedSecret) via internal/tenantcrypto's versioned
// framing. BackupHashes entries are formatted "salt$sha256(saltCODE)".
type MFASecret struct {
	UserID       uuid.UUID
	TenantID     string
	Encrypted    []byte
	BackupHashes []string
	EnabledAt    *time.Time
	DeletedAt    *time.Time
}

// OAuthAccount links an external IdP identity to a local user. Uniqueness
// is on (Provider, ExternalID).
type OAuthAccount struct {
	Provider        string
	ExternalID      string
	UserID          uuid.UUID
	TenantID        string
	AccessEncrypted []byte
	RefreshEncrypted []byte
	ExpiresAt       *time.Time
	Scope           *string
	DeletedAt       *time.Time
}

// Permission is a single role grant. A role possesses (Resource, Action)
// iff a non-deleted row exists matching exactly.
type Permission struct {
	TenantID  string
	Role      Role
	Resource  string
	Action    string
	DeletedAt *time.Time
}

// App is a tenant-scoped namespace record used for multi-app tenants
// (§6 apps.{one, byNamespace, insert, drop, readSettings, updateSettings}).
type App struct {
	ID        uuid.UUID
	TenantID  string
	Namespace string
	Settings  map[string]any
	DeletedAt *time.Time
}
