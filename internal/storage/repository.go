// Package storage defines the Repository the trust-plane core consumes for
// all persisted state, and a Postgres/pgx implementation of it with
// row-level-security tenant scoping.
//
// The core treats Repository as an opaque external collaborator: exact
// column layout is an implementation detail, the method groups below are
// the contract. Every method runs inside the caller's ambient tenant scope
// (see WithTenantContext) unless documented as system-wide.
package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Users interface {
	One(ctx context.Context, id uuid.UUID) (User, error)
	Insert(ctx context.Context, u User) (User, error)
	SetRole(ctx context.Context, id uuid.UUID, role Role) error
	SetStatus(ctx context.Context, id uuid.UUID, status UserStatus) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type Sessions interface {
	Insert(ctx context.Context, s Session) (Session, error)
	ByHash(ctx context.Context, hash string) (Session, error)
	ByRefreshHash(ctx context.Context, refreshHash string) (Session, error)
	// ByRefreshHashForUpdate locks the row (SELECT ... FOR UPDATE) so refresh
	// rotation cannot race with itself across concurrent requests holding
	// the same refresh token.
	ByRefreshHashForUpdate(ctx context.Context, tx pgx.Tx, refreshHash string) (Session, error)
	Touch(ctx context.Context, id uuid.UUID) error
	Verify(ctx context.Context, id uuid.UUID) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	SoftDeleteByUser(ctx context.Context, userID uuid.UUID) error
}

type RefreshTokens interface {
	Insert(ctx context.Context, rt RefreshToken) (RefreshToken, error)
	ByHashForUpdate(ctx context.Context, tx pgx.Tx, hash string) (RefreshToken, error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
	SoftDeleteByUser(ctx context.Context, userID uuid.UUID) error
}

type OAuthAccounts interface {
	ByExternal(ctx context.Context, provider, externalID string) (OAuthAccount, error)
	Upsert(ctx context.Context, a OAuthAccount) (OAuthAccount, error)
}

type MFASecrets interface {
	ByUser(ctx context.Context, userID uuid.UUID) (MFASecret, error)
	Upsert(ctx context.Context, s MFASecret) (MFASecret, error)
	SoftDelete(ctx context.Context, userID uuid.UUID) error
}

type Permissions interface {
	ByRole(ctx context.Context, role Role) ([]Permission, error)
	Find(ctx context.Context, role Role, resource, action string) (Permission, error)
	Grant(ctx context.Context, role Role, resource, action string) error
	Revoke(ctx context.Context, role Role, resource, action string) error
}

type Apps interface {
	One(ctx context.Context, id uuid.UUID) (App, error)
	ByNamespace(ctx context.Context, namespace string) (App, error)
	Insert(ctx context.Context, a App) (App, error)
	Drop(ctx context.Context, id uuid.UUID) error
	ReadSettings(ctx context.Context, id uuid.UUID) (map[string]any, error)
	UpdateSettings(ctx context.Context, id uuid.UUID, settings map[string]any) error
}

// Repository is the full external interface the core depends on, grouped
// the way §6 describes it: a namespace per entity rather than one flat
// method set, since several entities share method names (One, Insert,
// SoftDelete) with incompatible signatures.
// WithTransaction opens a transaction, runs effect, and commits on success
// or rolls back on any returned error (including a panic recovered by the
// caller re-raising it).
type Repository interface {
	Users() Users
	Sessions() Sessions
	RefreshTokens() RefreshTokens
	OAuthAccounts() OAuthAccounts
	MFASecrets() MFASecrets
	Permissions() Permissions
	Apps() Apps

	WithTransaction(ctx context.Context, effect func(ctx context.Context) error) error
}

// ErrNotFound is returned by One/By*/Find lookups that match no row.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "storage: not found" }
