package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parametricportal/trustplane/internal/reqctx"
)

// NewPostgres opens a connection pool and verifies it with a ping, the same
// two-step startup check the teacher's storage layer performs before
// handing the pool to the rest of the process.
func NewPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return pool, nil
}

// querier is the subset of pgx.Tx and *pgxpool.Pool that every namespace
// below needs, letting each method run unchanged whether or not it is
// inside an RLS transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func dbFor(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := GetTx(ctx); tx != nil {
		return tx
	}
	return pool
}

func wrapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Postgres is the Repository facade: it owns the pool and hands out the
// per-namespace implementations the Repository interface exposes.
type Postgres struct {
	pool *pgxpool.Pool

	users         pgUsers
	sessions      pgSessions
	refreshTokens pgRefreshTokens
	oauthAccounts pgOAuthAccounts
	mfaSecrets    pgMFASecrets
	permissions   pgPermissions
	apps          pgApps
}

func NewPostgresRepository(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool:          pool,
		users:         pgUsers{pool},
		sessions:      pgSessions{pool},
		refreshTokens: pgRefreshTokens{pool},
		oauthAccounts: pgOAuthAccounts{pool},
		mfaSecrets:    pgMFASecrets{pool},
		permissions:   pgPermissions{pool},
		apps:          pgApps{pool},
	}
}

func (p *Postgres) Users() Users                 { return p.users }
func (p *Postgres) Sessions() Sessions           { return p.sessions }
func (p *Postgres) RefreshTokens() RefreshTokens { return p.refreshTokens }
func (p *Postgres) OAuthAccounts() OAuthAccounts { return p.oauthAccounts }
func (p *Postgres) MFASecrets() MFASecrets       { return p.mfaSecrets }
func (p *Postgres) Permissions() Permissions     { return p.permissions }
func (p *Postgres) Apps() Apps                   { return p.apps }

// WithTransaction opens a tenant-scoped RLS transaction using the tenant id
// carried on ctx's reqctx.Context, mirroring the contract's "each method
// operates within an ambient tenant scope" rule. The reserved system tenant
// bypasses RLS via WithoutRLS instead.
func (p *Postgres) WithTransaction(ctx context.Context, effect func(ctx context.Context) error) error {
	rc, ok := reqctx.From(ctx)
	if !ok {
		return errors.New("storage: WithTransaction requires a reqctx.Context on ctx")
	}
	if rc.TenantID() == reqctx.TenantSystem {
		return WithoutRLS(ctx, p.pool, func(ctx context.Context, _ pgx.Tx) error {
			return effect(ctx)
		})
	}
	return WithTenantContext(ctx, p.pool, rc.TenantID(), func(ctx context.Context, _ pgx.Tx) error {
		return effect(ctx)
	})
}

// --- Users -----------------------------------------------------------------

type pgUsers struct{ pool *pgxpool.Pool }

func (u pgUsers) One(ctx context.Context, id uuid.UUID) (User, error) {
	var out User
	err := dbFor(ctx, u.pool).QueryRow(ctx,
		`SELECT id, tenant_id, email, role, status, deleted_at FROM users WHERE id = $1 AND deleted_at IS NULL`,
		id,
	).Scan(&out.ID, &out.TenantID, &out.Email, &out.Role, &out.Status, &out.DeletedAt)
	return out, wrapNotFound(err)
}

func (u pgUsers) Insert(ctx context.Context, in User) (User, error) {
	out := in
	err := dbFor(ctx, u.pool).QueryRow(ctx,
		`INSERT INTO users (tenant_id, email, role, status) VALUES ($1, $2, $3, $4)
		 RETURNING id, tenant_id, email, role, status, deleted_at`,
		in.TenantID, in.Email, in.Role, in.Status,
	).Scan(&out.ID, &out.TenantID, &out.Email, &out.Role, &out.Status, &out.DeletedAt)
	return out, err
}

func (u pgUsers) SetRole(ctx context.Context, id uuid.UUID, role Role) error {
	tag, err := dbFor(ctx, u.pool).Exec(ctx, `UPDATE users SET role = $1 WHERE id = $2 AND deleted_at IS NULL`, role, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (u pgUsers) SetStatus(ctx context.Context, id uuid.UUID, status UserStatus) error {
	tag, err := dbFor(ctx, u.pool).Exec(ctx, `UPDATE users SET status = $1 WHERE id = $2 AND deleted_at IS NULL`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (u pgUsers) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := dbFor(ctx, u.pool).Exec(ctx, `UPDATE users SET deleted_at = now() WHERE id = $1`, id)
	return err
}

// --- Sessions ----------------------------------------------------------------

type pgSessions struct{ pool *pgxpool.Pool }

const sessionCols = `id, tenant_id, user_id, hash, refresh_hash, access_expires_at, refresh_expires_at, verified_at, ip_address, user_agent, deleted_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.TenantID, &s.UserID, &s.Hash, &s.RefreshHash, &s.AccessExpiresAt,
		&s.RefreshExpiresAt, &s.VerifiedAt, &s.IPAddress, &s.UserAgent, &s.DeletedAt)
	return s, wrapNotFound(err)
}

func (s pgSessions) Insert(ctx context.Context, in Session) (Session, error) {
	row := dbFor(ctx, s.pool).QueryRow(ctx,
		`INSERT INTO sessions (tenant_id, user_id, hash, refresh_hash, access_expires_at, refresh_expires_at, ip_address, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+sessionCols,
		in.TenantID, in.UserID, in.Hash, in.RefreshHash, in.AccessExpiresAt, in.RefreshExpiresAt, in.IPAddress, in.UserAgent,
	)
	return scanSession(row)
}

func (s pgSessions) ByHash(ctx context.Context, hash string) (Session, error) {
	row := dbFor(ctx, s.pool).QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE hash = $1 AND deleted_at IS NULL`, hash)
	return scanSession(row)
}

func (s pgSessions) ByRefreshHash(ctx context.Context, refreshHash string) (Session, error) {
	row := dbFor(ctx, s.pool).QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE refresh_hash = $1 AND deleted_at IS NULL`, refreshHash)
	return scanSession(row)
}

func (s pgSessions) ByRefreshHashForUpdate(ctx context.Context, tx pgx.Tx, refreshHash string) (Session, error) {
	row := tx.QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE refresh_hash = $1 AND deleted_at IS NULL FOR UPDATE`, refreshHash)
	return scanSession(row)
}

func (s pgSessions) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := dbFor(ctx, s.pool).Exec(ctx, `UPDATE sessions SET updated_at = now() WHERE id = $1`, id)
	return err
}

func (s pgSessions) Verify(ctx context.Context, id uuid.UUID) error {
	_, err := dbFor(ctx, s.pool).Exec(ctx, `UPDATE sessions SET verified_at = now() WHERE id = $1 AND verified_at IS NULL`, id)
	return err
}

func (s pgSessions) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := dbFor(ctx, s.pool).Exec(ctx, `UPDATE sessions SET deleted_at = now() WHERE id = $1`, id)
	return err
}

func (s pgSessions) SoftDeleteByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := dbFor(ctx, s.pool).Exec(ctx, `UPDATE sessions SET deleted_at = now() WHERE user_id = $1 AND deleted_at IS NULL`, userID)
	return err
}

// --- Refresh tokens ----------------------------------------------------------

type pgRefreshTokens struct{ pool *pgxpool.Pool }

const refreshCols = `id, tenant_id, user_id, session_id, hash, expires_at, deleted_at`

func scanRefreshToken(row pgx.Row) (RefreshToken, error) {
	var rt RefreshToken
	err := row.Scan(&rt.ID, &rt.TenantID, &rt.UserID, &rt.SessionID, &rt.Hash, &rt.ExpiresAt, &rt.DeletedAt)
	return rt, wrapNotFound(err)
}

func (r pgRefreshTokens) Insert(ctx context.Context, in RefreshToken) (RefreshToken, error) {
	row := dbFor(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO refresh_tokens (tenant_id, user_id, session_id, hash, expires_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING `+refreshCols,
		in.TenantID, in.UserID, in.SessionID, in.Hash, in.ExpiresAt,
	)
	return scanRefreshToken(row)
}

func (r pgRefreshTokens) ByHashForUpdate(ctx context.Context, tx pgx.Tx, hash string) (RefreshToken, error) {
	row := tx.QueryRow(ctx, `SELECT `+refreshCols+` FROM refresh_tokens WHERE hash = $1 AND deleted_at IS NULL FOR UPDATE`, hash)
	return scanRefreshToken(row)
}

func (r pgRefreshTokens) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := dbFor(ctx, r.pool).Exec(ctx, `UPDATE refresh_tokens SET deleted_at = now() WHERE id = $1`, id)
	return err
}

func (r pgRefreshTokens) SoftDeleteByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := dbFor(ctx, r.pool).Exec(ctx, `UPDATE refresh_tokens SET deleted_at = now() WHERE user_id = $1 AND deleted_at IS NULL`, userID)
	return err
}

// --- OAuth accounts ----------------------------------------------------------

type pgOAuthAccounts struct{ pool *pgxpool.Pool }

func (o pgOAuthAccounts) ByExternal(ctx context.Context, provider, externalID string) (OAuthAccount, error) {
	var a OAuthAccount
	err := dbFor(ctx, o.pool).QueryRow(ctx,
		`SELECT provider, external_id, user_id, tenant_id, access_encrypted, refresh_encrypted, expires_at, scope, deleted_at
		 FROM oauth_accounts WHERE provider = $1 AND external_id = $2 AND deleted_at IS NULL`,
		provider, externalID,
	).Scan(&a.Provider, &a.ExternalID, &a.UserID, &a.TenantID, &a.AccessEncrypted, &a.RefreshEncrypted, &a.ExpiresAt, &a.Scope, &a.DeletedAt)
	return a, wrapNotFound(err)
}

func (o pgOAuthAccounts) Upsert(ctx context.Context, in OAuthAccount) (OAuthAccount, error) {
	out := in
	err := dbFor(ctx, o.pool).QueryRow(ctx,
		`INSERT INTO oauth_accounts (provider, external_id, user_id, tenant_id, access_encrypted, refresh_encrypted, expires_at, scope)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (provider, external_id) WHERE deleted_at IS NULL DO UPDATE
		 SET access_encrypted = EXCLUDED.access_encrypted,
		     refresh_encrypted = EXCLUDED.refresh_encrypted,
		     expires_at = EXCLUDED.expires_at,
		     scope = EXCLUDED.scope
		 RETURNING provider, external_id, user_id, tenant_id, access_encrypted, refresh_encrypted, expires_at, scope, deleted_at`,
		in.Provider, in.ExternalID, in.UserID, in.TenantID, in.AccessEncrypted, in.RefreshEncrypted, in.ExpiresAt, in.Scope,
	).Scan(&out.Provider, &out.ExternalID, &out.UserID, &out.TenantID, &out.AccessEncrypted, &out.RefreshEncrypted, &out.ExpiresAt, &out.Scope, &out.DeletedAt)
	return out, err
}

// --- MFA secrets --------------------------------------------------------------

type pgMFASecrets struct{ pool *pgxpool.Pool }

func (m pgMFASecrets) ByUser(ctx context.Context, userID uuid.UUID) (MFASecret, error) {
	var s MFASecret
	err := dbFor(ctx, m.pool).QueryRow(ctx,
		`SELECT user_id, tenant_id, encrypted, backup_hashes, enabled_at, deleted_at
		 FROM mfa_secrets WHERE user_id = $1 AND deleted_at IS NULL`,
		userID,
	).Scan(&s.UserID, &s.TenantID, &s.Encrypted, &s.BackupHashes, &s.EnabledAt, &s.DeletedAt)
	return s, wrapNotFound(err)
}

func (m pgMFASecrets) Upsert(ctx context.Context, in MFASecret) (MFASecret, error) {
	out := in
	err := dbFor(ctx, m.pool).QueryRow(ctx,
		`INSERT INTO mfa_secrets (user_id, tenant_id, encrypted, backup_hashes, enabled_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) WHERE deleted_at IS NULL DO UPDATE
		 SET encrypted = EXCLUDED.encrypted, backup_hashes = EXCLUDED.backup_hashes, enabled_at = EXCLUDED.enabled_at
		 RETURNING user_id, tenant_id, encrypted, backup_hashes, enabled_at, deleted_at`,
		in.UserID, in.TenantID, in.Encrypted, in.BackupHashes, in.EnabledAt,
	).Scan(&out.UserID, &out.TenantID, &out.Encrypted, &out.BackupHashes, &out.EnabledAt, &out.DeletedAt)
	return out, err
}

func (m pgMFASecrets) SoftDelete(ctx context.Context, userID uuid.UUID) error {
	_, err := dbFor(ctx, m.pool).Exec(ctx, `UPDATE mfa_secrets SET deleted_at = now() WHERE user_id = $1`, userID)
	return err
}

// --- Permissions ---------------------------------------------------------------

type pgPermissions struct{ pool *pgxpool.Pool }

func (perms pgPermissions) ByRole(ctx context.Context, role Role) ([]Permission, error) {
	rows, err := dbFor(ctx, perms.pool).Query(ctx,
		`SELECT tenant_id, role, resource, action, deleted_at FROM permissions WHERE role = $1 AND deleted_at IS NULL`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.TenantID, &perm.Role, &perm.Resource, &perm.Action, &perm.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, perm)
	}
	return out, rows.Err()
}

func (perms pgPermissions) Find(ctx context.Context, role Role, resource, action string) (Permission, error) {
	var perm Permission
	err := dbFor(ctx, perms.pool).QueryRow(ctx,
		`SELECT tenant_id, role, resource, action, deleted_at FROM permissions
		 WHERE role = $1 AND resource = $2 AND action = $3 AND deleted_at IS NULL`,
		role, resource, action,
	).Scan(&perm.TenantID, &perm.Role, &perm.Resource, &perm.Action, &perm.DeletedAt)
	return perm, wrapNotFound(err)
}

func (perms pgPermissions) Grant(ctx context.Context, role Role, resource, action string) error {
	_, err := dbFor(ctx, perms.pool).Exec(ctx,
		`INSERT INTO permissions (role, resource, action) VALUES ($1, $2, $3)
		 ON CONFLICT (role, resource, action) WHERE deleted_at IS NULL DO NOTHING`,
		role, resource, action,
	)
	return err
}

func (perms pgPermissions) Revoke(ctx context.Context, role Role, resource, action string) error {
	_, err := dbFor(ctx, perms.pool).Exec(ctx,
		`UPDATE permissions SET deleted_at = now()
		 WHERE role = $1 AND resource = $2 AND action = $3 AND deleted_at IS NULL`,
		role, resource, action,
	)
	return err
}

// --- Apps ------------------------------------------------------------------

type pgApps struct{ pool *pgxpool.Pool }

func scanApp(row pgx.Row) (App, error) {
	var a App
	var settings []byte
	if err := row.Scan(&a.ID, &a.TenantID, &a.Namespace, &settings, &a.DeletedAt); err != nil {
		return App{}, wrapNotFound(err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &a.Settings); err != nil {
			return App{}, fmt.Errorf("storage: decode app settings: %w", err)
		}
	}
	return a, nil
}

func (a pgApps) One(ctx context.Context, id uuid.UUID) (App, error) {
	row := dbFor(ctx, a.pool).QueryRow(ctx, `SELECT id, tenant_id, namespace, settings, deleted_at FROM apps WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanApp(row)
}

func (a pgApps) ByNamespace(ctx context.Context, namespace string) (App, error) {
	row := dbFor(ctx, a.pool).QueryRow(ctx, `SELECT id, tenant_id, namespace, settings, deleted_at FROM apps WHERE namespace = $1 AND deleted_at IS NULL`, namespace)
	return scanApp(row)
}

func (a pgApps) Insert(ctx context.Context, in App) (App, error) {
	settings, err := json.Marshal(in.Settings)
	if err != nil {
		return App{}, fmt.Errorf("storage: encode app settings: %w", err)
	}
	row := dbFor(ctx, a.pool).QueryRow(ctx,
		`INSERT INTO apps (tenant_id, namespace, settings) VALUES ($1, $2, $3)
		 RETURNING id, tenant_id, namespace, settings, deleted_at`,
		in.TenantID, in.Namespace, settings,
	)
	return scanApp(row)
}

func (a pgApps) Drop(ctx context.Context, id uuid.UUID) error {
	_, err := dbFor(ctx, a.pool).Exec(ctx, `UPDATE apps SET deleted_at = now() WHERE id = $1`, id)
	return err
}

func (a pgApps) ReadSettings(ctx context.Context, id uuid.UUID) (map[string]any, error) {
	var settings []byte
	err := dbFor(ctx, a.pool).QueryRow(ctx, `SELECT settings FROM apps WHERE id = $1 AND deleted_at IS NULL`, id).Scan(&settings)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	out := map[string]any{}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &out); err != nil {
			return nil, fmt.Errorf("storage: decode app settings: %w", err)
		}
	}
	return out, nil
}

func (a pgApps) UpdateSettings(ctx context.Context, id uuid.UUID, settings map[string]any) error {
	encoded, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("storage: encode app settings: %w", err)
	}
	tag, err := dbFor(ctx, a.pool).Exec(ctx, `UPDATE apps SET settings = $1 WHERE id = $2 AND deleted_at IS NULL`, encoded, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
