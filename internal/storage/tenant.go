package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type txKeyType struct{}

var txKey txKeyType

// GetTx returns the transaction bound to ctx by WithTenantContext or
// WithoutRLS, or nil if none is bound.
func GetTx(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// WithTenantContext runs fn inside a transaction that first pins
// app.current_tenant via set_config for the lifetime of the transaction, so
// every row-level-security policy evaluated inside fn respects the tenant
// isolation boundary. The session variable clears automatically when the
// transaction ends, since set_config's third argument scopes it to the
// transaction (SET LOCAL semantics).
func WithTenantContext(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.current_tenant', $1, true)", tenantID); err != nil {
		return fmt.Errorf("storage: set tenant context: %w", err)
	}

	ctxWithTx := context.WithValue(ctx, txKey, tx)
	if err := fn(ctxWithTx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit transaction: %w", err)
	}
	return nil
}

// WithoutRLS runs fn inside a transaction that never sets
// app.current_tenant, for the system-wide operations the contract calls
// out explicitly: audit writes, background janitors, and cross-tenant
// admin operations. Use sparingly — everything else goes through
// WithTenantContext.
func WithoutRLS(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ctxWithTx := context.WithValue(ctx, txKey, tx)
	if err := fn(ctxWithTx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit transaction: %w", err)
	}
	return nil
}
