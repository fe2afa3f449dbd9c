// Package audit implements the structured, fire-and-forget audit sink every
// domain service writes to: logins, MFA events, policy denials, rate-limit
// rejections, and the cross-tenant events the event bus fans out. Entries
// are JSON log lines tagged so log aggregators can route them to a
// compliance-retention index independent of the application's main log
// stream.
package audit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// EventType is the dotted event vocabulary the spec's components emit —
// e.g. "security.permission_denied", "rate_limited", "policy.changed".
// Deliberately a plain string rather than a closed enum: new components
// mint their own event names without touching this package.
type EventType string

const (
	EventLoginSuccess       EventType = "auth.login_success"
	EventLoginFailed        EventType = "auth.login_failed"
	EventLogout             EventType = "auth.logout"
	EventMFAEnrolled        EventType = "auth.mfa_enrolled"
	EventMFAVerified        EventType = "auth.mfa_verified"
	EventMFAFailed          EventType = "auth.mfa_failed"
	EventPermissionDenied   EventType = "security.permission_denied"
	EventRateLimited        EventType = "rate_limited"
	EventPolicyChanged      EventType = "policy.changed"
	EventAppSettingsUpdated EventType = "app.settings.updated"
)

// Logger is the contract every domain service depends on for audit writes.
type Logger interface {
	Log(ctx context.Context, tenantID string, actorID uuid.UUID, event EventType, resource string, fields map[string]any)
}

// JSONLogger writes one structured log line per entry to its own slog
// handler, independent of whatever handler the rest of the process uses,
// so audit output keeps a stable shape even if application logging is
// reconfigured.
type JSONLogger struct {
	logger *slog.Logger
}

func NewJSONLogger() *JSONLogger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &JSONLogger{logger: slog.New(handler)}
}

func (l *JSONLogger) Log(ctx context.Context, tenantID string, actorID uuid.UUID, event EventType, resource string, fields map[string]any) {
	attrs := []any{
		slog.String("log_type", "audit_trail"),
		slog.String("tenant_id", tenantID),
		slog.String("actor_id", actorID.String()),
		slog.String("event", string(event)),
		slog.String("resource", resource),
		slog.Time("timestamp_utc", time.Now().UTC()),
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.InfoContext(ctx, "audit_event", attrs...)
}

// NoopLogger discards every entry, for tests that don't care about the
// audit trail.
type NoopLogger struct{}

func (NoopLogger) Log(context.Context, string, uuid.UUID, EventType, string, map[string]any) {}
