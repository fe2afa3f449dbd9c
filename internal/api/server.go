// Package api is the HTTP edge: a chi router wiring every domain service
// built under internal/ into routes, guarded by the request-context,
// rate-limit, session, and policy middleware in internal/api/middleware.
//
// Unlike the teacher's router, which wraps the entire request in one RLS
// transaction via a pool-aware TenantContext middleware, this edge only
// attaches a reqctx.Context (middleware.RequestContext) — tenant scoping
// happens per-call inside storage.Postgres.WithTransaction, which already
// reads the tenant id straight off that context. The edge never opens a
// transaction itself.
package api

import (
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	apimw "github.com/parametricportal/trustplane/internal/api/middleware"
	"github.com/parametricportal/trustplane/internal/audit"
	"github.com/parametricportal/trustplane/internal/authstate"
	"github.com/parametricportal/trustplane/internal/circuitbreaker"
	"github.com/parametricportal/trustplane/internal/config"
	"github.com/parametricportal/trustplane/internal/metrics"
	"github.com/parametricportal/trustplane/internal/mfa"
	"github.com/parametricportal/trustplane/internal/oauthclient"
	"github.com/parametricportal/trustplane/internal/policy"
	"github.com/parametricportal/trustplane/internal/ratelimit"
	"github.com/parametricportal/trustplane/internal/session"
	"github.com/parametricportal/trustplane/internal/storage"
	"github.com/parametricportal/trustplane/internal/tenantcrypto"
)

// Server holds every collaborator a handler might need and the chi router
// built from them.
type Server struct {
	Router *chi.Mux

	Config  *config.Config
	Pool    *pgxpool.Pool
	Repo    storage.Repository
	Crypto  *tenantcrypto.Crypto
	Logger  *slog.Logger

	Sessions  *session.Service
	MFA       *mfa.Service
	Auth      *authstate.Machine
	Policy    *policy.Service
	OAuth     *oauthclient.Client
	Limiter   *ratelimit.Limiter
	Breakers  *circuitbreaker.Registry
	Metrics   *metrics.Recorder
	AuditLog  audit.Logger
}

// NewServer wires the full middleware chain and route table described in
// DESIGN.md's internal/api entry.
func NewServer(
	cfg *config.Config,
	pool *pgxpool.Pool,
	repo storage.Repository,
	crypto *tenantcrypto.Crypto,
	sessions *session.Service,
	mfaSvc *mfa.Service,
	authMachine *authstate.Machine,
	policySvc *policy.Service,
	oauth *oauthclient.Client,
	limiter *ratelimit.Limiter,
	breakers *circuitbreaker.Registry,
	metricsRecorder *metrics.Recorder,
	auditLogger audit.Logger,
) *Server {
	s := &Server{
		Config: cfg, Pool: pool, Repo: repo, Crypto: crypto, Logger: slog.Default(),
		Sessions: sessions, MFA: mfaSvc, Auth: authMachine, Policy: policySvc,
		OAuth: oauth, Limiter: limiter, Breakers: breakers, Metrics: metricsRecorder,
		AuditLog: auditLogger,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	r.Use(apimw.RequestContext)
	r.Use(apimw.PanicRecovery)

	requireSession := apimw.RequireSession(sessions, crypto)
	requirePerm := func(resource, action string) func(http.Handler) http.Handler {
		return apimw.RequirePermission(policySvc, resource, action)
	}
	rateLimit := func(preset string) func(http.Handler) http.Handler {
		return apimw.RateLimit(limiter, preset)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/auth", func(r chi.Router) {
		r.Route("/oauth/{provider}", func(r chi.Router) {
			r.Use(rateLimit("auth"))
			r.Get("/initiate", s.handleOAuthInitiate)
			r.Get("/callback", s.handleOAuthCallback)
		})

		r.With(rateLimit("auth")).Post("/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			r.Use(rateLimit("mutation"))

			r.Post("/revoke", s.handleRevoke)
			r.Get("/sessions/current", s.handleSessionCurrent)

			r.Route("/mfa", func(r chi.Router) {
				r.Get("/status", s.handleMFAStatus)
				r.With(requirePerm("mfa", "enroll")).Post("/enroll", s.handleMFAEnroll)
				r.With(requirePerm("mfa", "disable")).Post("/disable", s.handleMFADisable)

				r.Group(func(r chi.Router) {
					r.Use(rateLimit("mfa"))
					r.With(requirePerm("mfa", "verify")).Post("/verify", s.handleMFAVerify)
					r.With(requirePerm("mfa", "recover")).Post("/recover", s.handleMFARecover)
				})
			})
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(requireSession)
		r.Use(rateLimit("api"))

		r.With(requirePerm("admin", "listUsers")).Get("/users", s.handleAdminGetUser)
		r.With(requirePerm("admin", "setRole")).Patch("/users/{userID}/role", s.handleAdminSetRole)
		r.With(requirePerm("admin", "setStatus")).Patch("/users/{userID}/status", s.handleAdminSetStatus)

		r.With(requirePerm("policy", "grant")).Post("/policy/grant", s.handlePolicyGrant)
		r.With(requirePerm("policy", "revoke")).Post("/policy/revoke", s.handlePolicyRevoke)
	})

	s.Router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
