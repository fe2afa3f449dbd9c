package main

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/parametricportal/trustplane/internal/api"
	"github.com/parametricportal/trustplane/internal/audit"
	"github.com/parametricportal/trustplane/internal/authstate"
	"github.com/parametricportal/trustplane/internal/cache"
	"github.com/parametricportal/trustplane/internal/circuitbreaker"
	"github.com/parametricportal/trustplane/internal/config"
	"github.com/parametricportal/trustplane/internal/eventbus"
	"github.com/parametricportal/trustplane/internal/metrics"
	"github.com/parametricportal/trustplane/internal/mfa"
	"github.com/parametricportal/trustplane/internal/oauthclient"
	"github.com/parametricportal/trustplane/internal/policy"
	"github.com/parametricportal/trustplane/internal/ratelimit"
	"github.com/parametricportal/trustplane/internal/replayguard"
	"github.com/parametricportal/trustplane/internal/session"
	"github.com/parametricportal/trustplane/internal/storage"
	"github.com/parametricportal/trustplane/internal/tenantcrypto"
	"github.com/parametricportal/trustplane/pkg/logger"
)

func main() {
	// We mask errors because in production these files might not exist and
	// we rely on system env vars, same posture as the previous bootstrap.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// No logger yet — this is the one failure with nowhere better to go.
		os.Stderr.WriteString("config_load_failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.Setup(cfg.Env)
	log.Info("application_startup", "env", cfg.Env)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.Env,
		}); err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	} else {
		log.Warn("sentry_dsn_missing", "details", "skipping_init")
	}

	ctx := context.Background()

	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("database_connected")

	repo := storage.NewPostgresRepository(pool)

	crypto, err := tenantcrypto.New(base64.StdEncoding.EncodeToString(cfg.EncryptionKey))
	if err != nil {
		log.Error("tenant_crypto_init_failed", "error", err)
		os.Exit(1)
	}

	// cache.Backend ships one implementation (Redis). CacheBackend/
	// RateLimitBackend are accepted env knobs reserved for a future
	// single-node backend; today both always go through Redis.
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.RedisURL)})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis_ping_failed", "error", err, "details", "continuing, fail-open presets allow requests while redis is unreachable")
	}
	cacheBackend := cache.NewRedisBackend(redisClient)

	metricsRecorder := metrics.New(prometheus.DefaultRegisterer)
	auditLogger := audit.NewJSONLogger()

	bus, err := eventbus.Connect(cfg.NATSURL, cfg.NATSStream, []string{cfg.NATSStream + ".>"})
	if err != nil {
		log.Warn("eventbus_connect_failed", "error", err, "details", "policy change fan-out disabled")
	}
	var policyBus eventbus.Bus
	if bus != nil {
		policyBus = bus
		defer bus.Close()
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{Strategy: circuitbreaker.Consecutive})
	gcCtx, cancelGC := context.WithCancel(ctx)
	defer cancelGC()
	breakers.StartGC(gcCtx, 5*time.Minute, 30*time.Minute)
	metricsRecorder.StartCircuitObserver(gcCtx, breakers, 10*time.Second)

	providers := make(map[string]oauthclient.ProviderConfig, len(cfg.OAuth))
	for name, p := range cfg.OAuth {
		providers[name] = oauthclient.ProviderConfig{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
		}
	}
	oauthClient := oauthclient.New(providers).WithBreakers(breakers)

	guard := replayguard.New(cache.NewRaw(cacheBackend))
	guard.Run(gcCtx, cfg.ReplayGuardGCInterval)
	sessions := session.New(repo, crypto, cacheBackend)
	mfaSvc := mfa.New(cfg.AppName, crypto, repo, guard)
	authMachine := authstate.New(repo, crypto, sessions, mfaSvc, oauthClient, cacheBackend)
	policySvc := policy.New(repo, policy.DefaultRuleSet(), cacheBackend, policyBus, auditLogger, metricsRecorder)

	limiter := ratelimit.New(redisClient)
	limiter.OnStoreFailure = metricsRecorder.RateLimitStoreFailure

	server := api.NewServer(cfg, pool, repo, crypto, sessions, mfaSvc, authMachine, policySvc, oauthClient, limiter, breakers, metricsRecorder, auditLogger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}

		pool.Close()
		log.Info("database_pool_closed")
		log.Info("server_shutdown_complete")
	}
}

// redisAddr strips a redis:// scheme and any path/db-index suffix, since
// go-redis's Options.Addr wants a bare host:port.
func redisAddr(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
