package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/kubilitics/authd/internal/api/middleware"
	"github.com/kubilitics/authd/internal/api/rest"
	"github.com/kubilitics/authd/internal/authn"
	"github.com/kubilitics/authd/internal/captcha"
	"github.com/kubilitics/authd/internal/config"
	"github.com/kubilitics/authd/internal/crypto/password"
	"github.com/kubilitics/authd/internal/geo"
	"github.com/kubilitics/authd/internal/passkey"
	"github.com/kubilitics/authd/internal/pkg/logger"
	"github.com/kubilitics/authd/internal/pkg/tracing"
	"github.com/kubilitics/authd/internal/ratelimit"
	"github.com/kubilitics/authd/internal/rbac"
	"github.com/kubilitics/authd/internal/repository"
	"github.com/kubilitics/authd/internal/risk"
	"github.com/kubilitics/authd/internal/token"
)

func main() {
	stdlog := logger.StdLogger()
	stdlog.Info("authd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		stdlog.Warn("failed to load config, using defaults", "error", err)
		cfg = &config.Config{
			Port:           8080,
			DatabasePath:   "./authd.db",
			AllowedOrigins: []string{"*"},
		}
	}

	repo, err := repository.NewSQLiteRepository(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer repo.Close()

	if cfg.TracingEnabled {
		shutdownTracing, err := tracing.Init(cfg.TracingServiceName, cfg.TracingEndpoint, cfg.TracingSamplingRate)
		if err != nil {
			stdlog.Warn("failed to initialize tracing", "error", err)
		} else {
			defer shutdownTracing()
		}
	}

	var redisClient *redis.Client
	if cfg.RateLimitRedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RateLimitRedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			stdlog.Warn("redis unreachable, falling back to in-memory stores", "error", err)
			redisClient = nil
		}
	}

	var limiterStore ratelimit.Store
	if redisClient != nil {
		limiterStore = ratelimit.NewRedisStore(redisClient)
	} else {
		limiterStore = ratelimit.NewMemoryStore()
	}
	limiterPolicy := ratelimit.DefaultPolicy
	limiterPolicy.FailOpen = cfg.RateLimitFailOpen
	limiter := ratelimit.New(limiterStore, limiterPolicy)

	var geoReader geo.Reader
	if cfg.GeoCityDBPath != "" || cfg.GeoASNDBPath != "" {
		r, closeGeo, err := geo.Open(cfg.GeoCityDBPath, cfg.GeoASNDBPath)
		if err != nil {
			stdlog.Warn("failed to open GeoIP databases, geo/risk signals degrade to unknown", "error", err)
		} else {
			geoReader = r
			defer closeGeo()
		}
	}
	geoResolver := geo.NewResolver(geoReader, repo)
	riskEngine := risk.New(geoResolver, repo, repo)

	var sharedCache token.SharedCache
	if redisClient != nil {
		sharedCache = token.NewRedisCache(redisClient)
	}
	issuer, err := token.New(token.Config{
		Issuer:   cfg.TokenIssuer,
		Audience: cfg.TokenAudience,
		Secret:   cfg.TokenSigningSecret,
	}, repo, repo, sharedCache)
	if err != nil {
		log.Fatalf("failed to build token issuer: %v", err)
	}

	invalidator := rbac.NewInvalidator()
	rbacResolver, err := rbac.NewResolver(repo, invalidator)
	if err != nil {
		log.Fatalf("failed to build rbac resolver: %v", err)
	}

	var captchaGate authn.CaptchaGate
	if cfg.CaptchaEnabled && cfg.CaptchaProvider != "none" {
		verifier := captcha.NewHTTPVerifier(cfg.CaptchaVerifyURL, cfg.CaptchaSecret, http.DefaultClient)
		captchaGate = captcha.NewGate(cfg.CaptchaProvider, verifier)
	}

	mfaEnforcedRoles := map[string]bool{}
	for _, roleID := range splitAndTrim(cfg.MFAEnforcedRoles) {
		mfaEnforcedRoles[roleID] = true
	}

	pipeline := authn.New(authn.Config{
		LockoutThreshold:      cfg.LockoutThreshold,
		LockoutDuration:       time.Duration(cfg.LockoutDurationSec) * time.Second,
		RateLimitIPLimit:      cfg.RateLimitIPLimit,
		RateLimitIPWindow:     time.Duration(cfg.RateLimitIPWindowSec) * time.Second,
		RateLimitUserLimit:    cfg.RateLimitUserLimit,
		RateLimitUserWindow:   time.Duration(cfg.RateLimitUserWindowSec) * time.Second,
		CaptchaTripThreshold:  cfg.CaptchaTripThreshold,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		MFAEnforcedRoles:      mfaEnforcedRoles,
		MFARequired:           cfg.MFARequired,
		MFAEncryptionKey:      cfg.MFAEncryptionKey,
	}, repo, repo, repo, repo, limiter, riskEngine, captchaGate, issuer)

	policy := passwordPolicyFromConfig(cfg)

	var challengeStore passkey.ChallengeStore
	if redisClient != nil {
		challengeStore = passkey.NewRedisChallengeStore(redisClient)
	} else {
		challengeStore = passkey.NewMemoryChallengeStore()
	}
	passkeyCeremony, err := passkey.New(passkey.Config{
		RPID:          cfg.WebAuthnRPID,
		RPDisplayName: cfg.WebAuthnRPDisplayName,
		RPOrigins:     cfg.WebAuthnRPOrigins,
	}, repo, repo, challengeStore)
	if err != nil {
		log.Fatalf("failed to build passkey ceremony: %v", err)
	}

	authHandler := rest.NewAuthHandler(pipeline, issuer, rbacResolver, repo, policy, cfg.MFAEncryptionKey)
	auditHandler := rest.NewAuditHandler(repo)
	healthzHandler := rest.NewHealthzHandler(repo)
	passkeyHandler := rest.NewPasskeyHandler(passkeyCeremony, pipeline, repo)

	oidcHandler, err := rest.NewOIDCHandler(ctx, cfg, repo, issuer)
	if err != nil {
		stdlog.Warn("OIDC federation disabled: provider setup failed", "error", err)
		oidcHandler = nil
	}
	samlHandler, err := rest.NewSAMLHandler(ctx, cfg, repo, issuer)
	if err != nil {
		stdlog.Warn("SAML federation disabled: provider setup failed", "error", err)
		samlHandler = nil
	}

	router := mux.NewRouter()

	router.HandleFunc("/healthz/live", healthzHandler.Live).Methods("GET")
	router.HandleFunc("/healthz/ready", healthzHandler.Ready).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	authHandler.RegisterRoutes(apiRouter)
	passkeyHandler.RegisterRoutes(apiRouter)
	apiRouter.HandleFunc("/audit-log", auditHandler.ListAuthEvents).Methods("GET")
	oidcHandler.RegisterRoutes(apiRouter)
	samlHandler.RegisterRoutes(apiRouter)

	apiRouter.Use(middleware.Auth(issuer, middleware.AuthOptional))
	apiRouter.Use(adminPathGuard(rbacResolver))
	apiRouter.Use(middleware.AuditLog(repo))
	router.Use(middleware.RequestID)
	router.Use(middleware.StructuredLog)
	router.Use(middleware.SecureHeaders)
	router.Use(middleware.RateLimit())
	router.Use(middleware.Tracing)
	router.Use(middleware.MetricsAuth(cfg, issuer))
	router.Use(middleware.CORSValidation(cfg, stdlog))
	router.Use(recoveryMiddleware)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	handlerWithCORS := corsHandler.Handler(router)

	readTimeout := 15 * time.Second
	writeTimeout := 15 * time.Second
	if cfg.RequestTimeoutSec > 0 {
		readTimeout = time.Duration(cfg.RequestTimeoutSec) * time.Second
		writeTimeout = time.Duration(cfg.RequestTimeoutSec) * time.Second
	}
	shutdownTimeout := 10 * time.Second
	if cfg.ShutdownTimeoutSec > 0 {
		shutdownTimeout = time.Duration(cfg.ShutdownTimeoutSec) * time.Second
	}

	maxPort := cfg.Port + 99
	if maxPort > 65535 {
		maxPort = 65535
	}
	var listener net.Listener
	var actualPort int
	for port := cfg.Port; port <= maxPort; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			var errno *syscall.Errno
			if errors.As(err, &errno) && *errno == syscall.EADDRINUSE {
				continue
			}
			log.Fatalf("failed to listen: %v", err)
		}
		listener = l
		actualPort = port
		break
	}
	if listener == nil {
		log.Fatalf("no port available in range %d..%d", cfg.Port, maxPort)
	}
	defer listener.Close()

	srv := &http.Server{
		Handler:      handlerWithCORS,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		stdlog.Info("authd listening", "port", actualPort, "tls", cfg.TLSEnabled)
		var serveErr error
		if cfg.TLSEnabled {
			serveErr = srv.ServeTLS(listener, cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr = srv.Serve(listener)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatalf("server failed: %v", serveErr)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stdlog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		stdlog.Warn("forced shutdown", "error", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	stdlog.Info("authd exited")
}

// adminPathGuard gates /users* and /audit-log behind RBAC permission checks;
// every other route under /api/v1 is left to its own handler's auth logic.
// A dedicated guard (rather than splitting AuthHandler's RegisterRoutes
// across multiple subrouters) keeps the route table in one place.
func adminPathGuard(resolver *rbac.Resolver) func(http.Handler) http.Handler {
	userWrite := middleware.RequirePermission(resolver, "users:write")
	userRead := middleware.RequirePermission(resolver, "users:read")
	auditRead := middleware.RequirePermission(resolver, "audit:read")
	return func(next http.Handler) http.Handler {
		writeNext := userWrite(next)
		readNext := userRead(next)
		auditNext := auditRead(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.URL.Path == "/api/v1/audit-log":
				auditNext.ServeHTTP(w, r)
			case strings.HasPrefix(r.URL.Path, "/api/v1/users"):
				if r.Method == http.MethodGet {
					readNext.ServeHTTP(w, r)
				} else {
					writeNext.ServeHTTP(w, r)
				}
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("panic recovered: %v", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// passwordPolicyFromConfig maps the operator-tunable fields config exposes
// onto password.Policy, keeping the consecutive-run check at the library
// default since no config knob for it exists.
func passwordPolicyFromConfig(cfg *config.Config) password.Policy {
	p := password.DefaultPolicy()
	if cfg.PasswordMinLength > 0 {
		p.MinLength = cfg.PasswordMinLength
	}
	p.RequireUppercase = cfg.PasswordRequireUppercase
	p.RequireLowercase = cfg.PasswordRequireLowercase
	p.RequireNumbers = cfg.PasswordRequireNumbers
	p.RequireSpecial = cfg.PasswordRequireSpecial
	return p
}

func splitAndTrim(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
