package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/config"
	"github.com/priorauth/priorauth/internal/domain/priorauth"
	"github.com/priorauth/priorauth/internal/platform/auth"
	"github.com/priorauth/priorauth/internal/platform/automation"
	"github.com/priorauth/priorauth/internal/platform/db"
	"github.com/priorauth/priorauth/internal/platform/fanout"
	"github.com/priorauth/priorauth/internal/platform/metrics"
	"github.com/priorauth/priorauth/internal/platform/middleware"
	"github.com/priorauth/priorauth/internal/platform/openapi"
	"github.com/priorauth/priorauth/internal/platform/upstream"
	"github.com/priorauth/priorauth/internal/platform/validation"
)

const callbackPrefix = "/api/v1/automation"

// server is the assembled HTTP service and the resources it owns.
type server struct {
	*echo.Echo
	cfg     *config.Config
	closers []func()
}

// Close releases store connections. Call after Shutdown.
func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// Start listens on addr, with TLS when configured.
func (s *server) Start(addr string) error {
	var err error
	if s.cfg.TLSEnabled {
		err = s.Echo.StartTLS(addr, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		err = s.Echo.Start(addr)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// openStore connects the configured backend.
func (s *server) openStore(ctx context.Context, logger zerolog.Logger) (priorauth.Store, db.HealthCheck, error) {
	switch s.cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, s.cfg.DatabaseURL, s.cfg.DBMaxConns, s.cfg.DBMinConns, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		logger.Info().Msg("connected to database")
		return priorauth.NewPGStore(pool), db.PostgresCheck(pool), nil
	case config.StoreRedis:
		client, err := db.NewRedisClient(ctx, s.cfg.RedisURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		s.closers = append(s.closers, func() { client.Close() })
		logger.Info().Msg("connected to redis")
		return priorauth.NewRedisStore(client, s.cfg.RedisNamespace), db.RedisCheck(client), nil
	default:
		logger.Warn().Msg("using in-memory store: data is lost on restart")
		return priorauth.NewMemoryStore(), nil, nil
	}
}

// intakeDeps builds the upstream collaborators that are configured. Unset
// URLs leave the matching dependency nil.
func intakeDeps(cfg *config.Config) (priorauth.IntakeDeps, error) {
	var deps priorauth.IntakeDeps

	if cfg.PayerRulesFile != "" {
		rules, err := validation.LoadFile(cfg.PayerRulesFile)
		if err != nil {
			return deps, fmt.Errorf("load payer rules: %w", err)
		}
		deps.Rules = rules
		if cfg.PayerAPIURL == "" {
			deps.Payers = upstream.NewStaticPayerLookup(rules.Payers())
		}
	}
	if cfg.PayerAPIURL != "" {
		deps.Payers = upstream.NewCachedPayerLookup(
			upstream.NewPayerClient(cfg.PayerAPIURL, cfg.UpstreamTimeout), cfg.PayerCacheTTL)
	}
	if cfg.ClassifierURL != "" {
		deps.Classifier = upstream.NewClassifier(cfg.ClassifierURL, cfg.UpstreamTimeout)
	}
	if cfg.PatientAPIURL != "" {
		deps.Patients = upstream.NewPatientClient(cfg.PatientAPIURL, cfg.UpstreamTimeout)
	}
	if cfg.AutomationWebhookURL != "" {
		deps.Trigger = automation.NewClient(cfg.AutomationWebhookURL,
			automation.WithSecret(cfg.AutomationSecret),
			automation.WithTimeout(cfg.UpstreamTimeout),
			automation.WithCallbackURL(cfg.CallbackURL()))
	}
	return deps, nil
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	s := &server{cfg: cfg}

	store, storeCheck, err := s.openStore(ctx, logger)
	if err != nil {
		return nil, err
	}
	deps, err := intakeDeps(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	hub := fanout.NewHub()
	opts := []priorauth.Option{
		priorauth.WithMaxConflictRetries(cfg.MaxConflictRetries),
		priorauth.WithWriteTimeout(cfg.WriteTimeout),
	}
	reconciler := priorauth.NewReconciler(store, hub, logger, opts...)
	actions := priorauth.NewActionQueue(store, hub, logger, opts...)
	intake := priorauth.NewIntakeService(store, hub, logger, deps, opts...)
	handler := priorauth.NewHandler(reconciler, actions, intake, priorauth.NewDashboard(store))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.Echo = e

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, automation.SignatureHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/ws", "/api/v1/events"))

	// Auth middleware. The callback route carries an HMAC signature instead.
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.Skipper(callbackPrefix + "/"),
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(cfg.StoreBackend, storeCheck))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"version": version})
	})

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))
	callbacks := e.Group(callbackPrefix, automation.RequireSignature(cfg.CallbackSecret))
	handler.RegisterRoutes(apiV1, callbacks)

	canRead := auth.RequireRole(auth.RoleCoordinator, auth.RoleViewer)
	fanout.NewSSEHandler(hub, logger).RegisterRoutes(apiV1, canRead)
	fanout.NewWebSocketHandler(hub, logger).RegisterRoutes(e.Group(""), canRead)

	docs := openapi.NewGenerator(e, "Prior Authorization API", version)
	priorauth.DescribeAPI(docs)
	docs.RegisterRoutes(e.Group(""))

	return s, nil
}
