package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/buildplane/backend/auth"
	"github.com/buildplane/backend/config"
	"github.com/buildplane/backend/identity"
	"github.com/buildplane/backend/middleware"
	"github.com/buildplane/backend/repositories"
	"github.com/buildplane/backend/repositories/postgres"
	"github.com/buildplane/backend/services/resilience"
	"github.com/buildplane/backend/services/respcache"
	"github.com/buildplane/backend/services/session"
	"github.com/buildplane/backend/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies. This is the central
// wiring point for dependency injection: every component is constructed
// here with an explicit lifecycle, nothing initializes itself on first
// use.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Redis  *redis.Client // nil when no fast cache tier is configured
	Logger *zap.Logger

	// Repositories
	Profiles repositories.ProfileRepository
	Projects repositories.ProjectReadRepository

	// Core services
	Sessions      *session.Cache
	ResponseCache *respcache.Cache
	FallbackTier  *respcache.MemoryTier
	CacheRules    *config.CacheRules
	Monitor       *resilience.Monitor
	Breaker       *resilience.Breaker
	Permissions   *auth.Table
	Verifier      *identity.Verifier
	HTTPClient    *transport.Client

	// Middleware
	AuthMiddleware  *middleware.AuthMiddleware
	CacheMiddleware *middleware.CacheMiddleware

	stopCh chan struct{}
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		stopCh: make(chan struct{}),
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	deps.initRedis(ctx, cfg)
	if err := deps.initCaches(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize caches: %w", err)
	}
	if err := deps.initAuth(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}
	deps.startWorkers(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the PostgreSQL profile store
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	db, err := postgres.NewDB(cfg.Database, d.Logger)
	if err != nil {
		return err
	}
	d.DB = db

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		return fmt.Errorf("schema init failed: %w", err)
	}

	d.Profiles = postgres.NewProfileRepository(db, d.Logger)
	d.Projects = postgres.NewProjectReadRepository(db, d.Logger)

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initRedis connects the optional fast cache tier. An unreachable Redis
// is logged and kept: the response cache benches it and re-probes on
// its own, so startup never depends on it.
func (d *Dependencies) initRedis(ctx context.Context, cfg *config.Config) {
	if cfg.Redis == nil {
		d.Logger.Info("no fast cache tier configured, running fallback tier only")
		return
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		d.Logger.Warn("fast cache tier unreachable at startup",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err))
	} else {
		d.Logger.Info("fast cache tier connected",
			zap.String("addr", cfg.Redis.Addr))
	}
	d.Redis = client
}

// initCaches builds the session cache and the dual-tier response cache
func (d *Dependencies) initCaches(cfg *config.Config) error {
	d.Sessions = session.NewCache(cfg.Session, d.Logger)

	rules, err := config.LoadCacheRules(cfg.CacheRulesPath, d.Logger)
	if err != nil {
		return fmt.Errorf("cache rules: %w", err)
	}
	if err := rules.Watch(); err != nil {
		d.Logger.Warn("cache rules hot reload unavailable", zap.Error(err))
	}
	d.CacheRules = rules

	d.FallbackTier = respcache.NewMemoryTier(cfg.ResponseCache.FallbackMaxEntries)
	var fast respcache.Tier
	if d.Redis != nil {
		fast = respcache.NewRedisTier(d.Redis)
	}
	d.ResponseCache = respcache.New(fast, d.FallbackTier, cfg.ResponseCache.FastTierCooldown, d.Logger)
	d.CacheMiddleware = middleware.NewCacheMiddleware(d.ResponseCache, rules, d.Logger)
	return nil
}

// initAuth builds the verifier, the resilience pair, the permission
// table and the composing middleware
func (d *Dependencies) initAuth(cfg *config.Config) error {
	table, err := auth.LoadTable(cfg.PermissionsPath, d.Logger)
	if err != nil {
		return fmt.Errorf("permission table: %w", err)
	}
	if err := table.Watch(); err != nil {
		d.Logger.Warn("permission table hot reload unavailable", zap.Error(err))
	}
	d.Permissions = table

	d.HTTPClient = transport.NewClient(
		&http.Client{Timeout: cfg.IdentityProvider.HTTPTimeout},
		transport.Options{
			MaxRetries:  cfg.Retry.MaxRetries,
			BaseDelay:   cfg.Retry.BaseDelay,
			Timeout:     cfg.Retry.Timeout,
			Exponential: cfg.Retry.Exponential,
			Jitter:      cfg.Retry.Jitter,
		},
		d.Logger,
	)
	d.Verifier = identity.NewVerifier(cfg.IdentityProvider, d.Profiles, d.HTTPClient, d.Logger)

	d.Monitor = resilience.NewMonitor(cfg.Resilience, d.Logger)
	d.Breaker = resilience.NewBreaker(cfg.Resilience, d.Logger)

	d.AuthMiddleware = middleware.NewAuthMiddleware(
		d.Sessions, d.Verifier, d.Breaker, d.Monitor, table, d.Logger)

	d.Logger.Info("auth stack initialized",
		zap.String("idp", cfg.IdentityProvider.BaseURL))
	return nil
}

// startWorkers launches the periodic sweeps that keep the event log and
// the fallback cache tier bounded
func (d *Dependencies) startWorkers(cfg *config.Config) {
	go d.Monitor.StartSweepWorker(d.stopCh)
	go d.FallbackTier.StartCleanupWorker(cfg.ResponseCache.CleanupInterval, d.stopCh)
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	close(d.stopCh)

	var errs []error

	if d.CacheRules != nil {
		d.CacheRules.Close()
	}
	if d.Permissions != nil {
		d.Permissions.Close()
	}
	if d.Sessions != nil {
		d.Sessions.Close()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}
