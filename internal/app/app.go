// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/driftlab/replygate/internal/admission"
	"github.com/driftlab/replygate/internal/config"
	"github.com/driftlab/replygate/internal/dedup"
	dedupredis "github.com/driftlab/replygate/internal/dedup/redis"
	"github.com/driftlab/replygate/internal/dispatch"
	"github.com/driftlab/replygate/internal/domain"
	"github.com/driftlab/replygate/internal/fetch"
	"github.com/driftlab/replygate/internal/intake"
	"github.com/driftlab/replygate/internal/outcome"
	outcomepostgres "github.com/driftlab/replygate/internal/outcome/postgres"
	"github.com/driftlab/replygate/internal/pipeline"
	"github.com/driftlab/replygate/internal/pkg/ctxlog"
	"github.com/driftlab/replygate/internal/pkg/httputil"
	"github.com/driftlab/replygate/internal/pkg/metrics"
	"github.com/driftlab/replygate/internal/pkg/postgres"
	"github.com/driftlab/replygate/internal/subscription"
	"github.com/driftlab/replygate/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	rdb           *redis.Client
	memGate       *dedup.MemoryGate
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
	workerPool    *dispatch.Pool
	subManager    *subscription.Manager
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		bgCancel: bgCancel,
	}

	store, err := app.setupStore(cfg)
	if err != nil {
		bgCancel()
		return nil, err
	}

	gate, err := app.setupGate(cfg)
	if err != nil {
		app.closeStores()
		bgCancel()
		return nil, err
	}

	fetcher := fetch.NewClient(fetch.Config{
		BaseURL:             cfg.Graph.BaseURL,
		Mailbox:             cfg.Graph.Mailbox,
		TenantID:            cfg.Graph.TenantID,
		ClientID:            cfg.Graph.ClientID,
		ClientSecret:        cfg.Graph.ClientSecret,
		TokenURL:            cfg.Graph.TokenURL,
		Scopes:              cfg.Graph.Scopes,
		NotFoundMaxAttempts: cfg.Fetch.NotFoundMaxAttempts,
		NotFoundBaseDelay:   cfg.Fetch.NotFoundBaseDelay,
		ThrottleBaseDelay:   cfg.Fetch.ThrottleBaseDelay,
		RequestTimeout:      cfg.Fetch.RequestTimeout,
		RateLimit:           cfg.Fetch.RateLimit,
		RateBurst:           cfg.Fetch.RateBurst,
	})

	processor, err := pipeline.NewHTTPProcessor(pipeline.Config{
		URL:     cfg.Pipeline.URL,
		Timeout: cfg.Pipeline.Timeout,
	})
	if err != nil {
		app.closeStores()
		bgCancel()
		return nil, fmt.Errorf("create pipeline processor: %w", err)
	}

	allowList := admission.NewStaticAllowList(cfg.AllowList.Senders)
	correlator := outcome.NewCorrelator(store, fetcher)
	queue := dispatch.NewQueue(cfg.Intake.QueueCapacity)

	app.workerPool = dispatch.NewPool(
		dispatch.PoolConfig{
			NumWorkers:     cfg.Worker.Count,
			MaxAttempts:    cfg.Worker.MaxAttempts,
			RequeueTimeout: cfg.Intake.EnqueueTimeout,
		},
		queue, gate, fetcher, processor, store, correlator, allowList,
	)
	app.workerPool.Start(bgCtx)

	router := intake.NewRouter()
	router.Register(cfg.Subs.PrimaryID, domain.StreamPrimary)
	router.Register(cfg.Subs.SentID, domain.StreamSent)

	clientState := cfg.Webhook.ClientState
	if cfg.Subs.Enabled {
		app.subManager = subscription.NewManager(subscription.Config{
			BaseURL:           cfg.Graph.BaseURL,
			NotificationURL:   cfg.Webhook.PublicURL + "/webhook/notifications",
			ClientState:       clientState,
			PrimaryResource:   cfg.Subs.PrimaryResource,
			SentResource:      cfg.Subs.SentResource,
			ExpirationMinutes: cfg.Subs.ExpirationMinutes,
			RenewInterval:     cfg.Subs.RenewInterval,
			RequestTimeout:    cfg.Fetch.RequestTimeout,
		}, fetcher.HTTPClient(), router)
		clientState = app.subManager.ClientState()
	}

	intakeHandler := intake.NewHandler(intake.Config{
		ClientState:    clientState,
		EnqueueTimeout: cfg.Intake.EnqueueTimeout,
	}, queue, router, allowList)
	outcomeHandler := outcome.NewHandler(store)

	if app.db != nil {
		go app.collectDBMetrics(bgCtx)
	}
	if app.memGate != nil {
		go app.sweepGate(bgCtx)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(intakeHandler, outcomeHandler),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// setupStore builds the outcome store: PostgreSQL when a database URL is
// configured (running migrations first), in-memory otherwise.
func (a *App) setupStore(cfg *config.Config) (outcome.Store, error) {
	if cfg.Database.URL == "" {
		a.logger.Warn("no database configured, outcomes are held in memory")
		return outcome.NewMemoryStore(), nil
	}

	if cfg.Database.Migrate {
		if err := postgres.Migrate(cfg.Database.MigrationsPath, cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer cancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.db = db

	return outcomepostgres.NewRepository(db), nil
}

// setupGate builds the dedup gate: Redis-backed when an address is configured,
// in-memory otherwise.
func (a *App) setupGate(cfg *config.Config) (dedup.Gate, error) {
	gateCfg := dedup.Config{
		CooldownWindow: cfg.Dedup.CooldownWindow,
		FailedTTL:      cfg.Dedup.FailedTTL,
	}

	if cfg.Redis.Addr == "" {
		a.logger.Warn("no redis configured, dedup state is held in memory")
		a.memGate = dedup.NewMemoryGate(gateCfg)
		return a.memGate, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	a.rdb = rdb

	return dedupredis.NewGate(rdb, gateCfg), nil
}

func (a *App) setupRouter(intakeHandler *intake.Handler, outcomeHandler *outcome.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Route("/webhook", func(r chi.Router) {
		intakeHandler.RegisterRoutes(r)
	})

	r.Route("/api/v1", func(r chi.Router) {
		outcomeHandler.RegisterRoutes(r)
	})

	return r
}

// Run starts the HTTP servers and, once they are accepting, the subscription
// manager. Subscription creation must come after listen: the upstream
// validates the notification endpoint synchronously during create.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	if a.subManager != nil {
		go func() {
			if err := a.subManager.Start(context.Background()); err != nil {
				a.logger.Error("subscription setup failed, intake will drop unroutable notifications", "error", err)
			}
		}()
	}

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application: stop intake, drain workers,
// delete subscriptions, close pools.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}

	a.workerPool.Stop()

	if a.subManager != nil {
		a.subManager.Stop()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()
	wg.Wait()

	a.bgCancel()
	a.closeStores()

	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.db != nil {
		a.db.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Error("close redis client", "error", err)
		}
	}
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// sweepGate periodically evicts expired failed records and stale cooldown
// stamps from the in-memory gate.
func (a *App) sweepGate(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := a.memGate.Sweep(); n > 0 {
				a.logger.Debug("swept dedup records", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
			return
		}
	}

	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
