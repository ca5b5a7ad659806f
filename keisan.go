// Package keisan is the public API for embedding the keisan calculated-metrics
// server.
//
// Callers construct an App with options and run it until the context ends:
//
//	app, err := keisan.New(ctx,
//	    keisan.WithVersion(version),
//	    keisan.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
package keisan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/keisan/api"
	"github.com/ashita-ai/keisan/internal/config"
	"github.com/ashita-ai/keisan/internal/mcp"
	"github.com/ashita-ai/keisan/internal/ratelimit"
	"github.com/ashita-ai/keisan/internal/server"
	"github.com/ashita-ai/keisan/internal/service/metrics"
	"github.com/ashita-ai/keisan/internal/storage"
	"github.com/ashita-ai/keisan/internal/storage/sqlite"
	"github.com/ashita-ai/keisan/internal/telemetry"
	"github.com/ashita-ai/keisan/migrations"
)

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 15 * time.Second

// backend is the storage surface the App needs from either implementation.
type backend interface {
	metrics.Store
	metrics.CompanyLister
	server.Pinger
}

// App is the keisan server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	srv          *server.Server
	svc          *metrics.Service
	store        backend
	broker       *server.Broker
	limiter      ratelimit.Limiter
	closeStore   func()
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens storage, and wires every subsystem. It does
// not start goroutines or accept connections; call Run for that.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	version := o.version
	if version == "" {
		version = "dev"
	}
	logger.Info("keisan starting", "version", version, "port", cfg.Port, "backend", cfg.StorageBackend)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}

	var notifier metrics.Notifier
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		db, err := openPostgres(ctx, cfg, o, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, err
		}
		a.store = db
		a.closeStore = func() { db.Close(context.Background()) }
		a.broker, notifier = eventWiring(db, logger)
	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.store = store
		a.closeStore = func() {
			if err := store.Close(); err != nil {
				logger.Warn("storage: close sqlite", "error", err)
			}
		}
		a.broker = server.NewBroker(nil, logger)
		notifier = a.broker
	}

	a.svc = metrics.New(a.store, notifier, logger, metrics.Options{
		PreserveManualOverrides: cfg.PreserveManualOverrides,
		SkipCyclicFormulas:      cfg.SkipCyclicFormulas,
	})

	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(a.svc, a.store, logger, version)

	a.srv = server.New(server.ServerConfig{
		MetricsSvc:          a.svc,
		DB:                  a.store,
		Logger:              logger,
		Limiter:             a.limiter,
		Broker:              a.broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		Backend:             cfg.StorageBackend,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return a, nil
}

// notifySource is a Postgres store that may hold a LISTEN connection.
type notifySource interface {
	server.NotificationSource
	metrics.Notifier
	HasNotifyConn() bool
}

// eventWiring picks the broker's source and the service's notifier. With a
// LISTEN connection the database carries events, so every instance's broker
// hears every calculate. Without one, pg_notify would have no listener here,
// so the broker is fed directly and events stay on this instance.
func eventWiring(db notifySource, logger *slog.Logger) (*server.Broker, metrics.Notifier) {
	if db.HasNotifyConn() {
		return server.NewBroker(db, logger), db
	}
	logger.Info("SSE broker: local only (no NOTIFY_URL)")
	broker := server.NewBroker(nil, logger)
	return broker, broker
}

func openPostgres(ctx context.Context, cfg config.Config, o resolvedOptions, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.SetUpsertBatchSize(cfg.UpsertBatch)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extra := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			db.Close(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}
	return db, nil
}

// Handler returns the root HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run serves HTTP, relays notifications to SSE subscribers, and runs the
// scheduled recompute until ctx is cancelled or the server fails. Resources
// are released before Run returns.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.broker.Start(gctx)
		return nil
	})
	if a.cfg.RecomputeInterval > 0 {
		g.Go(func() error {
			a.recomputeLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// recomputeLoop refreshes stored results for every company on a fixed
// interval. Each pass gets at most one interval to finish.
func (a *App) recomputeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RecomputeInterval)
	defer ticker.Stop()

	a.logger.Info("scheduled recompute enabled", "interval", a.cfg.RecomputeInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.recomputeOnce(ctx)
		}
	}
}

func (a *App) recomputeOnce(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, a.cfg.RecomputeInterval)
	defer cancel()

	start := time.Now()
	n, err := a.svc.RecomputeAll(opCtx, a.store)
	if err != nil && ctx.Err() == nil {
		a.logger.Warn("scheduled recompute incomplete", "values", n, "error", err)
		return
	}
	a.logger.Info("scheduled recompute complete", "values", n, "duration_ms", time.Since(start).Milliseconds())
}

func (a *App) close() {
	if err := a.limiter.Close(); err != nil {
		a.logger.Warn("rate limiter close", "error", err)
	}
	a.closeStore()
	if err := a.otelShutdown(context.Background()); err != nil {
		a.logger.Warn("telemetry shutdown", "error", err)
	}
	a.logger.Info("keisan stopped")
}
