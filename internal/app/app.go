// Package app wires the configuration, stores, services and HTTP
// surface into one runnable server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"sentineld/internal/config"
	"sentineld/internal/files"
	"sentineld/internal/infrastructure"
	"sentineld/internal/license"
	customMiddleware "sentineld/internal/middleware"
	"sentineld/internal/store"
	"sentineld/internal/telemetry"
	transport "sentineld/internal/transport/http"
	"sentineld/internal/verify"
	"sentineld/internal/websocket"
)

// Application holds every long-lived component of the server.
type Application struct {
	Config *config.Config
	Logger *slog.Logger
	Server *http.Server

	store     *store.Store
	hub       *websocket.Hub
	scheduler *telemetry.Scheduler
	geoip     *telemetry.GeoIPResolver
	otel      *infrastructure.OTelProviders
}

// New loads configuration and builds the full dependency graph.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(logger)

	providers, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry providers: %w", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	fm, err := files.NewManager(cfg.Paths.BinariesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact storage: %w", err)
	}

	app := &Application{
		Config: cfg,
		Logger: logger,
		store:  st,
		otel:   providers,
	}

	app.hub = websocket.NewHub(logger)

	metrics, err := verify.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to register engine metrics: %w", err)
	}
	engine := verify.NewEngine(st, app.hub, logger, metrics)

	cache := license.NewCache(cfg.Verify.SnapshotCacheTTL, cfg.Verify.SnapshotCacheSize)
	licenseService := license.NewService(st, cache, app.hub, logger)

	var resolver telemetry.Resolver
	if cfg.Paths.GeoIPDB != "" {
		geoip, err := telemetry.OpenGeoIP(cfg.Paths.GeoIPDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open geoip database: %w", err)
		}
		app.geoip = geoip
		resolver = geoip
	}
	aggregator := telemetry.NewAggregator(st, resolver, logger)
	app.scheduler = telemetry.NewScheduler(aggregator, cfg.Telemetry.Window, logger)

	router := app.buildRouter(engine, licenseService, aggregator, fm)
	app.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	return app, nil
}

func (a *Application) buildRouter(
	engine *verify.Engine,
	licenseService *license.Service,
	aggregator *telemetry.Aggregator,
	fm *files.Manager,
) chi.Router {
	cfg := a.Config
	logger := a.Logger

	auth := customMiddleware.NewAuthenticator(cfg.Security.DashboardTokenHashes, logger)
	verifyHandler := transport.NewVerifyHandler(engine, logger)
	licenseHandler := transport.NewLicenseHandler(licenseService, logger)
	binaryHandler := transport.NewBinaryHandler(a.store, fm, cfg.Verify.DownloadTokenTTL, logger)
	analyticsHandler := transport.NewAnalyticsHandler(aggregator, a.scheduler, cfg.Telemetry.Window, logger)
	healthHandler := transport.NewHealthHandler(a.store, infrastructure.ServiceVersion)

	r := chi.NewRouter()
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(customMiddleware.StructuredLogger(logger))
	r.Use(customMiddleware.Recoverer(logger))
	r.Use(customMiddleware.SecurityHeaders)
	r.Use(customMiddleware.Compress(5))
	if cfg.Security.EnableCORS {
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins: cfg.Security.AllowedOrigins,
		}))
	}

	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	if a.otel.PrometheusHTTP != nil {
		r.Handle("/metrics", a.otel.PrometheusHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Machine-facing: license capability auth only. A dashboard
		// bearer token on this route is rejected outright.
		r.Group(func(r chi.Router) {
			r.Use(auth.RejectDashboard)
			if cfg.Security.RateLimit.Enabled {
				limiter := customMiddleware.NewRateLimiter(
					cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, logger)
				r.Use(limiter.Handler)
			}
			r.Mount("/verify", verifyHandler.Routes())
		})

		// Dashboard-facing: bearer token required everywhere.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireDashboard)
			r.Mount("/license", licenseHandler.Routes())
			r.Mount("/licenses", licenseHandler.ListRoutes())
			r.Mount("/binary", binaryHandler.Routes())
			r.Get("/binaries", binaryHandler.List)
			r.Get("/download/{binaryID}", binaryHandler.Download)
			r.Get("/analytics", analyticsHandler.Analytics)
			r.Get("/telemetry/dashboard", analyticsHandler.Dashboard)
			r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
				websocket.ServeWS(a.hub, w, req, logger)
			})
		})
	})

	return r
}

// Run starts every component and blocks until shutdown completes.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		return a.scheduler.Start(ctx, a.Config.Telemetry.RefreshSchedule)
	})

	g.Go(func() error {
		a.Logger.Info("server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *Application) shutdown() error {
	a.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("server shutdown failed: %w", err)
	}

	a.scheduler.Stop()
	a.hub.Stop()

	if a.geoip != nil {
		if err := a.geoip.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.otel.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := infrastructure.CloseLogFile(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.Logger.Info("shutdown complete")
	return firstErr
}
