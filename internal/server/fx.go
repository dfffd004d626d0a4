// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/digwatch/internal/api"
	"github.com/JakeFAU/digwatch/internal/config"
	"github.com/JakeFAU/digwatch/internal/coord"
	collyfetcher "github.com/JakeFAU/digwatch/internal/fetcher/colly"
	"github.com/JakeFAU/digwatch/internal/geocode"
	"github.com/JakeFAU/digwatch/internal/ingest"
	"github.com/JakeFAU/digwatch/internal/logging"
	"github.com/JakeFAU/digwatch/internal/notice"
	"github.com/JakeFAU/digwatch/internal/notify"
	"github.com/JakeFAU/digwatch/internal/proximity"
	"github.com/JakeFAU/digwatch/internal/scheduler"
	"github.com/JakeFAU/digwatch/internal/scraper"
	memorystore "github.com/JakeFAU/digwatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/digwatch/internal/storage/postgres"
)

// userStore is what both user backends provide.
type userStore interface {
	notice.UserStore
	notice.LocationStore
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	pool      *pgxpool.Pool
	notices   notice.Store
	users     userStore
	ingester  *ingest.Coordinator
	matcher   *proximity.Matcher
	registry  *notify.Registry
	notifier  *notify.Notifier
	apiServer *api.Server
	scheduler *scheduler.Scheduler
}

// Logger exposes the root logger for command output.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Ingest runs one ingestion outside the server, for the CLI.
func (a *App) Ingest(ctx context.Context, opts ingest.Options) (ingest.Result, error) {
	return a.ingester.Ingest(ctx, opts)
}

// Backfill geocodes stored notices that still lack geometry.
func (a *App) Backfill(ctx context.Context) (ingest.BackfillResult, error) {
	return a.ingester.BackfillMissingGeometry(ctx)
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("geocoding", cfg.Geocode.BaseURL != ""),
	)

	if err := app.setupStores(ctx); err != nil {
		return nil, err
	}
	if err := app.setupIngest(); err != nil {
		_ = app.Close()
		return nil, err
	}
	if err := app.setupAlerts(); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) setupStores(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, using in-memory stores")
		a.notices = memorystore.NewNoticeStore()
		a.users = memorystore.NewUserStore()
		return nil
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		ConnectTimeout:  a.cfg.DB.ConnectTimeout,
	}, a.logger.Named("postgres"))
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	notices, err := pgstore.NewNoticeStore(pool)
	if err != nil {
		return err
	}
	users, err := pgstore.NewUserStore(pool)
	if err != nil {
		return err
	}
	a.notices, a.users = notices, users
	a.logger.Info("postgres stores initialized")
	return nil
}

func (a *App) setupIngest() error {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:          a.cfg.Scraper.UserAgent,
		Timeout:            a.cfg.Scraper.Timeout,
		InsecureSkipVerify: a.cfg.Scraper.InsecureSkipVerify,
	})
	if a.cfg.Scraper.InsecureSkipVerify {
		a.logger.Warn("TLS verification disabled for the listing")
	}
	scrape, err := scraper.New(scraper.Config{
		ListingURL:  a.cfg.Scraper.ListingURL,
		EventTarget: a.cfg.Scraper.EventTarget,
	}, fetcher, a.logger.Named("scraper"))
	if err != nil {
		return fmt.Errorf("scraper init failed: %w", err)
	}

	var geocoder notice.Geocoder = geocode.Disabled{}
	if a.cfg.Geocode.BaseURL != "" {
		transformer := coord.New(coord.Method(a.cfg.Coord.Method), a.logger.Named("coord"))
		geocoder, err = geocode.New(geocode.Options{
			BaseURL:           a.cfg.Geocode.BaseURL,
			CoordinateKey:     a.cfg.Geocode.CoordinateKey,
			Timeout:           a.cfg.Geocode.Timeout,
			RequestsPerSecond: a.cfg.Geocode.RPS,
			Burst:             a.cfg.Geocode.Burst,
			CacheSize:         a.cfg.Geocode.CacheSize,
			UserAgent:         a.cfg.Scraper.UserAgent,
		}, transformer, a.logger.Named("geocode"))
		if err != nil {
			return fmt.Errorf("geocoder init failed: %w", err)
		}
		a.logger.Info("geocoder enabled",
			zap.String("coord_method", string(transformer.Method())),
			zap.Float64("rps", a.cfg.Geocode.RPS),
		)
	} else {
		a.logger.Warn("geocode.base_url not set, notices will be stored without geometry")
	}

	a.ingester, err = ingest.New(a.notices, scrape, geocoder, ingest.Config{
		Concurrency: a.cfg.Geocode.Concurrency,
		BatchSize:   a.cfg.Ingest.BatchSize,
	}, a.logger.Named("ingest"))
	if err != nil {
		return fmt.Errorf("ingest init failed: %w", err)
	}
	return nil
}

func (a *App) setupAlerts() error {
	loc, err := a.cfg.Proximity.Location()
	if err != nil {
		return err
	}
	clock := clockwork.NewRealClock()
	a.matcher, err = proximity.New(a.users, a.notices, a.logger.Named("proximity"),
		proximity.WithClock(clock),
		proximity.WithLocation(loc),
	)
	if err != nil {
		return fmt.Errorf("matcher init failed: %w", err)
	}
	a.registry = notify.NewRegistry(clock, a.logger.Named("registry"))
	a.notifier, err = notify.NewNotifier(a.registry, a.users, a.matcher, a.logger.Named("notify"))
	if err != nil {
		return fmt.Errorf("notifier init failed: %w", err)
	}
	a.apiServer, err = api.NewServer(api.Deps{
		Ingester: a.ingester,
		Matcher:  a.matcher,
		Sweeper:  a.notifier,
		Registry: a.registry,
		Users:    a.users,
	}, a.cfg, a.logger.Named("api"))
	if err != nil {
		return fmt.Errorf("api init failed: %w", err)
	}
	a.scheduler, err = scheduler.New(scheduler.Config{
		SweepSchedule:  a.cfg.Notify.SweepSchedule,
		SweepTimeout:   a.cfg.Notify.SweepTimeout,
		IngestSchedule: a.cfg.Ingest.Schedule,
		IngestTimeout:  a.cfg.Ingest.Timeout,
		MaxPages:       a.cfg.Scraper.MaxPages,
	}, a.notifier, a.ingester, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	return nil
}

// Migrate applies the embedded schema. It is a no-op for in-memory stores.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		a.logger.Info("no database configured, nothing to migrate")
		return nil
	}
	if err := pgstore.Migrate(ctx, a.pool); err != nil {
		return err
	}
	a.logger.Info("schema applied")
	return nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate on start: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	a.scheduler.Start(ctx)
	a.logger.Info("application started")

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Hijacked websocket conns are not tracked by Shutdown.
	a.registry.CloseAll()
	var errs error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		errs = multierr.Append(errs, err)
	}
	select {
	case err := <-serveErr:
		errs = multierr.Append(errs, fmt.Errorf("http server: %w", err))
	default:
	}
	a.logger.Info("shutdown complete")
	return errs
}

// Close releases the database pool and flushes the logger.
func (a *App) Close() error {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if err := a.logger.Sync(); err != nil && !isSyncNoise(err) {
		return fmt.Errorf("logger sync: %w", err)
	}
	return nil
}

// isSyncNoise reports the EINVAL/ENOTTY errors zap returns when syncing a
// terminal stderr.
func isSyncNoise(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
