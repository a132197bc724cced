package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/rentalledger/internal/config"
	"github.com/MarkoPoloResearchLab/rentalledger/internal/demand"
	"github.com/MarkoPoloResearchLab/rentalledger/internal/events"
	"github.com/MarkoPoloResearchLab/rentalledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/rentalledger/internal/jobs"
	"github.com/MarkoPoloResearchLab/rentalledger/internal/logging"
	"github.com/MarkoPoloResearchLab/rentalledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/rentalledger/internal/migrate"
	"github.com/MarkoPoloResearchLab/rentalledger/internal/payments"
	"github.com/MarkoPoloResearchLab/rentalledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rentalledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// app holds the wired services and the resources to release on shutdown.
type app struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	services httpapi.Services
	runner   *jobs.Runner
	closers  []func()
}

func (current *app) Close() {
	for index := len(current.closers) - 1; index >= 0; index-- {
		current.closers[index]()
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	application, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
		AdminUserIDs:      cfg.AdminUserIDs,
		HistoryLimit:      cfg.HistoryLimit,
	}, application.services,
		httpapi.WithLogger(application.logger.Named("http")),
		httpapi.WithRequestObserver(application.metrics),
		httpapi.WithFundObserver(application.metrics),
		httpapi.WithMetricsHandler(application.metrics.Handler()),
	)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(groupCtx) })
	group.Go(func() error { return application.runner.Run(groupCtx) })
	return group.Wait()
}

func runJobs(ctx context.Context, cfg config.Config, once bool, names []string) error {
	application, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer application.Close()
	if once {
		return application.runner.RunOnce(ctx, names...)
	}
	if len(names) > 0 {
		return fmt.Errorf("job names are only accepted with --%s", flagOnce)
	}
	return application.runner.Run(ctx)
}

func runMigrate(ctx context.Context, cfg config.Config, up bool) error {
	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if driver == driverSQLite {
		if !up {
			return errors.New("sqlite schemas are auto-migrated and cannot be rolled back")
		}
		db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		return prepareSchema(db, driver)
	}

	migrator, closeDB, err := migrate.Open(cfg.DatabaseURL, logger.Named("migrate"))
	if err != nil {
		return err
	}
	defer func() { _ = closeDB() }()
	if up {
		applied, err := migrator.Up(ctx)
		logger.Info("migrations applied", zap.Int("count", applied))
		return err
	}
	reverted, err := migrator.Down(ctx)
	logger.Info("migration rollback", zap.Bool("reverted", reverted))
	return err
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		return nil, err
	}
	application := &app{logger: logger, metrics: metrics.New()}
	application.closers = append(application.closers, func() { _ = logger.Sync() })
	if err := application.wire(ctx, cfg); err != nil {
		application.Close()
		return nil, err
	}
	return application, nil
}

func (current *app) wire(ctx context.Context, cfg config.Config) error {
	logger := current.logger
	clock := func() int64 { return time.Now().UTC().Unix() }

	gormDB, closeDB, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	current.closers = append(current.closers, func() { _ = closeDB() })
	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	retry := ledger.RetryConfig{MaxRetries: cfg.Retry.MaxRetries, BaseDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay}
	platform, err := ledger.NewUserID(cfg.PlatformAccount)
	if err != nil {
		return err
	}
	fundAccount, err := ledger.NewUserID(cfg.FundAccount)
	if err != nil {
		return err
	}
	currency, err := ledger.NewCurrency(cfg.Currency)
	if err != nil {
		return err
	}

	var ledgerStore ledger.Store = gormstore.NewLedgerStore(gormDB)
	if driver == driverPostgres {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		current.closers = append(current.closers, pool.Close)
		ledgerStore = pgstore.New(pool)
	}
	ledgerService, err := ledger.NewService(ledgerStore, clock,
		ledger.WithOperationLogger(ledger.OperationLoggers{logging.NewOperationLogger(logger.Named("ledger")), current.metrics}),
		ledger.WithSystemAccounts(platform, fundAccount),
		ledger.WithDefaultCurrency(currency),
		ledger.WithDepositExpiry(int64(cfg.DepositExpiry/time.Second)),
		ledger.WithConflictRetry(retry),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	policy, err := cfg.Risk.Policy()
	if err != nil {
		return err
	}
	rates, err := cfg.Risk.StaticRates()
	if err != nil {
		return err
	}
	riskService, err := risk.NewService(gormstore.NewRiskStore(gormDB), rates, policy, clock, risk.WithLogger(logger.Named("risk")))
	if err != nil {
		return fmt.Errorf("risk service init: %w", err)
	}

	parameters, err := cfg.Fund.Parameters()
	if err != nil {
		return err
	}
	fundService, err := fgo.NewService(gormstore.NewFundStore(gormDB), clock,
		fgo.WithLedger(ledgerService),
		fgo.WithFundingAccount(fundAccount),
		fgo.WithConverter(riskService),
		fgo.WithDefaultParameters(parameters),
		fgo.WithConflictRetry(retry),
		fgo.WithLogger(logger.Named("fgo")),
	)
	if err != nil {
		return fmt.Errorf("fund service init: %w", err)
	}

	engine, err := current.pricingEngine(ctx, cfg, gormDB, clock)
	if err != nil {
		return err
	}

	escrowOptions := []escrow.ServiceOption{
		escrow.WithPlatformAccount(platform),
		escrow.WithPlatformFeeBps(cfg.PlatformFeeBps),
		escrow.WithGuaranteeFund(fundService),
		escrow.WithRiskChecker(riskService),
		escrow.WithHoldWindow(int64(cfg.HoldWindow / time.Second)),
		escrow.WithAutoReleaseAfter(int64(cfg.AutoRelease / time.Second)),
		escrow.WithDamageWindow(int64(cfg.DamageWindow / time.Second)),
		escrow.WithConflictRetry(retry),
		escrow.WithLogger(logger.Named("escrow")),
		escrow.WithEventPublisher(logging.NewEventLogger(logger.Named("events"))),
		escrow.WithEventPublisher(current.metrics),
	}
	if cfg.NATSURL != "" {
		publisher, closeNATS, err := events.Connect(ctx, cfg.NATSURL, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		current.closers = append(current.closers, closeNATS)
		escrowOptions = append(escrowOptions, escrow.WithEventPublisher(publisher))
	}
	if cfg.Stripe.SecretKey != "" {
		authorizer, err := payments.NewStripeAuthorizer(payments.Config{
			SecretKey: cfg.Stripe.SecretKey,
			Cards:     payments.StaticCards(cfg.Stripe.Cards),
			Logger:    logger.Named("stripe"),
		})
		if err != nil {
			return err
		}
		escrowOptions = append(escrowOptions, escrow.WithPaymentAuthorizer(authorizer, cfg.Currency))
	}
	escrowService, err := escrow.NewService(gormstore.NewEscrowStore(gormDB), ledgerService, clock, escrowOptions...)
	if err != nil {
		return fmt.Errorf("escrow service init: %w", err)
	}

	current.runner, err = jobs.NewRunner(jobs.Standard(jobs.Services{
		Deposits:  ledgerService,
		Bookings:  escrowService,
		Snapshots: riskService,
		Fund:      fundService,
		Observer:  current.metrics,
	}, cfg.Jobs), jobs.WithLogger(logger), jobs.WithObserver(current.metrics))
	if err != nil {
		return err
	}

	current.services = httpapi.Services{
		Ledger:  ledgerService,
		Escrow:  escrowService,
		Fund:    fundService,
		Risk:    riskService,
		Pricing: engine,
	}
	logger.Info("services wired",
		zap.String("driver", driver),
		zap.Strings("jobs", current.runner.Jobs()),
		zap.Bool("nats", cfg.NATSURL != ""),
		zap.Bool("stripe", cfg.Stripe.SecretKey != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
	)
	return nil
}

func (current *app) pricingEngine(ctx context.Context, cfg config.Config, db *gorm.DB, clock func() int64) (*pricing.Engine, error) {
	snapshot, err := cfg.Pricing.Snapshot()
	if err != nil {
		return nil, err
	}
	factors, err := pricing.NewFactorCache(pricing.StaticFactorSource{Snapshot: snapshot}, clock, int64(cfg.Pricing.CacheTTL/time.Second))
	if err != nil {
		return nil, err
	}

	var demandStore pricing.DemandStore = pricing.NewMemoryDemandStore()
	if cfg.Redis.Addr != "" {
		client, err := demand.Connect(ctx, demand.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		current.closers = append(current.closers, func() { _ = client.Close() })
		demandStore = demand.NewStore(client, demand.WithKeyPrefix(cfg.Redis.KeyPrefix), demand.WithTTL(cfg.Redis.TTL))
	}

	options := []pricing.EngineOption{
		pricing.WithCalculationRecorder(gormstore.NewCalculationStore(db)),
		pricing.WithDemandStaleAfter(int64(cfg.Pricing.DemandStaleAfter / time.Second)),
		pricing.WithLogger(current.logger.Named("pricing")),
	}
	maxDiscount, ok, err := cfg.Pricing.MaxDiscount()
	if err != nil {
		return nil, err
	}
	if ok {
		options = append(options, pricing.WithMaxCombinedDiscount(maxDiscount))
	}
	engine, err := pricing.NewEngine(factors, demandStore, clock, options...)
	if err != nil {
		return nil, fmt.Errorf("pricing engine init: %w", err)
	}
	return engine, nil
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY under concurrent sweeps.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "rentalledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// prepareSchema auto-migrates SQLite. PostgreSQL uses the SQL migrations of `migrate up`.
func prepareSchema(db *gorm.DB, driver string) error {
	if driver != driverSQLite {
		return nil
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
