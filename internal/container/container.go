// Package container wires the schemaguard components from configuration.
package container

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/satishbabariya/schemaguard/internal/audit"
	"github.com/satishbabariya/schemaguard/internal/config"
	"github.com/satishbabariya/schemaguard/internal/telemetry"
	"github.com/satishbabariya/schemaguard/migrate/dependency"
	"github.com/satishbabariya/schemaguard/migrate/executor"
	"github.com/satishbabariya/schemaguard/migrate/history"
	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/lock"
	"github.com/satishbabariya/schemaguard/migrate/mitigation"
	"github.com/satishbabariya/schemaguard/migrate/risk"
	"github.com/satishbabariya/schemaguard/migrate/safety"
	"github.com/satishbabariya/schemaguard/migrate/snapshot"
	"github.com/satishbabariya/schemaguard/migrate/staging"
	"github.com/satishbabariya/schemaguard/migrate/validation"
)

// Container holds all application dependencies.
type Container struct {
	Config   *config.Config
	DB       *sql.DB
	Provider string
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *telemetry.Metrics
	Audit    *audit.Recorder

	Catalog      introspect.Introspector
	Analyzer     *dependency.Suite
	Risk         *risk.Engine
	Mitigation   *mitigation.Planner
	Locks        *lock.Manager
	Executor     *executor.DDLExecutor
	History      *history.Manager
	Snapshots    *snapshot.Manager
	Validation   *validation.Manager
	Staging      *staging.Manager
	Orchestrator *safety.Orchestrator

	closers []func(context.Context) error
}

// Option adjusts a container before it is built.
type Option func(*options)

type options struct {
	db        *sql.DB
	auditSink audit.Sink
	lockStore lock.Store
}

// WithDB uses an already open database instead of opening cfg.Database.URL.
// The container does not close it.
func WithDB(db *sql.DB) Option {
	return func(o *options) { o.db = db }
}

// WithAuditSink sends audit events to sink as well as the log.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *options) { o.auditSink = sink }
}

// WithLockStore overrides the configured lock backend.
func WithLockStore(s lock.Store) Option {
	return func(o *options) { o.lockStore = s }
}

// New opens the database and builds every component. Close releases what
// New acquired, also when New fails halfway.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (c *Container, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c = &Container{Config: cfg, Logger: logger, Provider: introspect.NormalizeProvider(cfg.Database.Provider)}
	defer func() {
		if err != nil {
			err = errors.Join(err, c.Close(context.WithoutCancel(ctx)))
			c = nil
		}
	}()

	if err := c.openDB(ctx, o.db); err != nil {
		return c, err
	}

	c.Registry = prometheus.NewRegistry()
	c.Metrics = telemetry.NewMetrics(c.Registry)
	sink := audit.Sink(audit.NewZapSink(logger))
	if o.auditSink != nil {
		sink = audit.Multi(sink, o.auditSink)
	}
	c.Audit = audit.NewRecorder(sink, cfg.Actor)

	if c.Catalog, err = introspect.NewIntrospector(c.DB, c.Provider); err != nil {
		return c, err
	}
	c.Analyzer = dependency.NewSuite(c.Catalog, logger)

	riskCfg, err := cfg.RiskConfig()
	if err != nil {
		return c, err
	}
	if c.Risk, err = risk.NewEngine(riskCfg, logger); err != nil {
		return c, err
	}
	if c.Mitigation, err = c.planner(); err != nil {
		return c, err
	}

	if err := c.buildLocks(ctx, o.lockStore); err != nil {
		return c, err
	}

	c.History = history.NewManager(c.DB, c.Provider)
	if c.Executor, err = executor.NewDDLExecutor(c.DB, c.Provider,
		executor.WithHistory(c.History), executor.WithLogger(logger)); err != nil {
		return c, err
	}

	store := snapshot.NewFileStore(config.AppFs, cfg.Snapshot.Dir)
	if c.Snapshots, err = snapshot.NewManager(c.DB, c.Provider, store,
		snapshot.WithExecutor(c.Executor),
		snapshot.WithIntrospector(c.Catalog),
		snapshot.WithMetrics(c.Metrics),
		snapshot.WithLogger(logger),
	); err != nil {
		return c, err
	}

	vopts := []validation.Option{
		validation.WithLogger(logger),
		validation.WithMetrics(c.Metrics),
		validation.WithAudit(c.Audit),
		validation.WithCatalog(c.Catalog),
		validation.WithLocks(c.Locks),
		validation.WithSnapshotOptions(snapshot.Options{
			DataChecksums:       cfg.Snapshot.DataChecksums,
			PerformanceBaseline: cfg.Snapshot.PerformanceBaseline,
		}),
	}
	if cfg.Validation.MonitorInterval > 0 {
		vopts = append(vopts, validation.WithMonitorInterval(cfg.Validation.MonitorInterval))
	}
	if cfg.Validation.ValidatorTimeout > 0 {
		vopts = append(vopts, validation.WithValidatorTimeout(cfg.Validation.ValidatorTimeout))
	}
	if c.Validation, err = validation.NewManager(c.DB, c.Provider, c.Executor, c.Snapshots, vopts...); err != nil {
		return c, err
	}

	if err := c.buildStaging(); err != nil {
		// A missing staging environment is not fatal: the orchestrator
		// treats it as a provision failure per run.
		logger.Warn("staging unavailable", zap.Error(err))
	}

	components := safety.Components{
		Analyzer:   c.Analyzer,
		Risk:       c.Risk,
		Mitigation: c.Mitigation,
		Locks:      c.Locks,
		Validation: c.Validation,
		Snapshots:  c.Snapshots,
	}
	if c.Staging != nil {
		components.Staging = c.Staging
	}
	c.Orchestrator, err = safety.New(components,
		safety.WithLogger(logger),
		safety.WithMetrics(c.Metrics),
		safety.WithAudit(c.Audit),
	)
	return c, err
}

func (c *Container) openDB(ctx context.Context, db *sql.DB) error {
	if db != nil {
		c.DB = db
		return nil
	}
	if c.Config.Database.URL == "" {
		return errors.New("no database configured: set database.url or DATABASE_URL")
	}
	driver := introspect.DriverName(c.Provider)
	if driver == "" {
		return fmt.Errorf("%w: %s", introspect.ErrUnsupportedProvider, c.Config.Database.Provider)
	}
	db, err := sql.Open(driver, c.Config.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	c.DB = db
	c.closers = append(c.closers, func(context.Context) error { return db.Close() })
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func (c *Container) planner() (*mitigation.Planner, error) {
	cfg := c.Config.Mitigation
	catalog := mitigation.DefaultCatalog()
	if cfg.CatalogPath != "" {
		f, err := config.AppFs.Open(cfg.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open strategy catalog: %w", err)
		}
		override, err := mitigation.LoadCatalog(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		catalog = catalog.Merge(override)
	}
	opts := []mitigation.PlannerOption{mitigation.WithLogger(c.Logger)}
	if cfg.Floor > 0 {
		opts = append(opts, mitigation.WithFloor(cfg.Floor))
	}
	if cfg.StagingLevel != "" {
		level, err := risk.ParseLevel(cfg.StagingLevel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mitigation.WithStagingLevel(level))
	}
	return mitigation.NewPlanner(catalog, opts...), nil
}

func (c *Container) buildLocks(ctx context.Context, store lock.Store) error {
	cfg := c.Config.Lock
	if store == nil {
		switch cfg.Backend {
		case config.BackendRedis:
			client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
			if err := client.Ping(ctx).Err(); err != nil {
				client.Close()
				return fmt.Errorf("failed to reach redis lock backend: %w", err)
			}
			store = lock.NewRedisStore(client, "")
		case config.BackendPostgres:
			store = lock.NewPostgresStore(c.DB)
		default:
			store = lock.NewMemoryStore()
		}
	}

	opts := []lock.Option{
		lock.WithLogger(c.Logger),
		lock.WithMetrics(c.Metrics),
		lock.WithAudit(c.Audit),
		lock.WithDefaults(cfg.DefaultTimeout, cfg.DefaultTTL),
	}
	if cfg.ReapInterval > 0 {
		opts = append(opts, lock.WithReapInterval(cfg.ReapInterval))
	}
	c.Locks = lock.NewManager(store, opts...)
	c.closers = append(c.closers, func(context.Context) error { return c.Locks.Close() })
	return c.Locks.Start(context.WithoutCancel(ctx))
}

func (c *Container) buildStaging() error {
	cfg := c.Config
	var prov staging.Provisioner
	switch c.Provider {
	case introspect.ProviderSQLite:
		dir := cfg.Staging.Dir
		if dir == "" {
			dir = os.TempDir()
		}
		prov = &staging.SQLiteProvisioner{Dir: dir, Fs: config.AppFs}
	default:
		dsn := cfg.Database.ShadowURL
		if dsn == "" {
			dsn = cfg.Database.URL
		}
		sp, err := staging.NewShadowProvisioner(c.Provider, dsn)
		if err != nil {
			return err
		}
		prov = sp
	}

	opts := []staging.Option{
		staging.WithLogger(c.Logger),
		staging.WithMetrics(c.Metrics),
		staging.WithAudit(c.Audit),
		staging.WithCatalog(c.Catalog),
	}
	if cfg.Staging.SampleRows > 0 {
		opts = append(opts, staging.WithSampleRows(cfg.Staging.SampleRows))
	}
	if cfg.Staging.StratifyColumn != "" {
		opts = append(opts, staging.WithStratifyColumn(cfg.Staging.StratifyColumn))
	}
	m, err := staging.NewManager(c.DB, c.Provider, prov, opts...)
	if err != nil {
		return err
	}
	c.Staging = m
	c.closers = append(c.closers, m.Close)
	return nil
}

// StagingDefaults returns the configured sampling strategy and limits.
func (c *Container) StagingDefaults() (staging.SamplingStrategy, staging.ResourceLimits) {
	strategy, err := staging.ParseSamplingStrategy(c.Config.Staging.Sampling)
	if err != nil {
		strategy = staging.Representative
	}
	return strategy, c.Config.StagingLimits()
}

// Close releases everything New acquired, newest first.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
