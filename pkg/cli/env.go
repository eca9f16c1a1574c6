package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldops/fieldops/pkg/audit"
	"github.com/fieldops/fieldops/pkg/cascade"
	"github.com/fieldops/fieldops/pkg/config"
	"github.com/fieldops/fieldops/pkg/entity"
	"github.com/fieldops/fieldops/pkg/events"
	"github.com/fieldops/fieldops/pkg/metadata"
	"github.com/fieldops/fieldops/pkg/observability"
	"github.com/fieldops/fieldops/pkg/rbac"
	"github.com/fieldops/fieldops/pkg/storage/postgres"
)

// environment is one wired deployment: registry, database, audit trail and
// the entity service on top of them
type environment struct {
	Config      *config.Config
	Logger      *observability.Logger
	Registry    *metadata.Registry
	Metrics     *observability.Metrics
	Connections *postgres.ConnectionManager
	Redis       *redis.Client
	Publisher   *events.RedisPublisher
	Audit       *audit.MultiLogger
	AuditDB     *audit.DBLogger
	Service     *entity.Service
}

// openEnvironment builds the environment for data commands. Tests replace it.
var openEnvironment = func(ctx context.Context, logOutput io.Writer) (*environment, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, logOutput)
	return newEnvironment(ctx, cfg, logger, nil)
}

// newEnvironment connects everything cfg describes. Metrics are registered on
// promRegistry when it is non-nil and metrics are enabled. Redis is optional:
// when it cannot be reached deletions are not announced.
func newEnvironment(ctx context.Context, cfg *config.Config, logger *observability.Logger, promRegistry *prometheus.Registry) (_ *environment, err error) {
	env := &environment{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			env.Close()
		}
	}()

	env.Registry, err = loadRegistry(cfg.Access.MetadataPath)
	if err != nil {
		return nil, err
	}
	for _, w := range env.Registry.Warnings() {
		logger.WithError(w).Warn("Metadata registry warning")
	}

	if promRegistry != nil && cfg.Observability.MetricsEnabled {
		env.Metrics = observability.NewMetrics(promRegistry)
	}

	env.Connections, err = postgres.NewConnectionManager(cfg.Database.Connection(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.Redis.Enabled() {
		client, err := events.NewRedisClient(ctx, events.ClientOptions{
			URL:        cfg.Redis.URL,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
		})
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, deletion events disabled")
		} else {
			env.Redis = client
			env.Publisher = events.NewRedisPublisher(client, cfg.Redis.Channel, cfg.Redis.KeyPrefix, env.Metrics)
			publisher = env.Publisher
		}
	}

	structured := audit.NewStructuredLogger(logger.WithField("component", "audit"))
	if cfg.Audit.Enabled {
		env.AuditDB, err = audit.NewDBLogger(ctx, env.Connections.Primary(), env.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
		}
		env.Audit = audit.NewMultiLogger(env.AuditDB, structured)
	} else {
		env.Audit = audit.NewMultiLogger(structured)
	}

	env.Service, err = newService(env.Registry, env.Connections, serviceOptions{
		Metrics:       env.Metrics,
		Logger:        logger,
		Audit:         env.Audit,
		Publisher:     publisher,
		MaskCacheSize: cfg.Access.FieldMaskCacheSize,
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Close releases every connection the environment holds
func (env *environment) Close() error {
	if env == nil {
		return nil
	}
	var errs []error
	errs = append(errs, env.closeAudit())
	if env.Redis != nil {
		errs = append(errs, env.Redis.Close())
	}
	if env.Connections != nil {
		errs = append(errs, env.Connections.Close())
	}
	return errors.Join(errs...)
}

// closeAudit flushes the audit sinks and logs writes that failed after Log returned
func (env *environment) closeAudit() error {
	if env.Audit == nil {
		return nil
	}
	err := env.Audit.Close()
	for _, writeErr := range env.Audit.Errors() {
		env.Logger.WithError(writeErr).Warn("Audit event was not written")
	}
	return err
}

func loadRegistry(path string) (*metadata.Registry, error) {
	if path == "" {
		return metadata.Default(), nil
	}
	registry, err := metadata.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata registry: %w", err)
	}
	return registry, nil
}

type serviceOptions struct {
	Metrics       *observability.Metrics
	Logger        *observability.Logger
	Audit         audit.Logger
	Publisher     events.Publisher
	MaskCacheSize int
}

// newService wires the resolver, field masks and delete engine into an entity
// service and registers the built-in delete hooks
func newService(registry *metadata.Registry, connections *postgres.ConnectionManager, opts serviceOptions) (*entity.Service, error) {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.MaskCacheSize <= 0 {
		opts.MaskCacheSize = rbac.DefaultFieldMaskCacheSize
	}

	resolver := rbac.NewResolver(registry.Hierarchy(), registry.PermissionMatrix())
	if err := resolver.Validate(); err != nil {
		return nil, fmt.Errorf("invalid permission matrix: %w", err)
	}

	masks, err := rbac.NewFieldMaskCache(resolver, opts.MaskCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create field mask cache: %w", err)
	}

	logger := opts.Logger
	engine, err := cascade.NewEngine(cascade.Config{
		DB:        connections.Primary(),
		Registry:  registry,
		Metrics:   opts.Metrics,
		Logger:    logger,
		Audit:     opts.Audit,
		Publisher: opts.Publisher,
		OnComplete: func(table string, trail cascade.Trail, err error) {
			if err != nil && trail.Outcome() == string(cascade.StateRollback) {
				logger.WithError(err).WithFields(map[string]interface{}{
					"table": table,
					"trail": trail.String(),
				}).Warn("Delete rolled back")
			}
		},
	})
	if err != nil {
		return nil, err
	}

	service, err := entity.NewService(entity.Config{
		Registry:    registry,
		Resolver:    resolver,
		Connections: connections,
		Masks:       masks,
		Engine:      engine,
		Metrics:     opts.Metrics,
		Logger:      logger,
		Audit:       opts.Audit,
	})
	if err != nil {
		return nil, err
	}

	if _, ok := registry.Lookup("roles"); ok {
		if err := service.RegisterHook("roles", cascade.BlockIfReferenced("users", "role_id")); err != nil {
			return nil, err
		}
	}
	if _, ok := registry.Lookup("users"); ok {
		if err := service.RegisterHook("users", cascade.BlockSelfDelete()); err != nil {
			return nil, err
		}
	}
	return service, nil
}
