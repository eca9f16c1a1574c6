package cli

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fieldops/fieldops/pkg/audit"
	"github.com/fieldops/fieldops/pkg/config"
	"github.com/fieldops/fieldops/pkg/events"
	"github.com/fieldops/fieldops/pkg/observability"
)

// Version is reported by the readiness probe
var Version = "dev"

func newServeCommand() *Command {
	cmd := &Command{
		Name:        "serve",
		Description: "Run the service: health and metrics endpoints, audit retention, deletion events",
		Flags:       flag.NewFlagSet("serve", flag.ContinueOnError),
	}

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
			WithField("service", cfg.Observability.OTelServiceName)
		return serve(cfg, logger)
	}
	return cmd
}

func serve(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	env, err := newEnvironment(ctx, cfg, logger, promRegistry)
	if err != nil {
		if shutdownErr := observability.ShutdownOTel(ctx, otelProviders, logger); shutdownErr != nil {
			logger.WithError(shutdownErr).Warn("OpenTelemetry shutdown failed")
		}
		return err
	}
	env.Audit.SetAsync(true)
	logger.WithField("entities", len(env.Registry.Names())).Info("Entity service ready")

	env.Connections.StartHealthCheckRoutine(ctx, cfg.Database.HealthCheckInterval, env.Metrics)
	if env.Publisher != nil {
		go logDeletions(ctx, env.Publisher, logger)
	}

	scheduler := cron.New()
	if env.AuditDB != nil {
		if _, err := scheduler.AddFunc(cfg.Audit.CleanupSchedule, func() {
			defer observability.RecoverPanic(logger, "audit retention")
			purgeAudit(ctx, env.AuditDB, cfg.Audit.RetentionDays, logger)
		}); err != nil {
			env.Close()
			return err
		}
		scheduler.Start()
		logger.Infof("Audit cleanup schedule: %s", cfg.Audit.CleanupSchedule)
	}

	router := mux.NewRouter()
	router.Handle("/metrics", observability.MetricsHandler(promRegistry)).Methods(http.MethodGet)
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(env.Connections, env.Redis, Version))

	var handler http.Handler = router
	if env.Metrics != nil {
		handler = observability.HTTPMetricsMiddleware(env.Metrics)(handler)
	}
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      otelhttp.NewHandler(handler, "fieldops-ops"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// run in reverse: background work stops before connections close
	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	shutdown.Register("environment", func(context.Context) error { return env.Close() })
	shutdown.Register("cron", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.Register("background", func(context.Context) error {
		cancel()
		return nil
	})

	go func() {
		logger.Infof("Operations server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Operations server failed")
		}
	}()

	return shutdown.WaitForShutdown()
}

func purgeAudit(ctx context.Context, auditDB *audit.DBLogger, retentionDays int, logger *observability.Logger) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	rows, err := auditDB.Cleanup(ctx, audit.RetentionPolicy{RetentionDays: retentionDays})
	if err != nil {
		logger.WithError(err).Error("Audit cleanup failed")
		return 0, err
	}
	logger.WithField("rows", rows).Info("Audit cleanup complete")
	return rows, nil
}

func logDeletions(ctx context.Context, publisher *events.RedisPublisher, logger *observability.Logger) {
	defer observability.RecoverPanic(logger, "deletion subscriber")

	deletions, err := publisher.Subscribe(ctx)
	if err != nil {
		logger.WithError(err).Warn("Deletion subscription failed")
		return
	}
	for d := range deletions {
		logger.WithFields(map[string]interface{}{
			"table":      d.Table,
			"id":         d.ID,
			"dependents": d.Dependents,
		}).Debug("Deletion announced")
	}
}

func newAuditCleanupCommand() *Command {
	cmd := &Command{
		Name:        "audit-cleanup",
		Description: "Purge audit rows older than the retention period once",
		Flags:       flag.NewFlagSet("audit-cleanup", flag.ContinueOnError),
	}

	retentionDays := cmd.Flags.Int("retention-days", 0, "Override FIELDOPS_AUDIT_RETENTION_DAYS")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return withEnvironment(func(ctx context.Context, env *environment) error {
			if env.AuditDB == nil {
				return errors.New("audit trail is disabled")
			}
			days := env.Config.Audit.RetentionDays
			if *retentionDays > 0 {
				days = *retentionDays
			}
			rows, err := purgeAudit(ctx, env.AuditDB, days, env.Logger)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"purged": rows, "retention_days": days})
		})
	}
	return cmd
}
