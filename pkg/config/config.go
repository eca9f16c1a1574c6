package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fieldops/fieldops/pkg/observability"
	"github.com/fieldops/fieldops/pkg/storage/postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Access        AccessConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds the operations server configuration
type ServerConfig struct {
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL pool settings
type DatabaseConfig struct {
	PrimaryURL          string
	ReplicaURLs         []string
	MaxConns            int
	MinConns            int
	Timeout             time.Duration
	MaxLifetime         time.Duration
	MaxIdleTime         time.Duration
	HealthCheckInterval time.Duration
}

// Connection converts the settings into a postgres.ConnectionConfig
func (d DatabaseConfig) Connection() postgres.ConnectionConfig {
	return postgres.ConnectionConfig{
		PrimaryURL:  d.PrimaryURL,
		ReplicaURLs: d.ReplicaURLs,
		MaxConns:    d.MaxConns,
		MinConns:    d.MinConns,
		Timeout:     d.Timeout,
		MaxLifetime: d.MaxLifetime,
		MaxIdleTime: d.MaxIdleTime,
	}
}

// RedisConfig holds the deletion event publisher settings. An empty URL disables it.
type RedisConfig struct {
	URL        string
	Channel    string
	KeyPrefix  string
	PoolSize   int
	MaxRetries int
}

// Enabled reports whether a Redis URL is configured
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// AccessConfig holds access-control settings
type AccessConfig struct {
	// MetadataPath points at an entity metadata YAML file; empty uses the built-in registry
	MetadataPath       string
	FieldMaskCacheSize int
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	Enabled         bool
	RetentionDays   int
	CleanupSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// OTel converts the settings into an observability.OTelConfig
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Access:        loadAccessConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("FIELDOPS_HOST", "0.0.0.0"),
		ReadTimeout:     getEnvDuration("FIELDOPS_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("FIELDOPS_WRITE_TIMEOUT", 15*time.Second),
		ShutdownTimeout: getEnvDuration("FIELDOPS_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("FIELDOPS_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		PrimaryURL:          getEnv("FIELDOPS_POSTGRES_URL", ""),
		ReplicaURLs:         postgres.ParseReplicaURLs(getEnv("FIELDOPS_POSTGRES_REPLICA_URLS", "")),
		MaxConns:            getEnvInt("FIELDOPS_POSTGRES_MAX_CONNS", 20),
		MinConns:            getEnvInt("FIELDOPS_POSTGRES_MIN_CONNS", 2),
		Timeout:             getEnvDuration("FIELDOPS_POSTGRES_TIMEOUT", 10*time.Second),
		MaxLifetime:         getEnvDuration("FIELDOPS_POSTGRES_MAX_LIFETIME", time.Hour),
		MaxIdleTime:         getEnvDuration("FIELDOPS_POSTGRES_MAX_IDLE_TIME", 10*time.Minute),
		HealthCheckInterval: getEnvDuration("FIELDOPS_POSTGRES_HEALTH_INTERVAL", 30*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("FIELDOPS_REDIS_URL", ""),
		Channel:    getEnv("FIELDOPS_REDIS_CHANNEL", "fieldops:deleted"),
		KeyPrefix:  getEnv("FIELDOPS_REDIS_KEY_PREFIX", "fieldops:record"),
		PoolSize:   getEnvInt("FIELDOPS_REDIS_POOL_SIZE", 10),
		MaxRetries: getEnvInt("FIELDOPS_REDIS_MAX_RETRIES", 3),
	}
}

func loadAccessConfig() AccessConfig {
	return AccessConfig{
		MetadataPath:       getEnv("FIELDOPS_METADATA_PATH", ""),
		FieldMaskCacheSize: getEnvInt("FIELDOPS_FIELD_MASK_CACHE_SIZE", 512),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:         getEnvBool("FIELDOPS_AUDIT_ENABLED", true),
		RetentionDays:   getEnvInt("FIELDOPS_AUDIT_RETENTION_DAYS", 365),
		CleanupSchedule: getEnv("FIELDOPS_AUDIT_CLEANUP_SCHEDULE", "@daily"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("FIELDOPS_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("FIELDOPS_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("FIELDOPS_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("FIELDOPS_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("FIELDOPS_OTEL_SERVICE_NAME", "fieldops"),
		OTelServiceVersion: getEnv("FIELDOPS_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("FIELDOPS_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("FIELDOPS_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}

	if err := c.Database.Connection().Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Redis.Enabled() && c.Redis.Channel == "" {
		return fmt.Errorf("redis channel is required when redis is configured")
	}

	if c.Access.FieldMaskCacheSize <= 0 {
		return fmt.Errorf("field mask cache size must be positive, got %d", c.Access.FieldMaskCacheSize)
	}

	if c.Audit.Enabled {
		if c.Audit.RetentionDays <= 0 {
			return fmt.Errorf("audit retention days must be positive, got %d", c.Audit.RetentionDays)
		}
		if _, err := cron.ParseStandard(c.Audit.CleanupSchedule); err != nil {
			return fmt.Errorf("invalid audit cleanup schedule %q: %w", c.Audit.CleanupSchedule, err)
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
