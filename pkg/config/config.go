package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/storage/postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Audit         AuditConfig
	Scheduler     SchedulerConfig
	Throttle      ThrottleConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL pool configuration
type DatabaseConfig struct {
	URL         string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	AutoMigrate bool
}

// CacheConfig sizes the process-local read cache
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
	Size    int
}

// AuditConfig selects and tunes the audit sinks. The database sink is always
// on; the file and Redis stream sinks are optional.
type AuditConfig struct {
	Timeout       time.Duration
	MaxInFlight   int
	FilePath      string
	FileMaxSizeMB int
	RedisStream   string
	StreamMaxLen  int64
	RetentionDays int
}

// SchedulerConfig holds the cron specs of background jobs
type SchedulerConfig struct {
	Enabled       bool
	ResyncSpec    string
	ResyncPlans   []int64
	RetentionSpec string
}

// ThrottleConfig limits mutating requests per principal
type ThrottleConfig struct {
	Enabled  bool
	Requests int64
	Window   time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	// Redis is shared by the audit stream sink, the write throttle and the
	// readiness probe. Empty disables all three.
	RedisURL string

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Audit:         loadAuditConfig(),
		Scheduler:     loadSchedulerConfig(),
		Throttle:      loadThrottleConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("ENTITLE_HOST", "0.0.0.0"),
		Port:            getEnv("ENTITLE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("ENTITLE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("ENTITLE_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("ENTITLE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("ENTITLE_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("ENTITLE_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("ENTITLE_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("ENTITLE_DATABASE_URL", ""),
		ReplicaURLs: postgres.ParseReplicaURLs(getEnv("ENTITLE_DATABASE_REPLICA_URLS", "")),
		MaxConns:    getEnvInt("ENTITLE_DATABASE_MAX_CONNS", 20),
		MinConns:    getEnvInt("ENTITLE_DATABASE_MIN_CONNS", 2),
		Timeout:     getEnvDuration("ENTITLE_DATABASE_TIMEOUT", 10*time.Second),
		AutoMigrate: getEnvBool("ENTITLE_DATABASE_AUTO_MIGRATE", true),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled: getEnvBool("ENTITLE_CACHE_ENABLED", true),
		TTL:     getEnvDuration("ENTITLE_CACHE_TTL", 60*time.Second),
		Size:    getEnvInt("ENTITLE_CACHE_SIZE", 4096),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Timeout:       getEnvDuration("ENTITLE_AUDIT_TIMEOUT", 5*time.Second),
		MaxInFlight:   getEnvInt("ENTITLE_AUDIT_MAX_IN_FLIGHT", 256),
		FilePath:      getEnv("ENTITLE_AUDIT_FILE", ""),
		FileMaxSizeMB: getEnvInt("ENTITLE_AUDIT_FILE_MAX_SIZE_MB", 100),
		RedisStream:   getEnv("ENTITLE_AUDIT_REDIS_STREAM", "entitle:audit"),
		StreamMaxLen:  getEnvInt64("ENTITLE_AUDIT_STREAM_MAX_LEN", 100000),
		RetentionDays: getEnvInt("ENTITLE_AUDIT_RETENTION_DAYS", 365),
	}
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:       getEnvBool("ENTITLE_SCHEDULER_ENABLED", false),
		ResyncSpec:    getEnv("ENTITLE_RESYNC_SPEC", "0 3 * * *"),
		ResyncPlans:   getEnvInt64List("ENTITLE_RESYNC_PLANS"),
		RetentionSpec: getEnv("ENTITLE_AUDIT_RETENTION_SPEC", "30 4 * * *"),
	}
}

func loadThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Enabled:  getEnvBool("ENTITLE_THROTTLE_ENABLED", true),
		Requests: getEnvInt64("ENTITLE_THROTTLE_REQUESTS", 60),
		Window:   getEnvDuration("ENTITLE_THROTTLE_WINDOW", time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("ENTITLE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("ENTITLE_METRICS_ENABLED", true),
		RedisURL:           getEnv("ENTITLE_REDIS_URL", ""),
		OTelEnabled:        getEnvBool("ENTITLE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("ENTITLE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("ENTITLE_OTEL_SERVICE_NAME", "entitled"),
		OTelServiceVersion: getEnv("ENTITLE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("ENTITLE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("ENTITLE_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database min connections (%d) exceed max connections (%d)", c.Database.MinConns, c.Database.MaxConns)
	}

	if c.Cache.Enabled {
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache TTL must be positive")
		}
		if c.Cache.Size <= 0 {
			return fmt.Errorf("cache size must be positive")
		}
	}

	if c.Audit.Timeout <= 0 {
		return fmt.Errorf("audit timeout must be positive")
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit retention days cannot be negative")
	}

	if c.Scheduler.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Scheduler.ResyncSpec); err != nil {
			return fmt.Errorf("invalid resync schedule %q: %w", c.Scheduler.ResyncSpec, err)
		}
		if _, err := parser.Parse(c.Scheduler.RetentionSpec); err != nil {
			return fmt.Errorf("invalid audit retention schedule %q: %w", c.Scheduler.RetentionSpec, err)
		}
	}

	if c.Throttle.Enabled {
		if c.Throttle.Requests <= 0 {
			return fmt.Errorf("throttle requests must be positive")
		}
		if c.Throttle.Window <= 0 {
			return fmt.Errorf("throttle window must be positive")
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// ConnectionConfig converts the database section for the postgres connection manager
func (c DatabaseConfig) ConnectionConfig() postgres.ConnectionConfig {
	return postgres.ConnectionConfig{
		PrimaryURL:  c.URL,
		ReplicaURLs: c.ReplicaURLs,
		MaxConns:    c.MaxConns,
		MinConns:    c.MinConns,
		Timeout:     c.Timeout,
		MaxLifetime: 30 * time.Minute,
		MaxIdleTime: 5 * time.Minute,
	}
}

// OTelConfig converts the observability section for observability.InitOTel
func (c ObservabilityConfig) OTelConfig() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
		SampleRatio:    c.OTelSampleRatio,
	}
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
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

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvInt64List parses a comma-separated id list, skipping malformed entries
func getEnvInt64List(key string) []int64 {
	var out []int64
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil && id > 0 {
			out = append(out, id)
		}
	}
	return out
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
