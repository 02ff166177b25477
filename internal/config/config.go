// Package config loads engine configuration from the environment, following
// the teacher's getEnv/getEnvInt/getEnvDuration + Validate() idiom
// (pkg/config/config.go) under a DF_ prefix instead of SPOKE_.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/datafold/internal/observability"
)

// Config holds all engine configuration.
type Config struct {
	KV            KVConfig
	Lifecycle     LifecycleConfig
	Orchestrator  OrchestratorConfig
	Resolver      ResolverConfig
	Observability ObservabilityConfig
	EventBus      EventBusConfig
	Server        ServerConfig
}

// ServerConfig configures cmd/datafoldd's HTTP surface: the main API
// server (internal/extapi) and the separate health/metrics server.
type ServerConfig struct {
	Host            string
	Port            string
	HealthPort      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// KVConfig configures the C1 key-value store.
type KVConfig struct {
	DSN string // sqlite3 data source name, e.g. "/var/lib/datafold/core.db"
}

// LifecycleConfig configures C4 schema discovery.
type LifecycleConfig struct {
	SchemaDir string // directory watched for newly dropped schema JSON files
}

// OrchestratorConfig configures the C9 worker pool. Only Workers is passed
// to the orchestrator; TransformTimeout is loaded and validated here but
// not read by it (each run uses the orchestrator's fixed 30s limit).
type OrchestratorConfig struct {
	Workers         int
	TransformTimeout time.Duration
}

// ResolverConfig configures the C6 two-tier cache.
type ResolverConfig struct {
	CacheEnabled bool
	RedisAddr    string
	RedisPassword string
	RedisDB      int
	L1CacheSize  int
	DefaultTTL   time.Duration
}

// EventBusConfig holds settings for C10's correlation-id waiters. The event
// bus is built without configuration and runs on its own built-in timeout
// and sweep interval; it does not read these fields.
type EventBusConfig struct {
	RequestTimeout time.Duration
	SweepInterval  time.Duration
}

// ObservabilityConfig holds logging/metrics/tracing settings.
type ObservabilityConfig struct {
	LogLevel           observability.LogLevel
	MetricsEnabled     bool
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		KV:            loadKVConfig(),
		Lifecycle:     loadLifecycleConfig(),
		Orchestrator:  loadOrchestratorConfig(),
		Resolver:      loadResolverConfig(),
		Observability: loadObservabilityConfig(),
		EventBus:      loadEventBusConfig(),
		Server:        loadServerConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadKVConfig() KVConfig {
	return KVConfig{DSN: getEnv("DF_KV_DSN", "./datafold.db")}
}

func loadLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{SchemaDir: getEnv("DF_SCHEMA_DIR", "./available_schemas")}
}

func loadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Workers:          getEnvInt("DF_ORCHESTRATOR_WORKERS", 4),
		TransformTimeout: getEnvDuration("DF_TRANSFORM_TIMEOUT", 30*time.Second),
	}
}

func loadResolverConfig() ResolverConfig {
	return ResolverConfig{
		CacheEnabled:  getEnvBool("DF_CACHE_ENABLED", true),
		RedisAddr:     getEnv("DF_REDIS_ADDR", ""),
		RedisPassword: getEnv("DF_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("DF_REDIS_DB", 0),
		L1CacheSize:   getEnvInt("DF_L1_CACHE_SIZE", 4096),
		DefaultTTL:    getEnvDuration("DF_CACHE_TTL", 1*time.Minute),
	}
}

func loadEventBusConfig() EventBusConfig {
	return EventBusConfig{
		RequestTimeout: getEnvDuration("DF_REQUEST_TIMEOUT", 5*time.Second),
		SweepInterval:  getEnvDuration("DF_SWEEP_INTERVAL", 5*time.Second),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("DF_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("DF_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("DF_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("DF_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("DF_OTEL_SERVICE_NAME", "datafold-core"),
		OTelServiceVersion: getEnv("DF_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("DF_OTEL_INSECURE", true),
	}
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("DF_SERVER_HOST", "0.0.0.0"),
		Port:            getEnv("DF_SERVER_PORT", "8080"),
		HealthPort:      getEnv("DF_HEALTH_PORT", "8081"),
		ReadTimeout:     getEnvDuration("DF_SERVER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("DF_SERVER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("DF_SERVER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("DF_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.KV.DSN == "" {
		return fmt.Errorf("KV DSN is required")
	}
	if c.Lifecycle.SchemaDir == "" {
		return fmt.Errorf("schema directory is required")
	}
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator worker count must be positive")
	}
	if c.EventBus.RequestTimeout <= 0 {
		return fmt.Errorf("event bus request timeout must be positive")
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

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
