package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database Database
	Redis    RedisConfig
	Resolver ResolverConfig
	Engine   EngineConfig
	OTEL     OTELConfig
	Env      string
}

// Database holds data-store configuration. Driver selects between the
// production PostgreSQL store and a local SQLite claims database.
type Database struct {
	Driver   string // "postgres" or "sqlite3"
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Path     string // sqlite file path
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// ResolverConfig holds concept-resolver (OpenAI) configuration
type ResolverConfig struct {
	APIKey         string
	Model          string
	RateLimitRPM   int
	RateLimitBurst int
	Timeout        time.Duration
}

// EngineConfig holds tunables for the compile/execute/funnel engine
type EngineConfig struct {
	MaxRepairAttempts       int
	SuspiciousDropThreshold float64
	HugeCohortCeiling       int64
	PreviewRowLimit         int
	QueryTimeout            time.Duration
	CatalogCacheTTLSeconds  int
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	return &Config{
		Database: Database{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "rwd_claims"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Path:     getEnv("DB_SQLITE_PATH", "rwd_claims.db"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Resolver: ResolverConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			RateLimitRPM:   getEnvAsInt("OPENAI_RATE_LIMIT_RPM", 60),
			RateLimitBurst: getEnvAsInt("OPENAI_RATE_LIMIT_BURST", 5),
			Timeout:        getEnvAsDuration("OPENAI_TIMEOUT", 20*time.Second),
		},
		Engine: EngineConfig{
			MaxRepairAttempts:       getEnvAsInt("ENGINE_MAX_REPAIR_ATTEMPTS", 3),
			SuspiciousDropThreshold: getEnvAsFloat("ENGINE_SUSPICIOUS_DROP_THRESHOLD", 0.95),
			HugeCohortCeiling:       int64(getEnvAsInt("ENGINE_HUGE_COHORT_CEILING", 1000000)),
			PreviewRowLimit:         getEnvAsInt("ENGINE_PREVIEW_ROW_LIMIT", 10),
			QueryTimeout:            getEnvAsDuration("ENGINE_QUERY_TIMEOUT", 30*time.Second),
			CatalogCacheTTLSeconds:  getEnvAsInt("ENGINE_CATALOG_CACHE_TTL", 300),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "cohort-engine"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		Env: getEnv("APP_ENV", "development"),
	}, nil
}

// DatabaseDSN returns the driver-appropriate connection string
func (c *Database) DatabaseDSN() string {
	if c.Driver == "sqlite3" {
		return c.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
