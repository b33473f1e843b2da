package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Tesseract-Nexus/go-shared/secrets"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	App      AppConfig
	Claim    ClaimConfig
	Usage    UsageConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host               string
	Port               string
	GinMode            string
	CORSAllowedOrigins []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	Enabled bool
}

// AppConfig holds application configuration
type AppConfig struct {
	Environment string
	LogLevel    string
}

// ClaimConfig holds claim code configuration
type ClaimConfig struct {
	MaxGenerationAttempts int // Attempts before giving up on a unique code (default: 5)
	RateLimitPerMinute    int // Verify/claim attempts per client per minute (default: 20)
}

// UsageConfig holds usage snapshot configuration
type UsageConfig struct {
	SnapshotIntervalMins int // Interval between usage gauge refreshes (default: 5)
}

// New creates a new configuration instance
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               getEnvWithDefault("SERVER_HOST", "0.0.0.0"),
			Port:               getEnvWithDefault("SERVER_PORT", "8090"),
			GinMode:            getEnvWithDefault("GIN_MODE", "release"),
			CORSAllowedOrigins: getEnvAsSliceWithDefault("CORS_ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			Host:     getEnvWithDefault("DB_HOST", "localhost"),
			Port:     getEnvWithDefault("DB_PORT", "5432"),
			User:     getEnvWithDefault("DB_USER", "postgres"),
			Password: secrets.GetDBPassword(),
			Name:     getEnvWithDefault("DB_NAME", "community_db"),
			SSLMode:  getEnvWithDefault("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnvWithDefault("REDIS_HOST", "localhost"),
			Port:     getEnvWithDefault("REDIS_PORT", "6379"),
			Password: getEnvWithDefault("REDIS_PASSWORD", ""),
			DB:       getEnvAsIntWithDefault("REDIS_DB", 0),
			Enabled:  getEnvAsBoolWithDefault("REDIS_ENABLED", true),
		},
		NATS: NATSConfig{
			URL:     getEnvWithDefault("NATS_URL", "nats://localhost:4222"),
			Enabled: getEnvAsBoolWithDefault("NATS_ENABLED", true),
		},
		App: AppConfig{
			Environment: getEnvWithDefault("APP_ENV", "development"),
			LogLevel:    getEnvWithDefault("LOG_LEVEL", "info"),
		},
		Claim: ClaimConfig{
			MaxGenerationAttempts: getEnvAsIntWithDefault("CLAIM_CODE_MAX_ATTEMPTS", 5),
			RateLimitPerMinute:    getEnvAsIntWithDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 20),
		},
		Usage: UsageConfig{
			SnapshotIntervalMins: getEnvAsIntWithDefault("USAGE_SNAPSHOT_INTERVAL_MINS", 5),
		},
	}
}

// DSN builds the postgres connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// Addr returns host:port for the Redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// getEnvWithDefault gets environment variable with a default fallback
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntWithDefault gets environment variable as integer with default fallback
func getEnvAsIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBoolWithDefault gets environment variable as boolean with default fallback
func getEnvAsBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsSliceWithDefault splits a comma separated environment variable
func getEnvAsSliceWithDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
