package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Lockout  LockoutConfig
	MFA      MFAConfig
	Auth     AuthConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// JWTConfig holds JWT token configuration
type JWTConfig struct {
	AccessSecret       string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// LockoutConfig holds the account lockout policy. Threshold and base
// duration have no defaults: the policy is a deployment decision and a
// missing value fails startup instead of silently picking one.
type LockoutConfig struct {
	Threshold       int
	BaseDuration    time.Duration
	MaxBackoffShift int
	MFAFailureLimit int
}

// MFAConfig holds TOTP configuration
type MFAConfig struct {
	Issuer string
}

// AuthConfig holds authentication surface policy
type AuthConfig struct {
	// ExposeLockout reports locked accounts as locked instead of a
	// generic credential failure. Safe for internal deployments only.
	ExposeLockout bool
	// LoginRateLimit is the per-IP attempt budget per window on the
	// login and refresh endpoints.
	LoginRateLimit  int
	LoginRateWindow time.Duration
	// BcryptWorkers caps concurrent bcrypt operations; 0 means one per
	// scheduler thread.
	BcryptWorkers int
	// SessionSweepInterval is how often expired sessions are swept.
	SessionSweepInterval time.Duration
}

// Load reads configuration from environment variables. It returns an
// error when a required value is absent.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "identity_core"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			AccessSecret:       getEnv("JWT_ACCESS_SECRET", ""),
			RefreshSecret:      getEnv("JWT_REFRESH_SECRET", ""),
			AccessTokenExpiry:  getDurationEnv("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: getDurationEnv("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
			Issuer:             getEnv("JWT_ISSUER", "identity-core"),
		},
		Lockout: LockoutConfig{
			Threshold:       getIntEnv("LOCKOUT_THRESHOLD", 0),
			BaseDuration:    getDurationEnv("LOCKOUT_DURATION", 0),
			MaxBackoffShift: getIntEnv("LOCKOUT_BACKOFF_MAX", 6),
			MFAFailureLimit: getIntEnv("LOCKOUT_MFA_FAILURE_LIMIT", 10),
		},
		MFA: MFAConfig{
			Issuer: getEnv("MFA_ISSUER", "QuartzERP"),
		},
		Auth: AuthConfig{
			ExposeLockout:        getBoolEnv("AUTH_EXPOSE_LOCKOUT", false),
			LoginRateLimit:       getIntEnv("AUTH_LOGIN_RATE_LIMIT", 30),
			LoginRateWindow:      getDurationEnv("AUTH_LOGIN_RATE_WINDOW", time.Minute),
			BcryptWorkers:        getIntEnv("AUTH_BCRYPT_WORKERS", 0),
			SessionSweepInterval: getDurationEnv("SESSION_SWEEP_INTERVAL", time.Minute),
		},
	}

	if cfg.JWT.AccessSecret == "" || cfg.JWT.RefreshSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET are required")
	}
	if cfg.Lockout.Threshold <= 0 {
		return nil, fmt.Errorf("LOCKOUT_THRESHOLD is required and must be positive")
	}
	if cfg.Lockout.BaseDuration <= 0 {
		return nil, fmt.Errorf("LOCKOUT_DURATION is required and must be positive")
	}

	return cfg, nil
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv parses a Go duration string ("15m", "1h30m") from the
// environment, falling back to the default.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getIntEnv returns an integer from environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getBoolEnv returns a boolean from environment variable or default
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
