// Package logger provides structured JSON logging with correlation ID
// support. Log attributes carrying secret material (passwords, tokens,
// TOTP secrets) are redacted before they reach the sink.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// CorrelationIDKey is the context key for correlation/request ID
	CorrelationIDKey ContextKey = "correlation_id"
)

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string
	// Format is the log format (json, text)
	Format string
	// Output is the log output destination (stdout, stderr, or file path)
	Output string
	// AddSource adds source file and line number to log entries
	AddSource bool
}

// DefaultConfig returns the default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:     getEnv("LOG_LEVEL", "info"),
		Format:    getEnv("LOG_FORMAT", "json"),
		Output:    getEnv("LOG_OUTPUT", "stdout"),
		AddSource: getBoolEnv("LOG_ADD_SOURCE", false),
	}
}

// New creates a structured logger from the configuration.
func New(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = file
		}
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: sanitizeAttributes,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}

// sensitiveKeys lists attribute keys that must never reach the log sink
// in the clear. An authentication service logs around secret material
// constantly, so partial key matches are redacted too.
var sensitiveKeys = map[string]bool{
	"password":       true,
	"password_hash":  true,
	"token":          true,
	"access_token":   true,
	"refresh_token":  true,
	"token_hash":     true,
	"secret":         true,
	"totp_secret":    true,
	"mfa_code":       true,
	"api_key":        true,
	"apikey":         true,
	"authorization":  true,
	"credential":     true,
	"credentials":    true,
	"private_key":    true,
	"encryption_key": true,
}

func sanitizeAttributes(groups []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	if sensitiveKeys[key] {
		return slog.String(a.Key, "[REDACTED]")
	}

	for sensitive := range sensitiveKeys {
		if strings.Contains(key, sensitive) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}

	return a
}

// WithCorrelationID returns a logger annotated with the correlation ID
// from the context, if one is present.
func WithCorrelationID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	correlationID := GetCorrelationID(ctx)
	if correlationID == "" {
		return logger
	}
	return logger.With(slog.String("correlation_id", correlationID))
}

// GetCorrelationID extracts the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok && id != "" {
		return id
	}
	return ""
}

// SetCorrelationID adds a correlation ID to the context
func SetCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
