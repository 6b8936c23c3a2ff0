// Package config reads urbanflux settings from the process environment.
//
// Every getter falls back to its default when the variable is unset or cannot
// be parsed, so a typo in a tuning knob never prevents a run from starting.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvStr returns the value of key, or defaultValue when key is unset or empty.
//
// Example:
//
//	input := GetEnvStr("ETL_INPUT_PATH", "")
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvInt returns key parsed as an int, or defaultValue.
//
// Example:
//
//	chunkSize := GetEnvInt("ETL_CHUNK_SIZE", 100000)
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}

	return defaultValue
}

// GetEnvFloat64 returns key parsed as a float64, or defaultValue.
func GetEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return floatValue
		}
	}

	return defaultValue
}

// GetEnvBool returns key parsed as a bool, or defaultValue.
// Accepts "true", "1", "yes" and "false", "0", "no" (case-insensitive).
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}

	return defaultValue
}

// GetEnvDuration returns key parsed with time.ParseDuration, or defaultValue.
//
// Example:
//
//	d := GetEnvDuration("ETL_LOAD_MAX_BACKOFF", 10*time.Second)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return duration
		}
	}

	return defaultValue
}

// GetEnvLogLevel maps key (debug, info, warn/warning, error) to a slog.Level.
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "debug":
			return slog.LevelDebug
		case "info":
			return slog.LevelInfo
		case "warn", "warning":
			return slog.LevelWarn
		case "error":
			return slog.LevelError
		}
	}

	return defaultValue
}

// ParseCommaSeparatedList splits input on commas, trims each part and drops empties.
func ParseCommaSeparatedList(input string) []string {
	if input == "" {
		return []string{}
	}

	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// NewLogger builds the JSON slog logger every urbanflux binary writes with.
// The level comes from LOG_LEVEL and defaults to info.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
}
