package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnv overrides file values with STUDIO_OS_* variables. Malformed
// numbers and durations are ignored, leaving the file value in place.
func applyEnv(c *Config) {
	c.LogLevel = envOrDefault("STUDIO_OS_LOG_LEVEL", c.LogLevel)
	c.HTTPAddr = envOrDefault("STUDIO_OS_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = envOrDefault("STUDIO_OS_GRPC_ADDR", c.GRPCAddr)
	c.SourceIdentity = envOrDefault("STUDIO_OS_SOURCE_IDENTITY", c.SourceIdentity)

	c.Storage.Driver = envOrDefault("STUDIO_OS_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.DSN = envOrDefault("STUDIO_OS_STORAGE_DSN", c.Storage.DSN)
	c.ClickHouse.DSN = envOrDefault("STUDIO_OS_CLICKHOUSE_DSN", c.ClickHouse.DSN)
	c.Studio.DSN = envOrDefault("STUDIO_OS_STUDIO_DSN", c.Studio.DSN)

	c.Schedule.Interval.Duration = envOrDefaultDuration("STUDIO_OS_INTERVAL", c.Schedule.Interval.Duration)
	c.Schedule.ScanLimit = envOrDefaultInt("STUDIO_OS_SCAN_LIMIT", c.Schedule.ScanLimit)
	c.Schedule.DedupeWindowMinutes = envOrDefaultInt("STUDIO_OS_DEDUPE_WINDOW_MINUTES", c.Schedule.DedupeWindowMinutes)

	c.Drift.Absolute = envOrDefaultFloat("STUDIO_OS_DRIFT_ABSOLUTE", c.Drift.Absolute)
	c.Drift.Ratio = envOrDefaultFloat("STUDIO_OS_DRIFT_RATIO", c.Drift.Ratio)

	c.Breaker.FailureThreshold = envOrDefaultInt("STUDIO_OS_BREAKER_FAILURE_THRESHOLD", c.Breaker.FailureThreshold)
	c.Breaker.BaseBackoff.Duration = envOrDefaultDuration("STUDIO_OS_BREAKER_BASE_BACKOFF", c.Breaker.BaseBackoff.Duration)
	c.Breaker.MaxBackoff.Duration = envOrDefaultDuration("STUDIO_OS_BREAKER_MAX_BACKOFF", c.Breaker.MaxBackoff.Duration)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
