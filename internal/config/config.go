// Package config loads webcached's process configuration from the
// environment, following the teacher's internal/config/config.go
// envOr pattern generalized from one OCI-registry-proxy config to the
// layered cache's memory/file/S3 tiers and listener settings.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// AWS SDK environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
// AWS_REGION, AWS_ENDPOINT_URL) are read directly by the SDK's default
// credential chain and do not appear in this struct.

// Config holds every process-wide setting read at startup.
type Config struct {
	ListenAddr string

	// MemoryCostLimitBytes bounds store/memory's total byte cost; 0
	// selects memory.DefaultCostLimit.
	MemoryCostLimitBytes int64
	MemoryCountLimit     int

	// FSRoot enables the file tier when non-empty.
	FSRoot string

	// S3Bucket enables the S3 tier when non-empty.
	S3Bucket         string
	S3Prefix         string
	S3ForcePathStyle bool

	HeaderWhitelist []string

	GenerateSelfSignedTLS bool
	LogLevel              slog.Level
}

// Load reads Config from the environment, applying the same
// defaulting pattern (envOr) as the teacher's Load.
func Load() Config {
	selfSigned := envOr("GENERATE_SELF_SIGNED_TLS", "false") == "true"
	defaultAddr := ":8080"
	if selfSigned {
		defaultAddr = ":8443"
	}

	memCost, _ := strconv.ParseInt(envOr("MEMORY_COST_LIMIT_BYTES", "0"), 10, 64)
	memCount, _ := strconv.Atoi(envOr("MEMORY_COUNT_LIMIT", "0"))

	var whitelist []string
	if raw := os.Getenv("HEADER_WHITELIST"); raw != "" {
		whitelist = strings.Split(raw, ",")
	}

	return Config{
		ListenAddr:            envOr("LISTEN_ADDR", defaultAddr),
		MemoryCostLimitBytes:  memCost,
		MemoryCountLimit:      memCount,
		FSRoot:                os.Getenv("FS_ROOT"),
		S3Bucket:              os.Getenv("S3_BUCKET"),
		S3Prefix:              os.Getenv("S3_PREFIX"),
		S3ForcePathStyle:      envOr("S3_FORCE_PATH_STYLE", "true") == "true",
		HeaderWhitelist:       whitelist,
		GenerateSelfSignedTLS: selfSigned,
		LogLevel:              parseLogLevel(envOr("LOG_LEVEL", "info")),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
