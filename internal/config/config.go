// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example UPSTREAM_API_KEY becomes
// upstream_api_key in YAML.
//
// Only the upstream API base and key are strictly required for the gateway to
// proxy requests. The S3 archive is optional — leave the R2_* variables empty
// to run with the local disk tier only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 5643.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DataDir is the root directory for all gateway state. Images live under
	// DataDir/images, the metadata database under DataDir/db. Default: ./data.
	DataDir string

	// Upstream is the AI provider the gateway forwards to.
	Upstream UpstreamConfig

	// Gateway configures the client-facing surface.
	Gateway GatewayConfig

	// Archive configures the S3-compatible object archive (Cloudflare R2).
	Archive ArchiveConfig

	// Cache controls the local disk tier and metadata retention.
	Cache CacheConfig

	// Cleanup controls the background maintenance scheduler.
	Cleanup CleanupConfig

	// AllowExternalImageFetch permits the payload rewriter to download images
	// from arbitrary http(s) URLs. Off by default.
	AllowExternalImageFetch bool

	// DeleteRemoteOnMetadataExpire also removes the archive object when a
	// record ages out of metadata retention. Off by default.
	DeleteRemoteOnMetadataExpire bool

	// ImageKeywords overrides the built-in keyword list used to classify
	// streaming chat requests as image requests. Empty = built-in list.
	ImageKeywords []string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// UpstreamConfig holds the upstream AI API connection settings.
type UpstreamConfig struct {
	// APIBase is the upstream base URL, e.g. "https://api.openai.com/v1".
	APIBase string

	// APIKey is sent as "Authorization: Bearer <key>" to the upstream.
	APIKey string

	// Model is the upstream model name requests are remapped to.
	Model string

	// Timeout is the per-request HTTP timeout. Image generation can take
	// minutes on slow providers. Default: 10m.
	Timeout time.Duration

	// MaxRetries is the number of upstream attempts per request, including
	// the first. Default: 3.
	MaxRetries int

	// RetryBackoff is the fixed pause between attempts. Default: 1s.
	RetryBackoff time.Duration
}

// GatewayConfig holds the client-facing surface settings.
type GatewayConfig struct {
	// APIKey authenticates clients. Empty means every request is accepted —
	// an insecure first-run default that is logged loudly at startup.
	APIKey string

	// ModelName is the model id advertised by GET /v1/models and accepted in
	// request bodies. Default: "picgate".
	ModelName string

	// PublicBaseURL is the base for image URLs handed back to clients,
	// e.g. "https://img.example.com". When empty the base is inferred from
	// request headers (X-Forwarded-*, RFC 7239 Forwarded, Host).
	PublicBaseURL string
}

// ArchiveConfig holds the S3-compatible archive credentials.
// All four fields must be set for the archive to be enabled.
type ArchiveConfig struct {
	// AccountID forms the R2 endpoint: https://{AccountID}.r2.cloudflarestorage.com
	AccountID string

	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// Enabled reports whether the archive is fully configured.
func (a ArchiveConfig) Enabled() bool {
	return a.AccountID != "" && a.AccessKeyID != "" && a.SecretAccessKey != "" && a.Bucket != ""
}

// CacheConfig controls the tiered image cache.
type CacheConfig struct {
	// LocalTTL is how long an unread local copy survives before TTL eviction
	// clears it. The archive copy, if any, remains. Default: 72h.
	LocalTTL time.Duration

	// MaxLocalMB caps on-disk usage of the image directory. When exceeded the
	// oldest-created local copies are evicted down to 90% of the cap.
	// 0 disables the quota pass. Default: 0.
	MaxLocalMB int

	// MetadataRetention is how long a record with no local copy is kept
	// before being deleted outright. Default: 8760h (365 days).
	MetadataRetention time.Duration
}

// CleanupConfig controls the background maintenance scheduler.
type CleanupConfig struct {
	// Interval between eviction sweeps. Default: 1h.
	Interval time.Duration

	// UploadInterval between archive upload sweeps. Default: 1m.
	UploadInterval time.Duration

	// UploadBatch is the maximum records processed per upload sweep. Default: 50.
	UploadBatch int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 5643)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATA_DIR", "data")

	v.SetDefault("GATEWAY_MODEL_NAME", "picgate")

	v.SetDefault("UPSTREAM_TIMEOUT", "10m")
	v.SetDefault("UPSTREAM_MAX_RETRIES", 3)
	v.SetDefault("UPSTREAM_RETRY_BACKOFF", "1s")

	v.SetDefault("LOCAL_CACHE_TTL_HOURS", 72)
	v.SetDefault("METADATA_RETENTION_DAYS", 365)
	v.SetDefault("MAX_LOCAL_CACHE_MB", 0)

	v.SetDefault("CLEANUP_INTERVAL", "1h")
	v.SetDefault("UPLOAD_INTERVAL", "1m")
	v.SetDefault("UPLOAD_BATCH", 50)

	v.SetDefault("ALLOW_EXTERNAL_IMAGE_FETCH", false)
	v.SetDefault("DELETE_REMOTE_ON_METADATA_EXPIRE", false)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		DataDir:  v.GetString("DATA_DIR"),

		Upstream: UpstreamConfig{
			APIBase:      strings.TrimRight(v.GetString("UPSTREAM_API_BASE"), "/"),
			APIKey:       v.GetString("UPSTREAM_API_KEY"),
			Model:        v.GetString("UPSTREAM_MODEL_NAME"),
			Timeout:      v.GetDuration("UPSTREAM_TIMEOUT"),
			MaxRetries:   v.GetInt("UPSTREAM_MAX_RETRIES"),
			RetryBackoff: v.GetDuration("UPSTREAM_RETRY_BACKOFF"),
		},

		Gateway: GatewayConfig{
			APIKey:        v.GetString("GATEWAY_API_KEY"),
			ModelName:     v.GetString("GATEWAY_MODEL_NAME"),
			PublicBaseURL: strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		},

		Archive: ArchiveConfig{
			AccountID:       v.GetString("R2_ACCOUNT_ID"),
			AccessKeyID:     v.GetString("R2_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("R2_SECRET_ACCESS_KEY"),
			Bucket:          v.GetString("R2_BUCKET_NAME"),
		},

		Cache: CacheConfig{
			LocalTTL:          time.Duration(v.GetInt("LOCAL_CACHE_TTL_HOURS")) * time.Hour,
			MaxLocalMB:        v.GetInt("MAX_LOCAL_CACHE_MB"),
			MetadataRetention: time.Duration(v.GetInt("METADATA_RETENTION_DAYS")) * 24 * time.Hour,
		},

		Cleanup: CleanupConfig{
			Interval:       v.GetDuration("CLEANUP_INTERVAL"),
			UploadInterval: v.GetDuration("UPLOAD_INTERVAL"),
			UploadBatch:    v.GetInt("UPLOAD_BATCH"),
		},

		AllowExternalImageFetch:      v.GetBool("ALLOW_EXTERNAL_IMAGE_FETCH"),
		DeleteRemoteOnMetadataExpire: v.GetBool("DELETE_REMOTE_ON_METADATA_EXPIRE"),

		ImageKeywords: v.GetStringSlice("IMAGE_KEYWORDS"),
		CORSOrigins:   v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Upstream.APIBase == "" {
		return errors.New("config: UPSTREAM_API_BASE is required")
	}
	if c.Upstream.MaxRetries < 1 {
		return fmt.Errorf("config: UPSTREAM_MAX_RETRIES must be >= 1, got %d", c.Upstream.MaxRetries)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	if c.Cache.LocalTTL <= 0 {
		return fmt.Errorf("config: LOCAL_CACHE_TTL_HOURS must be >= 1")
	}
	if c.Cache.MaxLocalMB < 0 {
		return fmt.Errorf("config: MAX_LOCAL_CACHE_MB must be >= 0, got %d", c.Cache.MaxLocalMB)
	}
	if c.Cache.MetadataRetention <= 0 {
		return fmt.Errorf("config: METADATA_RETENTION_DAYS must be >= 1")
	}

	if c.Cleanup.Interval <= 0 || c.Cleanup.UploadInterval <= 0 {
		return fmt.Errorf("config: CLEANUP_INTERVAL and UPLOAD_INTERVAL must be positive durations")
	}
	if c.Cleanup.UploadBatch < 1 {
		return fmt.Errorf("config: UPLOAD_BATCH must be >= 1, got %d", c.Cleanup.UploadBatch)
	}

	// A half-configured archive is almost always a deployment mistake.
	a := c.Archive
	partial := a.AccountID != "" || a.AccessKeyID != "" || a.SecretAccessKey != "" || a.Bucket != ""
	if partial && !a.Enabled() {
		return errors.New(
			"config: archive is partially configured; set all of R2_ACCOUNT_ID, " +
				"R2_ACCESS_KEY_ID, R2_SECRET_ACCESS_KEY, R2_BUCKET_NAME or none of them",
		)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
