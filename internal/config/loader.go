package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PREMARKET_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PREMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Venue ──
	setStr(&cfg.Venue.Operator, "PREMARKET_VENUE_OPERATOR")
	setStr(&cfg.Venue.Custody, "PREMARKET_VENUE_CUSTODY")
	setStr(&cfg.Venue.Platform, "PREMARKET_VENUE_PLATFORM")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PREMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PREMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PREMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PREMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PREMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PREMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PREMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PREMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PREMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PREMARKET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PREMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PREMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PREMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PREMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PREMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PREMARKET_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PREMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PREMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "PREMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PREMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PREMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PREMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PREMARKET_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PREMARKET_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "PREMARKET_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "PREMARKET_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PREMARKET_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PREMARKET_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "PREMARKET_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "PREMARKET_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerSecond, "PREMARKET_SERVER_RATE_LIMIT_PER_SECOND")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PREMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PREMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PREMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PREMARKET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PREMARKET_MODE")
	setStr(&cfg.LogLevel, "PREMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
