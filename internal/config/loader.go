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
// built-in defaults, applies EXCHANGE_* environment variable overrides, and
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

// applyEnvOverrides reads well-known EXCHANGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "EXCHANGE_DATABASE_DSN")
	setStr(&cfg.Database.Host, "EXCHANGE_DATABASE_HOST")
	setInt(&cfg.Database.Port, "EXCHANGE_DATABASE_PORT")
	setStr(&cfg.Database.Database, "EXCHANGE_DATABASE_NAME")
	setStr(&cfg.Database.User, "EXCHANGE_DATABASE_USER")
	setStr(&cfg.Database.Password, "EXCHANGE_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "EXCHANGE_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "EXCHANGE_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "EXCHANGE_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "EXCHANGE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "EXCHANGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXCHANGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXCHANGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXCHANGE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXCHANGE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXCHANGE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "EXCHANGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXCHANGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXCHANGE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXCHANGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXCHANGE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXCHANGE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXCHANGE_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setFloat64(&cfg.Engine.MaxLeverage, "EXCHANGE_ENGINE_MAX_LEVERAGE")
	setFloat64(&cfg.Engine.MaintenanceMarginRatio, "EXCHANGE_ENGINE_MAINTENANCE_MARGIN_RATIO")
	setFloat64(&cfg.Engine.FundingRate, "EXCHANGE_ENGINE_FUNDING_RATE")
	setDuration(&cfg.Engine.FundingInterval, "EXCHANGE_ENGINE_FUNDING_INTERVAL")
	setFloat64(&cfg.Engine.PointsPerTrade, "EXCHANGE_ENGINE_POINTS_PER_TRADE")
	setDuration(&cfg.Engine.LockWait, "EXCHANGE_ENGINE_LOCK_WAIT")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "EXCHANGE_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "EXCHANGE_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Instruments, "EXCHANGE_FEED_INSTRUMENTS")
	setDuration(&cfg.Feed.ReconnectDelay, "EXCHANGE_FEED_RECONNECT_DELAY")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "EXCHANGE_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "EXCHANGE_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "EXCHANGE_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.BatchSize, "EXCHANGE_ARCHIVE_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "EXCHANGE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "EXCHANGE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "EXCHANGE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "EXCHANGE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "EXCHANGE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "EXCHANGE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXCHANGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXCHANGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXCHANGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXCHANGE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXCHANGE_MODE")
	setStr(&cfg.LogLevel, "EXCHANGE_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
