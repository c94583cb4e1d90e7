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
// built-in defaults, applies NFTBOOK_* environment variable overrides, and
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

// applyEnvOverrides reads well-known NFTBOOK_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
// Destination secrets are keyed by kind, e.g. NFTBOOK_CROSSPOST_OPENSEA_API_KEY.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "NFTBOOK_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "NFTBOOK_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.WETH, "NFTBOOK_CHAIN_WETH")
	setBool(&cfg.Chain.TraceDisabled, "NFTBOOK_CHAIN_TRACE_DISABLED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "NFTBOOK_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "NFTBOOK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "NFTBOOK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "NFTBOOK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "NFTBOOK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "NFTBOOK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "NFTBOOK_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "NFTBOOK_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "NFTBOOK_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "NFTBOOK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "NFTBOOK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "NFTBOOK_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "NFTBOOK_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "NFTBOOK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "NFTBOOK_S3_REGION")
	setStr(&cfg.S3.Bucket, "NFTBOOK_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "NFTBOOK_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "NFTBOOK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "NFTBOOK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "NFTBOOK_S3_USE_SSL")

	// ── Pricing ──
	setStr(&cfg.Pricing.BaseURL, "NFTBOOK_PRICING_BASE_URL")
	setStr(&cfg.Pricing.APIKey, "NFTBOOK_PRICING_API_KEY")

	// ── Ingest ──
	setUint64(&cfg.Ingest.FromBlock, "NFTBOOK_INGEST_FROM_BLOCK")
	setUint64(&cfg.Ingest.BatchBlocks, "NFTBOOK_INGEST_BATCH_BLOCKS")
	setUint64(&cfg.Ingest.Confirmations, "NFTBOOK_INGEST_CONFIRMATIONS")
	setDuration(&cfg.Ingest.PollInterval, "NFTBOOK_INGEST_POLL_INTERVAL")

	// ── Normalizer / jobs ──
	setInt(&cfg.Normalizer.Workers, "NFTBOOK_NORMALIZER_WORKERS")
	setInt(&cfg.Jobs.MaxRetries, "NFTBOOK_JOBS_MAX_RETRIES")
	setDuration(&cfg.Jobs.RetryDelay, "NFTBOOK_JOBS_RETRY_DELAY")
	setDuration(&cfg.Jobs.CollectionDebounce, "NFTBOOK_JOBS_COLLECTION_DEBOUNCE")

	// ── Cross-posting ──
	for i := range cfg.CrossPost.Destinations {
		d := &cfg.CrossPost.Destinations[i]
		prefix := "NFTBOOK_CROSSPOST_" + envName(d.Kind) + "_"
		setStr(&d.APIKey, prefix+"API_KEY")
		setStr(&d.KeyID, prefix+"KEY_ID")
		setStr(&d.BaseURL, prefix+"BASE_URL")
	}

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NFTBOOK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NFTBOOK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NFTBOOK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NFTBOOK_NOTIFY_EVENTS")

	// ── Archive / metrics ──
	setBool(&cfg.Archive.Enabled, "NFTBOOK_ARCHIVE_ENABLED")
	setStr(&cfg.Metrics.Addr, "NFTBOOK_METRICS_ADDR")

	// ── Top-level ──
	setStr(&cfg.Mode, "NFTBOOK_MODE")
	setStr(&cfg.LogLevel, "NFTBOOK_LOG_LEVEL")
}

// envName turns "looks-rare" into "LOOKS_RARE".
func envName(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
