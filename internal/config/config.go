// Package config defines the top-level configuration for nftbook and provides
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by NFTBOOK_* environment variables.
type Config struct {
	Chain      ChainConfig      `toml:"chain"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Pricing    PricingConfig    `toml:"pricing"`
	Ingest     IngestConfig     `toml:"ingest"`
	Normalizer NormalizerConfig `toml:"normalizer"`
	Sources    SourcesConfig    `toml:"sources"`
	Jobs       JobsConfig       `toml:"jobs"`
	CrossPost  CrossPostConfig  `toml:"crosspost"`
	Routers    []RouterConfig   `toml:"routers"`
	Notify     NotifyConfig     `toml:"notify"`
	Archive    ArchiveConfig    `toml:"archive"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ChainConfig holds node access and the deployed contract addresses.
type ChainConfig struct {
	RPCURL        string `toml:"rpc_url"`
	ChainID       int64  `toml:"chain_id"`
	Native        string `toml:"native"`
	WETH          string `toml:"weth"`
	MaxLogRange   uint64 `toml:"max_log_range"`
	RetryAttempts int    `toml:"retry_attempts"`

	// TraceDisabled skips call tracing on nodes without debug_traceTransaction.
	TraceDisabled bool            `toml:"trace_disabled"`
	Addresses     AddressesConfig `toml:"addresses"`

	// Conduits maps Seaport conduit keys to conduit addresses.
	Conduits map[string]string `toml:"seaport_conduits"`
}

// AddressesConfig lists exchange deployments.
type AddressesConfig struct {
	Seaport          string `toml:"seaport"`
	Blur             string `toml:"blur"`
	BlurOperator     string `toml:"blur_operator"`
	BlurV2           string `toml:"blur_v2"`
	ZeroExV4         string `toml:"zeroex_v4"`
	LooksRareV2      string `toml:"looks_rare_v2"`
	LooksRareOp      string `toml:"looks_rare_operator"`
	LooksRareFeeRecv string `toml:"looks_rare_fee_receiver"`
	X2Y2             string `toml:"x2y2"`
}

// PostgresConfig holds PostgreSQL connection parameters. An empty DSN and
// Host selects the in-memory store.
type PostgresConfig struct {
	DSN              string   `toml:"dsn"`
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Database         string   `toml:"database"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	SSLMode          string   `toml:"ssl_mode"`
	PoolMaxConns     int      `toml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns"`
	StatementTimeout duration `toml:"statement_timeout"`
	RunMigrations    bool     `toml:"run_migrations"`
}

// Enabled reports whether a database is configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.DSN) != "" || p.Host != ""
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`

	// AggregateTTL bounds how long memoized aggregates are served.
	AggregateTTL duration `toml:"aggregate_ttl"`
}

// S3Config holds S3-compatible object storage parameters. Storage is
// optional; without a bucket traces are not archived and fills not exported.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// Enabled reports whether object storage is configured.
func (s S3Config) Enabled() bool { return s.Bucket != "" }

// PricingConfig points at the historical price API.
type PricingConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// IngestConfig tunes the chain sync loop.
type IngestConfig struct {
	FromBlock     uint64   `toml:"from_block"`
	BatchBlocks   uint64   `toml:"batch_blocks"`
	Confirmations uint64   `toml:"confirmations"`
	PollInterval  duration `toml:"poll_interval"`
	StallAfter    duration `toml:"stall_after"`
}

// NormalizerConfig tunes order normalization.
type NormalizerConfig struct {
	Workers int `toml:"workers"`
}

// SourcesConfig sizes the source registry cache.
type SourcesConfig struct {
	CacheSize int      `toml:"cache_size"`
	CacheTTL  duration `toml:"cache_ttl"`
}

// JobsConfig tunes the job runner. Concurrency maps queue names to worker
// counts; queues without an entry use one worker.
type JobsConfig struct {
	MaxRetries         int            `toml:"max_retries"`
	RetryDelay         duration       `toml:"retry_delay"`
	Lease              duration       `toml:"lease"`
	PollInterval       duration       `toml:"poll_interval"`
	CollectionDebounce duration       `toml:"collection_debounce"`
	ExpiryInterval     duration       `toml:"expiry_interval"`
	SweepLimit         int            `toml:"sweep_limit"`
	Concurrency        map[string]int `toml:"concurrency"`
}

// QueueConcurrency returns the worker count for queue.
func (j JobsConfig) QueueConcurrency(queue string, fallback int) int {
	if n := j.Concurrency[queue]; n > 0 {
		return n
	}
	return fallback
}

// CrossPostConfig lists cross-posting destinations.
type CrossPostConfig struct {
	Destinations []DestinationConfig `toml:"destinations"`
}

// DestinationConfig configures one external marketplace. Kind selects the
// request shape ("opensea" or "looks-rare").
type DestinationConfig struct {
	Kind         string   `toml:"kind"`
	BaseURL      string   `toml:"base_url"`
	APIKey       string   `toml:"api_key"`
	KeyID        string   `toml:"key_id"`
	RateCapacity int      `toml:"rate_capacity"`
	RateWindow   duration `toml:"rate_window"`
	Concurrency  int      `toml:"concurrency"`
}

// RouterConfig registers an aggregator contract for fill attribution.
type RouterConfig struct {
	Address      string `toml:"address"`
	Domain       string `toml:"domain"`
	Name         string `toml:"name"`
	ABI          string `toml:"abi"`
	RecipientArg string `toml:"recipient_arg"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramAPI       string   `toml:"telegram_api"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`

	// Quiet suppresses repeats of the same alert.
	Quiet duration `toml:"quiet"`
}

// ArchiveConfig controls the daily fill export.
type ArchiveConfig struct {
	Enabled    bool  `toml:"enabled"`
	PartSizeMB int64 `toml:"part_size_mb"`
}

// MetricsConfig controls the Prometheus listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so that BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// Callers typically decode a TOML file on top of the returned value.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			ChainID:       1,
			Native:        "0x0000000000000000000000000000000000000000",
			WETH:          "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
			MaxLogRange:   2000,
			RetryAttempts: 5,
			Addresses: AddressesConfig{
				Seaport:        "0x00000000000000adc04c56bf30ac9d3c0aaf14dc",
				Blur:           "0x000000000000ad05ccc4f10045630fb830b95127",
				BlurOperator:   "0x00000000000111abe46ff893f3b2fdf1f759a8a8",
				BlurV2:         "0xb2ecfe4e4d61f8790bbb9de2d1259b9e2410cea5",
				ZeroExV4:       "0xdef1c0ded9bec7f1a1670819833240f027b25eff",
				LooksRareV2:    "0x0000000000e655fae4d56241588680f86e3b2377",
				LooksRareOp:    "0x000000000060c4ca14cfc4325359062ace33fe3d",
				X2Y2:           "0x74312363e45dcaba76c59ec49a7aa8a65a67eed3",
			},
			Conduits: map[string]string{
				"0x0000007b02230091a7ed01230072f7006a004d60a8d4e71d599b8104250f0000": "0x1e0049783f008a0085193e00003d00cd54003c71",
			},
		},
		Postgres: PostgresConfig{
			Port:             5432,
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     1,
			StatementTimeout: duration{30 * time.Second},
			RunMigrations:    true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			AggregateTTL: duration{time.Minute},
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Pricing: PricingConfig{
			Timeout: duration{10 * time.Second},
		},
		Ingest: IngestConfig{
			BatchBlocks:   100,
			Confirmations: 2,
			PollInterval:  duration{12 * time.Second},
			StallAfter:    duration{5 * time.Minute},
		},
		Normalizer: NormalizerConfig{
			Workers: 8,
		},
		Sources: SourcesConfig{
			CacheSize: 1024,
			CacheTTL:  duration{10 * time.Minute},
		},
		Jobs: JobsConfig{
			MaxRetries:         5,
			RetryDelay:         duration{10 * time.Second},
			Lease:              duration{5 * time.Minute},
			PollInterval:       duration{500 * time.Millisecond},
			CollectionDebounce: duration{5 * time.Second},
			ExpiryInterval:     duration{time.Minute},
			SweepLimit:         500,
			Concurrency: map[string]int{
				"order-updates-by-id":    10,
				"order-updates-by-maker": 5,
				"order-submissions":      5,
			},
		},
		Notify: NotifyConfig{
			Events: []string{"crosspost_failed", "ingest_stalled", "job_failed"},
			Quiet:  duration{10 * time.Minute},
		},
		Archive: ArchiveConfig{
			PartSizeMB: 8,
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"ingest": true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDestinationKinds enumerates the cross-posting request shapes.
var validDestinationKinds = map[string]bool{
	"opensea":    true,
	"looks-rare": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: ingest, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	checkAddr := func(field, v string, required bool) {
		if v == "" {
			if required {
				errs = append(errs, fmt.Sprintf("chain: %s must not be empty", field))
			}
			return
		}
		if !common.IsHexAddress(v) {
			errs = append(errs, fmt.Sprintf("chain: %s is not an address: %q", field, v))
		}
	}
	checkAddr("native", c.Chain.Native, true)
	checkAddr("weth", c.Chain.WETH, true)
	a := c.Chain.Addresses
	checkAddr("addresses.seaport", a.Seaport, false)
	checkAddr("addresses.blur", a.Blur, false)
	checkAddr("addresses.blur_operator", a.BlurOperator, false)
	checkAddr("addresses.blur_v2", a.BlurV2, false)
	checkAddr("addresses.zeroex_v4", a.ZeroExV4, false)
	checkAddr("addresses.looks_rare_v2", a.LooksRareV2, false)
	checkAddr("addresses.looks_rare_operator", a.LooksRareOp, false)
	checkAddr("addresses.looks_rare_fee_receiver", a.LooksRareFeeRecv, false)
	checkAddr("addresses.x2y2", a.X2Y2, false)
	for key, addr := range c.Chain.Conduits {
		if !strings.HasPrefix(key, "0x") || len(key) != 66 {
			errs = append(errs, fmt.Sprintf("chain: seaport_conduits key %q is not a 32-byte hex key", key))
		}
		checkAddr("seaport_conduits["+key+"]", addr, true)
	}

	// Postgres
	if c.Postgres.Enabled() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.Archive.Enabled && !c.S3.Enabled() {
		errs = append(errs, "archive: enabled requires s3.bucket")
	}
	if c.Archive.PartSizeMB < 5 {
		errs = append(errs, "archive: part_size_mb must be >= 5")
	}

	// Pricing
	if c.Pricing.BaseURL == "" {
		errs = append(errs, "pricing: base_url must not be empty")
	}

	// Ingest
	if c.Ingest.BatchBlocks == 0 {
		errs = append(errs, "ingest: batch_blocks must be > 0")
	}
	if c.Ingest.BatchBlocks > c.Chain.MaxLogRange && c.Chain.MaxLogRange > 0 {
		errs = append(errs, "ingest: batch_blocks must not exceed chain.max_log_range")
	}
	if c.Ingest.PollInterval.Duration <= 0 {
		errs = append(errs, "ingest: poll_interval must be > 0")
	}

	// Normalizer
	if c.Normalizer.Workers < 1 {
		errs = append(errs, "normalizer: workers must be >= 1")
	}

	// Jobs
	if c.Jobs.MaxRetries < 0 {
		errs = append(errs, "jobs: max_retries must be >= 0")
	}
	if c.Jobs.RetryDelay.Duration <= 0 {
		errs = append(errs, "jobs: retry_delay must be > 0")
	}
	for q, n := range c.Jobs.Concurrency {
		if n < 1 {
			errs = append(errs, fmt.Sprintf("jobs: concurrency for %q must be >= 1", q))
		}
	}

	// Cross-posting
	seen := map[string]bool{}
	for i, d := range c.CrossPost.Destinations {
		if !validDestinationKinds[d.Kind] {
			errs = append(errs, fmt.Sprintf("crosspost: destinations[%d]: unknown kind %q (valid: opensea, looks-rare)", i, d.Kind))
		}
		if seen[d.Kind] {
			errs = append(errs, fmt.Sprintf("crosspost: destinations[%d]: duplicate kind %q", i, d.Kind))
		}
		seen[d.Kind] = true
		if d.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("crosspost: destinations[%d]: base_url must not be empty", i))
		}
		if d.APIKey == "" {
			errs = append(errs, fmt.Sprintf("crosspost: destinations[%d]: api_key must not be empty", i))
		}
		if d.RateCapacity < 0 || d.RateWindow.Duration < 0 {
			errs = append(errs, fmt.Sprintf("crosspost: destinations[%d]: rate limit must not be negative", i))
		}
	}

	// Routers
	for i, r := range c.Routers {
		if !common.IsHexAddress(r.Address) {
			errs = append(errs, fmt.Sprintf("routers[%d]: address is not an address: %q", i, r.Address))
		}
		if r.Domain == "" {
			errs = append(errs, fmt.Sprintf("routers[%d]: domain must not be empty", i))
		}
		if r.RecipientArg != "" && r.ABI == "" {
			errs = append(errs, fmt.Sprintf("routers[%d]: recipient_arg requires abi", i))
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
