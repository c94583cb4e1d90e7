package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "worker"

[chain]
rpc_url = "http://node:8545"

[pricing]
base_url = "http://prices"

[jobs]
retry_delay = "3s"

[jobs.concurrency]
token-aggregates = 1

[[crosspost.destinations]]
kind = "opensea"
base_url = "https://api.opensea.io"
api_key = "from-file"
rate_capacity = 4
rate_window = "1s"

[[crosspost.destinations]]
kind = "looks-rare"
base_url = "https://api.looksrare.org"
api_key = "lr-key"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesDefaultsFileAndEnv(t *testing.T) {
	t.Setenv("NFTBOOK_CROSSPOST_OPENSEA_API_KEY", "from-env")
	t.Setenv("NFTBOOK_INGEST_CONFIRMATIONS", "6")
	t.Setenv("NFTBOOK_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "worker", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint64(6), cfg.Ingest.Confirmations)
	assert.Equal(t, uint64(100), cfg.Ingest.BatchBlocks, "default kept")
	assert.Equal(t, 3*time.Second, cfg.Jobs.RetryDelay.Duration)
	assert.Equal(t, 1, cfg.Jobs.QueueConcurrency("token-aggregates", 9))
	assert.Equal(t, 10, cfg.Jobs.QueueConcurrency("order-updates-by-id", 1), "default map entries survive")
	assert.Equal(t, 1, cfg.Jobs.QueueConcurrency("metadata-refresh", 1))

	require.Len(t, cfg.CrossPost.Destinations, 2)
	assert.Equal(t, "from-env", cfg.CrossPost.Destinations[0].APIKey)
	assert.Equal(t, time.Second, cfg.CrossPost.Destinations[0].RateWindow.Duration)
	assert.Equal(t, "lr-key", cfg.CrossPost.Destinations[1].APIKey)

	assert.False(t, cfg.Postgres.Enabled())
	assert.False(t, cfg.S3.Enabled())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Chain.WETH = "weth"
	cfg.Archive.Enabled = true
	cfg.CrossPost.Destinations = []DestinationConfig{{Kind: "rarible"}}
	cfg.Routers = []RouterConfig{{Address: "0x1234", RecipientArg: "recipient"}}
	cfg.Notify.TelegramToken = "token"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"chain: rpc_url must not be empty",
		`chain: weth is not an address: "weth"`,
		"archive: enabled requires s3.bucket",
		"pricing: base_url must not be empty",
		`unknown kind "rarible"`,
		"destinations[0]: api_key must not be empty",
		"routers[0]: address is not an address",
		"routers[0]: domain must not be empty",
		"routers[0]: recipient_arg requires abi",
		"telegram_token and telegram_chat_id must be set together",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateDuplicateDestination(t *testing.T) {
	cfg := Defaults()
	cfg.Chain.RPCURL = "http://node"
	cfg.Pricing.BaseURL = "http://prices"
	d := DestinationConfig{Kind: "opensea", BaseURL: "https://x", APIKey: "k"}
	cfg.CrossPost.Destinations = []DestinationConfig{d, d}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate kind "opensea"`)
}

func TestRedactedConfigLeavesOriginalIntact(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.DSN = "postgres://user:pw@db/nftbook"
	cfg.Chain.RPCURL = "https://mainnet.example/v3/key"
	cfg.CrossPost.Destinations = []DestinationConfig{{Kind: "opensea", APIKey: "secret"}}

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Postgres.DSN)
	assert.Equal(t, redacted, out.Chain.RPCURL)
	assert.Equal(t, redacted, out.CrossPost.Destinations[0].APIKey)
	assert.Empty(t, out.Pricing.APIKey, "empty secrets stay empty")

	out.Jobs.Concurrency["order-updates-by-id"] = 99
	assert.Equal(t, "secret", cfg.CrossPost.Destinations[0].APIKey)
	assert.Equal(t, 10, cfg.Jobs.Concurrency["order-updates-by-id"])
}
