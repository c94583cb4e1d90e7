package pricing

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/retry"
)

const (
	nativeAddr = "0x0000000000000000000000000000000000000000"
	wethAddr   = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	usdcAddr   = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
)

type memCache struct {
	mu     sync.Mutex
	quotes map[string]domain.PriceQuote
}

func newMemCache() *memCache { return &memCache{quotes: map[string]domain.PriceQuote{}} }

func (m *memCache) SetQuote(_ context.Context, q domain.PriceQuote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Currency] = q
	return nil
}

func (m *memCache) GetQuote(_ context.Context, currency string, _ time.Time) (domain.PriceQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[currency]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	return q, nil
}

type fakeSource struct {
	quotes map[string]domain.PriceQuote
	calls  int
}

func (f *fakeSource) FetchQuote(_ context.Context, currency string, ts time.Time) (domain.PriceQuote, error) {
	f.calls++
	q, ok := f.quotes[currency]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNoPrice
	}
	q.Timestamp = ts
	return q, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newOracle() (*Oracle, *fakeSource) {
	src := &fakeSource{quotes: map[string]domain.PriceQuote{
		nativeAddr: {Decimals: 18, USD: decimal.NewFromInt(2000)},
		usdcAddr:   {Decimals: 6, USD: decimal.NewFromInt(1)},
	}}
	return NewOracle(src, newMemCache(), nativeAddr, wethAddr, testLogger()), src
}

func TestToNativeForNativeIsIdentity(t *testing.T) {
	o, src := newOracle()
	amount := big.NewInt(12345)

	for _, currency := range []string{nativeAddr, wethAddr, strings.ToUpper(wethAddr)} {
		got, err := o.ToNative(context.Background(), currency, amount, time.Now())
		require.NoError(t, err)
		assert.Equal(t, "12345", got.String())
	}
	assert.Zero(t, src.calls)
}

func TestToNativeConvertsStablecoin(t *testing.T) {
	o, src := newOracle()
	ctx := context.Background()
	ts := time.Unix(1700000000, 0)

	// 3000 USDC at 2000 USD/ETH is 1.5 ETH.
	got, err := o.ToNative(ctx, usdcAddr, big.NewInt(3_000_000_000), ts)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", got.String())

	usd, err := o.ToUSD(ctx, usdcAddr, big.NewInt(3_000_000_000), ts)
	require.NoError(t, err)
	assert.Equal(t, "3000000000", usd.String())

	calls := src.calls
	_, err = o.ToNative(ctx, usdcAddr, big.NewInt(1), ts)
	require.NoError(t, err)
	assert.Equal(t, calls, src.calls, "quotes are served from cache")
}

func TestMissingQuoteIsNoPrice(t *testing.T) {
	o, _ := newOracle()
	_, err := o.ToNative(context.Background(), "0xdeadbeef00000000000000000000000000000000", big.NewInt(1), time.Now())
	assert.ErrorIs(t, err, domain.ErrNoPrice)
}

func TestClientFetchQuote(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		switch {
		case strings.HasSuffix(r.URL.Path, "/missing"):
			w.WriteHeader(http.StatusNotFound)
		case hits == 1:
			w.WriteHeader(http.StatusBadGateway)
		default:
			assert.Equal(t, "key", r.Header.Get("X-API-Key"))
			assert.Equal(t, "1700000000", r.URL.Query().Get("timestamp"))
			_ = json.NewEncoder(w).Encode(quoteResponse{Currency: usdcAddr, Decimals: 6, USD: "0.9991"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", time.Second, retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	q, err := c.FetchQuote(context.Background(), usdcAddr, time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t, int32(6), q.Decimals)
	assert.True(t, q.USD.Equal(decimal.RequireFromString("0.9991")))
	assert.Equal(t, 2, hits)

	_, err = c.FetchQuote(context.Background(), "missing", time.Unix(1700000000, 0))
	assert.ErrorIs(t, err, domain.ErrNoPrice)
	assert.Equal(t, 3, hits, "not found is not retried")
}
