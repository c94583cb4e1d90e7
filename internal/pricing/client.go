package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/retry"
)

// Client fetches historical USD quotes from a price API of the form
// GET {base}/v1/prices/{currency}?timestamp={unix}.
type Client struct {
	baseURL    string
	apiKey     string
	policy     retry.Policy
	httpClient *http.Client
}

// NewClient creates a price API client.
func NewClient(baseURL, apiKey string, timeout time.Duration, policy retry.Policy) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		policy:  policy,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// quoteResponse is the price API payload.
type quoteResponse struct {
	Currency  string `json:"currency"`
	Decimals  int32  `json:"decimals"`
	USD       string `json:"usd"`
	Timestamp int64  `json:"timestamp"`
}

// FetchQuote returns the USD value of one whole unit of currency at ts.
// Unknown currencies yield domain.ErrNoPrice without retrying.
func (c *Client) FetchQuote(ctx context.Context, currency string, ts time.Time) (domain.PriceQuote, error) {
	var body []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var err error
		body, err = c.get(ctx, currency, ts)
		return err
	})
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("pricing: fetch %s: %w", currency, err)
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("pricing: decode %s: %w", currency, err)
	}
	usd, err := decimal.NewFromString(resp.USD)
	if err != nil || !usd.IsPositive() {
		return domain.PriceQuote{}, fmt.Errorf("pricing: quote %s %q: %w", currency, resp.USD, domain.ErrNoPrice)
	}
	quoteTime := ts
	if resp.Timestamp > 0 {
		quoteTime = time.Unix(resp.Timestamp, 0)
	}
	return domain.PriceQuote{
		Currency:  currency,
		Decimals:  resp.Decimals,
		USD:       usd,
		Timestamp: quoteTime,
	}, nil
}

func (c *Client) get(ctx context.Context, currency string, ts time.Time) ([]byte, error) {
	u := c.baseURL + "/v1/prices/" + url.PathEscape(currency) + "?timestamp=" + strconv.FormatInt(ts.Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, retry.Permanent(domain.ErrNoPrice)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	default:
		return nil, retry.Permanent(errors.New("HTTP " + strconv.Itoa(resp.StatusCode) + ": " + string(body)))
	}
}
