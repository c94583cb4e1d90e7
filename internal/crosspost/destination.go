// Package crosspost forwards locally accepted orders to external
// orderbooks.
package crosspost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// Destination is an external orderbook accepting order submissions.
type Destination interface {
	Name() string
	// Bucket names the rate-limit bucket the destination's credential
	// draws from.
	Bucket() string
	Post(ctx context.Context, order domain.CanonicalOrder) error
}

// ThrottledError reports that the destination asked for a back-off.
type ThrottledError struct {
	Delay time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled for %s", e.Delay)
}

func (e *ThrottledError) Unwrap() error { return domain.ErrRateLimited }

// InvalidError reports that the destination rejected the order itself.
type InvalidError struct {
	Kind    string
	Message string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid request (%s): %s", e.Kind, e.Message)
}

func (e *InvalidError) Unwrap() error { return domain.ErrInvalidOrder }

// HTTPConfig describes a JSON submission endpoint.
type HTTPConfig struct {
	Name         string
	BaseURL      string
	Path         string
	APIKey       string
	APIKeyHeader string
	// KeyID labels the credential in rate-limit bucket names.
	KeyID   string
	Kinds   []domain.OrderKind
	Timeout time.Duration
}

// HTTPDestination posts orders as JSON.
type HTTPDestination struct {
	cfg        HTTPConfig
	httpClient *http.Client
}

var _ Destination = (*HTTPDestination)(nil)

// NewHTTPDestination creates an HTTPDestination.
func NewHTTPDestination(cfg HTTPConfig) *HTTPDestination {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.KeyID == "" {
		cfg.KeyID = "default"
	}
	return &HTTPDestination{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// OpenSea accepts Seaport listings and offers.
func OpenSea(baseURL, apiKey, keyID string) *HTTPDestination {
	return NewHTTPDestination(HTTPConfig{
		Name:         "opensea",
		BaseURL:      baseURL,
		Path:         "/v2/orders",
		APIKey:       apiKey,
		APIKeyHeader: "X-API-KEY",
		KeyID:        keyID,
		Kinds:        []domain.OrderKind{domain.OrderKindSeaport},
	})
}

// LooksRare accepts LooksRare v2 and Seaport orders.
func LooksRare(baseURL, apiKey, keyID string) *HTTPDestination {
	return NewHTTPDestination(HTTPConfig{
		Name:         "looks-rare",
		BaseURL:      baseURL,
		Path:         "/api/v2/orders",
		APIKey:       apiKey,
		APIKeyHeader: "X-Looks-Api-Key",
		KeyID:        keyID,
		Kinds:        []domain.OrderKind{domain.OrderKindLooksRareV2, domain.OrderKindSeaport},
	})
}

func (d *HTTPDestination) Name() string   { return d.cfg.Name }
func (d *HTTPDestination) Bucket() string { return d.cfg.Name + ":" + d.cfg.KeyID }

type submitBody struct {
	Protocol string          `json:"protocol"`
	Side     string          `json:"side"`
	Order    json.RawMessage `json:"order"`
}

// Post submits the order. Timeouts and 5xx responses come back as plain
// errors so the caller retries them.
func (d *HTTPDestination) Post(ctx context.Context, order domain.CanonicalOrder) error {
	if !slices.Contains(d.cfg.Kinds, order.Kind) {
		return &InvalidError{Kind: "unsupported-kind", Message: string(order.Kind)}
	}
	if len(order.RawData) == 0 {
		return &InvalidError{Kind: "missing-data", Message: "order has no raw parameters"}
	}

	body, err := json.Marshal(submitBody{
		Protocol: string(order.Kind),
		Side:     string(order.Side),
		Order:    order.RawData,
	})
	if err != nil {
		return fmt.Errorf("crosspost/%s: marshal: %w", d.cfg.Name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+d.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("crosspost/%s: create request: %w", d.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set(d.cfg.APIKeyHeader, d.cfg.APIKey)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crosspost/%s: http request: %w", d.cfg.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("crosspost/%s: read response: %w", d.cfg.Name, err)
	}
	if err := checkHTTPStatus(resp, respBody); err != nil {
		return fmt.Errorf("crosspost/%s: %w", d.cfg.Name, err)
	}
	return nil
}

// defaultThrottle applies when a 429 carries no reset hint.
const defaultThrottle = time.Second

type errorBody struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

// checkHTTPStatus maps a response onto the destination contract: success,
// throttled or invalid. Anything else is an ordinary error.
func checkHTTPStatus(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var eb errorBody
	_ = json.Unmarshal(body, &eb)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		delay := defaultThrottle
		if eb.RetryAfterMs > 0 {
			delay = time.Duration(eb.RetryAfterMs) * time.Millisecond
		} else if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			delay = time.Duration(secs) * time.Second
		}
		return &ThrottledError{Delay: delay}
	case http.StatusBadRequest:
		if eb.Kind == "" {
			eb.Kind = "invalid"
		}
		if eb.Message == "" {
			eb.Message = string(body)
		}
		return &InvalidError{Kind: eb.Kind, Message: eb.Message}
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, string(body))
	default:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
}
