// Package supplier provides a client for the CoinGecko markets API
package supplier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/trogers1052/portfolio-service/internal/logging"
	"github.com/trogers1052/portfolio-service/internal/models"
)

const (
	DefaultBaseURL    = "https://api.coingecko.com/api/v3"
	DefaultTimeout    = 10 * time.Second
	DefaultRateLimit  = 5 // requests per second
	DefaultVsCurrency = "usd"

	// maxPerPage is the largest page /coins/markets serves
	maxPerPage = 250
)

// Client fetches market quotes from CoinGecko
type Client struct {
	baseURL    string
	apiKey     string
	vsCurrency string
	httpClient *http.Client
	logger     *logging.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithAPIKey sets the demo API key sent with every request
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithVsCurrency sets the quote currency
func WithVsCurrency(currency string) ClientOption {
	return func(c *Client) {
		c.vsCurrency = strings.ToLower(currency)
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new CoinGecko client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		vsCurrency: DefaultVsCurrency,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  logging.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents a non-200 response
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("CoinGecko API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Retryable reports whether the request may succeed if repeated later
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type marketResponse struct {
	ID                       string              `json:"id"`
	Symbol                   string              `json:"symbol"`
	Name                     string              `json:"name"`
	CurrentPrice             decimal.NullDecimal `json:"current_price"`
	PriceChangePercentage24h decimal.NullDecimal `json:"price_change_percentage_24h"`
	LastUpdated              string              `json:"last_updated"`
}

// get performs a rate-limited GET request
func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	c.logger.Debug().Str("url", c.baseURL+path).Msg("CoinGecko API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Endpoint:   path,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// FetchQuotes returns the latest quote for each requested instrument id.
// Ids the API does not know, or quotes it sends without a price, are left
// out of the result.
func (c *Client) FetchQuotes(ctx context.Context, instrumentIDs []string) ([]models.Quote, error) {
	var quotes []models.Quote

	for start := 0; start < len(instrumentIDs); start += maxPerPage {
		end := start + maxPerPage
		if end > len(instrumentIDs) {
			end = len(instrumentIDs)
		}
		batch := instrumentIDs[start:end]

		params := url.Values{}
		params.Set("vs_currency", c.vsCurrency)
		params.Set("ids", strings.Join(batch, ","))
		params.Set("per_page", strconv.Itoa(maxPerPage))
		params.Set("page", "1")
		params.Set("price_change_percentage", "24h")

		var markets []marketResponse
		if err := c.get(ctx, "/coins/markets", params, &markets); err != nil {
			return nil, err
		}

		for _, m := range markets {
			q, ok := toQuote(m)
			if !ok {
				c.logger.Warn().Str("instrument_id", m.ID).Msg("Skipping market entry without a price")
				continue
			}
			quotes = append(quotes, q)
		}
	}

	c.logger.Debug().
		Int("requested", len(instrumentIDs)).
		Int("received", len(quotes)).
		Msg("Fetched CoinGecko quotes")

	return quotes, nil
}

func toQuote(m marketResponse) (models.Quote, bool) {
	if !m.CurrentPrice.Valid {
		return models.Quote{}, false
	}

	q := models.Quote{
		InstrumentID: m.ID,
		Symbol:       strings.ToUpper(m.Symbol),
		DisplayName:  m.Name,
		Price:        m.CurrentPrice.Decimal,
	}
	if m.PriceChangePercentage24h.Valid {
		q.Change24hPercent = m.PriceChangePercentage24h.Decimal
	}
	if t, err := time.Parse(time.RFC3339, m.LastUpdated); err == nil {
		q.ObservedAt = t.UTC()
	}
	return q, true
}
