// Package coinbase implements the authenticated Coinbase Advanced Trade API
// client used for historical OHLCV retrieval, together with its token-bucket
// rate limiting, retry policy and request signing.
package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chasekb/cohida/internal/models"
)

const (
	productionBaseURL = "https://api.coinbase.com"
	sandboxBaseURL    = "https://api-public.sandbox.coinbase.com"

	productsEndpoint = "/api/v3/brokerage/products"
	candlesEndpoint  = "/api/v3/brokerage/products/%s/candles"

	userAgent      = "cohida/1.0"
	requestTimeout = 30 * time.Second

	// Token bucket defaults sized against Coinbase's public rate limits.
	defaultMaxTokens  = 10
	defaultRefillRate = 10.0
)

// Config carries client construction parameters. Zero values fall back to
// defaults; empty credentials yield an unauthenticated client usable only
// for public endpoints.
type Config struct {
	APIKey      string
	APISecret   string
	Sandbox     bool
	MaxTokens   int
	RefillRate  float64
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *slog.Logger
}

// Client is the Coinbase Advanced Trade API client. Every network method
// waits on the shared rate limiter before sending and routes the transport
// call through the retry policy. Instances are safe to share across
// goroutines.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	creds       credentials
	rateLimiter *RateLimiter
	retry       RetryPolicy
	logger      *slog.Logger
}

// NewClient creates a client from the given configuration.
func NewClient(cfg Config) *Client {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = defaultRefillRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	baseURL := productionBaseURL
	if cfg.Sandbox {
		baseURL = sandboxBaseURL
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:     baseURL,
		creds:       credentials{apiKey: cfg.APIKey, apiSecret: cfg.APISecret},
		rateLimiter: NewRateLimiter(cfg.MaxTokens, cfg.RefillRate),
		retry:       NewRetryPolicy(cfg.MaxAttempts, cfg.BaseDelay),
		logger:      cfg.Logger,
	}
}

// IsAuthenticated reports whether both API key and secret were provided.
func (c *Client) IsAuthenticated() bool {
	return c.creds.authenticated()
}

// TestConnection hits the public product listing and reports whether it
// returned a well-formed, non-empty response.
func (c *Client) TestConnection(ctx context.Context) bool {
	body, err := c.doRequest(ctx, http.MethodGet, c.baseURL+productsEndpoint+"?limit=1")
	if err != nil {
		c.logger.Error("connection test failed", "error", err)
		return false
	}

	var resp productsResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Products) == 0 {
		c.logger.Warn("connection test returned empty or malformed response")
		return false
	}

	c.logger.Info("coinbase API connection test successful")
	return true
}

// GetAvailableSymbols lists tradable pairs. Symbol listing is advisory, so
// this fails soft: any transport or parse error yields an empty slice.
func (c *Client) GetAvailableSymbols(ctx context.Context) []models.SymbolInfo {
	body, err := c.doRequest(ctx, http.MethodGet, c.baseURL+productsEndpoint)
	if err != nil {
		c.logger.Error("failed to get available symbols", "error", err)
		return nil
	}

	var resp productsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Error("failed to parse products response", "error", err)
		return nil
	}

	symbols := make([]models.SymbolInfo, 0, len(resp.Products))
	skipped := 0
	for _, p := range resp.Products {
		info, err := p.toSymbolInfo()
		if err != nil {
			if skipped < 5 {
				c.logger.Warn("skipping product with missing fields",
					"product_id", p.ProductID,
					"error", err)
			}
			skipped++
			continue
		}
		symbols = append(symbols, *info)
	}

	c.logger.Info("retrieved available symbols", "count", len(symbols), "skipped", skipped)
	return symbols
}

// GetSymbolInfo returns metadata for one trading pair, or nil when the pair
// is unknown or the request fails.
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) *models.SymbolInfo {
	body, err := c.doRequest(ctx, http.MethodGet, c.baseURL+productsEndpoint+"/"+url.PathEscape(symbol))
	if err != nil {
		c.logger.Error("failed to get symbol info", "symbol", symbol, "error", err)
		return nil
	}

	var p product
	if err := json.Unmarshal(body, &p); err != nil {
		c.logger.Error("failed to parse product response", "symbol", symbol, "error", err)
		return nil
	}

	info, err := p.toSymbolInfo()
	if err != nil {
		c.logger.Warn("no information found for symbol", "symbol", symbol, "error", err)
		return nil
	}

	c.logger.Debug("retrieved symbol info", "symbol", symbol)
	return info
}

// IsSymbolAvailable reports whether the pair exists and is currently online.
func (c *Client) IsSymbolAvailable(ctx context.Context, symbol string) bool {
	info := c.GetSymbolInfo(ctx, symbol)
	return info != nil && info.IsOnline()
}

// GetCurrentPrice returns the close of the latest 1-hour candle. There is no
// dedicated ticker endpoint on this path, so the price may legitimately be
// absent when no recent candle exists.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	end := time.Now().UTC()
	start := end.Add(-time.Hour)

	candles, err := c.GetHistoricalCandles(ctx, symbol, start, end, 3600)
	if err != nil {
		c.logger.Error("failed to get current price", "symbol", symbol, "error", err)
		return decimal.Zero, false
	}
	if len(candles) == 0 {
		c.logger.Warn("no price data found", "symbol", symbol)
		return decimal.Zero, false
	}

	price := candles[len(candles)-1].Close
	c.logger.Debug("current price", "symbol", symbol, "price", price)
	return price, true
}

// GetHistoricalCandles fetches OHLCV candles for [start, end] at the given
// granularity in seconds. Individual malformed entries in the response are
// skipped with a warning rather than failing the batch.
func (c *Client) GetHistoricalCandles(ctx context.Context, symbol string, start, end time.Time, granularity int) ([]models.PriceCandle, error) {
	params := url.Values{}
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("granularity", granularityLabel(granularity))

	requestURL := fmt.Sprintf(c.baseURL+candlesEndpoint, url.PathEscape(symbol)) + "?" + params.Encode()

	body, err := c.doRequest(ctx, http.MethodGet, requestURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get historical candles for %s: %w", symbol, err)
	}

	var resp candlesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ResponseError{Message: "failed to parse candles response", Err: err}
	}

	candles := make([]models.PriceCandle, 0, len(resp.Candles))
	for _, raw := range resp.Candles {
		startUnix, err := strconv.ParseInt(raw.Start, 10, 64)
		if err != nil {
			c.logger.Warn("skipping candle with invalid start time",
				"symbol", symbol,
				"start", raw.Start)
			continue
		}

		candle, err := models.NewPriceCandleFromStrings(symbol,
			time.Unix(startUnix, 0).UTC(),
			raw.Open, raw.High, raw.Low, raw.Close, raw.Volume)
		if err != nil {
			c.logger.Warn("skipping malformed candle",
				"symbol", symbol,
				"start", raw.Start,
				"error", err)
			continue
		}
		candles = append(candles, *candle)
	}

	c.logger.Debug("retrieved candles", "symbol", symbol, "count", len(candles))
	return candles, nil
}

// doRequest waits for a rate-limit token, then executes the request through
// the retry policy. The response body is returned only for 2xx statuses;
// any other outcome surfaces as a typed error.
func (c *Client) doRequest(ctx context.Context, method, requestURL string) ([]byte, error) {
	if err := c.rateLimiter.WaitForToken(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	var body []byte
	op := func() error {
		var err error
		body, err = c.send(ctx, method, requestURL)
		return err
	}

	if err := c.retry.Do(ctx, op); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, method, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return nil, &ResponseError{Message: "failed to create request", Err: err}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if c.creds.authenticated() {
		// The signed URI claim covers method + host + path only.
		token, err := c.creds.bearerToken(method, req.URL.Host, req.URL.Path, time.Now())
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("rate limited by exchange", "url", requestURL)
		return nil, &RateLimitError{Body: string(respBody)}
	case resp.StatusCode >= 400:
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// granularityLabel maps a granularity in seconds to the API's discrete label.
// Unrecognized values fall back to hourly; granularity is validated earlier
// by RetrievalRequest, so the fallback is a documented safety net rather
// than a rejection.
func granularityLabel(seconds int) string {
	switch seconds {
	case 60:
		return "ONE_MINUTE"
	case 300:
		return "FIVE_MINUTE"
	case 900:
		return "FIFTEEN_MINUTE"
	case 3600:
		return "ONE_HOUR"
	case 21600:
		return "SIX_HOUR"
	case 86400:
		return "ONE_DAY"
	default:
		return "ONE_HOUR"
	}
}

// API response structures.

type candlesResponse struct {
	Candles []rawCandle `json:"candles"`
}

type rawCandle struct {
	Start  string `json:"start"`
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

type productsResponse struct {
	Products []product `json:"products"`
}

type product struct {
	ProductID       string `json:"product_id"`
	BaseCurrencyID  string `json:"base_currency_id"`
	QuoteCurrencyID string `json:"quote_currency_id"`
	BaseName        string `json:"base_name"`
	QuoteName       string `json:"quote_name"`
	BaseDisplay     string `json:"base_display_symbol"`
	QuoteDisplay    string `json:"quote_display_symbol"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
}

func (p product) toSymbolInfo() (*models.SymbolInfo, error) {
	display := p.ProductID
	if p.BaseName != "" && p.QuoteName != "" {
		display = p.BaseName + "/" + p.QuoteName
	}

	status := p.Status
	if status == "" && p.TradingDisabled {
		status = models.StatusOffline
	}

	return models.NewSymbolInfo(p.ProductID, p.BaseCurrencyID, p.QuoteCurrencyID, display, status)
}
