// Package models provides the data structures and validation rules for
// cryptocurrency historical price data: OHLCV candles, symbol metadata,
// and the request/result pair used by the retrieval pipeline.
package models

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError reports a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// PriceCandle is a single OHLCV sample for a trading pair. Timestamp is the
// candle open time in UTC. Candles are never mutated after construction;
// corrections are new values written via the store's upsert.
type PriceCandle struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Open      decimal.Decimal `json:"open" db:"open_price"`
	High      decimal.Decimal `json:"high" db:"high_price"`
	Low       decimal.Decimal `json:"low" db:"low_price"`
	Close     decimal.Decimal `json:"close" db:"close_price"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
}

// NewPriceCandle constructs and validates a candle. All four prices must be
// strictly positive and volume non-negative; violations fail construction
// rather than being coerced. High/low falling outside the open/close range is
// only logged, since upstream data occasionally violates strict OHLC ordering.
func NewPriceCandle(symbol string, timestamp time.Time, open, high, low, close, volume decimal.Decimal) (*PriceCandle, error) {
	c := &PriceCandle{
		Symbol:    symbol,
		Timestamp: timestamp.UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create candle: %w", err)
	}

	return c, nil
}

// NewPriceCandleFromStrings parses decimal strings, as delivered by the API
// and the database, and constructs a validated candle.
func NewPriceCandleFromStrings(symbol string, timestamp time.Time, open, high, low, close, volume string) (*PriceCandle, error) {
	fields := []struct {
		name  string
		value string
	}{
		{"open", open},
		{"high", high},
		{"low", low},
		{"close", close},
		{"volume", volume},
	}

	parsed := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return nil, &ValidationError{Field: f.name, Message: fmt.Sprintf("invalid decimal %q: %v", f.value, err)}
		}
		parsed[i] = d
	}

	return NewPriceCandle(symbol, timestamp, parsed[0], parsed[1], parsed[2], parsed[3], parsed[4])
}

// Validate checks the candle invariants: non-empty symbol, non-zero
// timestamp, strictly positive prices, non-negative volume.
func (c *PriceCandle) Validate() error {
	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	prices := []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
	}
	for _, p := range prices {
		if p.value.LessThanOrEqual(decimal.Zero) {
			return &ValidationError{Field: p.name, Message: fmt.Sprintf("%s price must be greater than 0", p.name)}
		}
	}

	if c.Volume.LessThan(decimal.Zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	// Upstream feeds occasionally report high/low outside the open/close
	// range. Warn, do not reject.
	if c.High.LessThan(decimal.Max(c.Open, c.Close)) {
		slog.Warn("high price below open/close range",
			"symbol", c.Symbol,
			"timestamp", c.Timestamp,
			"high", c.High)
	}
	if c.Low.GreaterThan(decimal.Min(c.Open, c.Close)) {
		slog.Warn("low price above open/close range",
			"symbol", c.Symbol,
			"timestamp", c.Timestamp,
			"low", c.Low)
	}

	return nil
}

// String implements fmt.Stringer.
func (c *PriceCandle) String() string {
	return fmt.Sprintf("PriceCandle{Symbol: %s, Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Symbol, c.Timestamp.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}
