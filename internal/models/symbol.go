package models

import (
	"log/slog"
	"strings"
)

// Symbol statuses reported by the exchange. Unrecognized statuses are
// accepted with a warning since the API adds new ones without notice.
const (
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusDelisted = "delisted"
)

// SymbolInfo is tradable-pair metadata as reported by the exchange.
// It is created per API call and never persisted.
type SymbolInfo struct {
	Symbol        string `json:"symbol"`
	BaseCurrency  string `json:"base_currency"`
	QuoteCurrency string `json:"quote_currency"`
	DisplayName   string `json:"display_name"`
	Status        string `json:"status"`
}

// NewSymbolInfo constructs symbol metadata, validating the required fields.
func NewSymbolInfo(symbol, baseCurrency, quoteCurrency, displayName, status string) (*SymbolInfo, error) {
	if symbol == "" {
		return nil, &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if baseCurrency == "" || quoteCurrency == "" {
		return nil, &ValidationError{Field: "currency", Message: "base and quote currencies must be specified"}
	}

	switch status {
	case StatusOnline, StatusOffline, StatusDelisted:
	default:
		slog.Warn("unknown symbol status", "symbol", symbol, "status", status)
	}

	return &SymbolInfo{
		Symbol:        symbol,
		BaseCurrency:  baseCurrency,
		QuoteCurrency: quoteCurrency,
		DisplayName:   displayName,
		Status:        status,
	}, nil
}

// IsOnline reports whether the pair is currently tradable.
func (s *SymbolInfo) IsOnline() bool {
	return s.Status == StatusOnline
}

// IsValidSymbol reports whether s is a well-formed BASE-QUOTE trading pair:
// exactly one '-' separator, a 3-6 character alphanumeric base and an exactly
// 3 character alphanumeric quote.
func IsValidSymbol(s string) bool {
	if s == "" {
		return false
	}

	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return false
	}

	base, quote := parts[0], parts[1]
	if len(base) < 3 || len(base) > 6 || len(quote) != 3 {
		return false
	}

	return isAlphanumeric(base) && isAlphanumeric(quote)
}

// NormalizeSymbol trims surrounding whitespace and upper-cases the pair.
// Normalization is best-effort, not a gate: a result that still fails
// IsValidSymbol is logged and returned as-is.
func NormalizeSymbol(s string) string {
	normalized := strings.ToUpper(strings.TrimSpace(s))

	if !IsValidSymbol(normalized) {
		slog.Warn("symbol may not be supported", "symbol", s, "normalized", normalized)
	}

	return normalized
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return len(s) > 0
}
