package models

import (
	"fmt"
	"time"
)

// MaxPointsPerRequest is the per-request candle-count ceiling enforced by
// RetrievalRequest.Validate. The exchange documents a 300-candle limit; one
// candle of headroom absorbs boundary rounding in its own limit enforcement.
const MaxPointsPerRequest = 299

// SupportedGranularities lists the sampling intervals, in seconds, accepted
// by the exchange candle endpoint.
var SupportedGranularities = []int{60, 300, 900, 3600, 21600, 86400}

// RetrievalRequest describes one historical-data window to fetch.
// SkipRangeValidation is set only by the earliest-date probe and the chunked
// sweep, whose windows are sized to comply by construction.
type RetrievalRequest struct {
	Symbol              string
	Start               time.Time
	End                 time.Time
	Granularity         int
	SkipRangeValidation bool
}

// NewRetrievalRequest builds a request with the default hourly granularity.
func NewRetrievalRequest(symbol string, start, end time.Time) RetrievalRequest {
	return RetrievalRequest{
		Symbol:      symbol,
		Start:       start,
		End:         end,
		Granularity: 3600,
	}
}

// Validate enforces the request invariants: non-empty symbol, start before
// end, a supported granularity, and, unless SkipRangeValidation is set, a
// window no larger than Granularity * MaxPointsPerRequest seconds.
func (r RetrievalRequest) Validate() error {
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if !r.Start.Before(r.End) {
		return &ValidationError{Field: "start", Message: "start date must be before end date"}
	}

	supported := false
	for _, g := range SupportedGranularities {
		if r.Granularity == g {
			supported = true
			break
		}
	}
	if !supported {
		return &ValidationError{
			Field:   "granularity",
			Message: fmt.Sprintf("granularity must be one of %v, got %d", SupportedGranularities, r.Granularity),
		}
	}

	if !r.SkipRangeValidation {
		maxDuration := time.Duration(r.Granularity*MaxPointsPerRequest) * time.Second
		if r.End.Sub(r.Start) > maxDuration {
			return &ValidationError{
				Field: "end",
				Message: fmt.Sprintf("date range too large for granularity %d: max duration %s",
					r.Granularity, maxDuration),
			}
		}
	}

	return nil
}

// RetrievalResult is the outcome of one retrieval operation. Success with
// zero candles is a valid outcome ("no data in range"), distinct from
// failure. Candles are ordered ascending by timestamp.
type RetrievalResult struct {
	Symbol       string
	Success      bool
	Candles      []PriceCandle
	ErrorMessage string
	RetrievedAt  time.Time
}

// NewRetrievalResult constructs a result stamped with the current time.
func NewRetrievalResult(symbol string, success bool, candles []PriceCandle, errorMessage string) RetrievalResult {
	return RetrievalResult{
		Symbol:       symbol,
		Success:      success,
		Candles:      candles,
		ErrorMessage: errorMessage,
		RetrievedAt:  time.Now().UTC(),
	}
}

// Count returns the number of retrieved candles.
func (r RetrievalResult) Count() int {
	return len(r.Candles)
}

// IsEmpty reports whether no candles were retrieved.
func (r RetrievalResult) IsEmpty() bool {
	return len(r.Candles) == 0
}
