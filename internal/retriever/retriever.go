// Package retriever orchestrates exchange API calls into request-shaped
// chunks, discovers the earliest date for which history exists, and assembles
// complete, validated result sets. Persistence is the caller's decision;
// the retriever only returns in-memory results.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/chasekb/cohida/internal/models"
)

const (
	// maxYearsBack bounds the earliest-date probe horizon.
	maxYearsBack = 10

	// probeWindowDays is the probe request window. Deliberately small so a
	// probe can never trip the per-request point ceiling at any granularity.
	probeWindowDays = 7

	// maxCandlesPerChunk sizes sweep chunks. Kept conservatively below the
	// exchange's documented ~300-candle ceiling to leave headroom against
	// boundary rounding in its limit enforcement.
	maxCandlesPerChunk = 200
)

// ExchangeClient is the slice of the API client the retriever depends on.
type ExchangeClient interface {
	GetHistoricalCandles(ctx context.Context, symbol string, start, end time.Time, granularity int) ([]models.PriceCandle, error)
	GetSymbolInfo(ctx context.Context, symbol string) *models.SymbolInfo
}

// Retriever drives historical data retrieval against an exchange client.
// Each call is a self-contained operation; no state persists across calls
// beyond the owned client.
type Retriever struct {
	client ExchangeClient
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Retriever over the given exchange client.
func New(client ExchangeClient, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// RetrieveHistoricalData fetches one validated window. An empty successful
// fetch is a success with zero candles, not an error.
func (r *Retriever) RetrieveHistoricalData(ctx context.Context, req models.RetrievalRequest) models.RetrievalResult {
	r.logger.Info("starting historical data retrieval",
		"symbol", req.Symbol,
		"start", req.Start,
		"end", req.End,
		"granularity", req.Granularity)

	if err := req.Validate(); err != nil {
		r.logger.Error("invalid retrieval request", "symbol", req.Symbol, "error", err)
		return models.NewRetrievalResult(req.Symbol, false, nil, err.Error())
	}

	candles, err := r.client.GetHistoricalCandles(ctx, req.Symbol, req.Start, req.End, req.Granularity)
	if err != nil {
		r.logger.Error("historical data retrieval failed", "symbol", req.Symbol, "error", err)
		return models.NewRetrievalResult(req.Symbol, false, nil, err.Error())
	}

	if len(candles) == 0 {
		r.logger.Warn("no data points retrieved", "symbol", req.Symbol)
		return models.NewRetrievalResult(req.Symbol, true, nil, "no data points available")
	}

	sortByTimestamp(candles)
	r.logger.Info("retrieved data points", "symbol", req.Symbol, "count", len(candles))
	return models.NewRetrievalResult(req.Symbol, true, candles, "")
}

// RetrieveAllHistoricalData retrieves the complete available history for a
// symbol: it discovers the earliest available timestamp, then sweeps forward
// in fixed-size chunks. A failed chunk costs only that chunk's candles; the
// sweep continues. maxRecords <= 0 means unbounded.
func (r *Retriever) RetrieveAllHistoricalData(ctx context.Context, symbol string, granularity int, maxRecords int) models.RetrievalResult {
	r.logger.Info("starting complete historical data retrieval",
		"symbol", symbol,
		"granularity", granularity)

	end := r.now().UTC()
	start := r.findEarliestAvailableData(ctx, symbol, granularity)
	r.logger.Info("auto-detected earliest data", "symbol", symbol, "start", start)

	candles, err := r.sweep(ctx, symbol, granularity, start, end, maxRecords)
	if err != nil {
		r.logger.Error("complete historical data retrieval failed", "symbol", symbol, "error", err)
		return models.NewRetrievalResult(symbol, false, nil, err.Error())
	}

	r.logger.Info("complete historical data retrieval finished",
		"symbol", symbol,
		"count", len(candles))
	return models.NewRetrievalResult(symbol, true, candles, "")
}

// RetrieveDateRange retrieves an arbitrary [start, end] window, chunking as
// needed so no single API request exceeds the per-request candle ceiling.
func (r *Retriever) RetrieveDateRange(ctx context.Context, symbol string, granularity int, start, end time.Time) models.RetrievalResult {
	if !start.Before(end) {
		return models.NewRetrievalResult(symbol, false, nil, "start date must be before end date")
	}

	r.logger.Info("starting date range retrieval",
		"symbol", symbol,
		"start", start,
		"end", end,
		"granularity", granularity)

	candles, err := r.sweep(ctx, symbol, granularity, start, end, 0)
	if err != nil {
		return models.NewRetrievalResult(symbol, false, nil, err.Error())
	}
	return models.NewRetrievalResult(symbol, true, candles, "")
}

// RetrieveIncrementalData sweeps from a known timestamp to now, for topping
// up a store that already holds history.
func (r *Retriever) RetrieveIncrementalData(ctx context.Context, symbol string, granularity int, since time.Time) models.RetrievalResult {
	end := r.now().UTC()
	if !since.Before(end) {
		return models.NewRetrievalResult(symbol, true, nil, "no new data in range")
	}

	r.logger.Info("starting incremental data retrieval",
		"symbol", symbol,
		"since", since,
		"granularity", granularity)

	candles, err := r.sweep(ctx, symbol, granularity, since, end, 0)
	if err != nil {
		return models.NewRetrievalResult(symbol, false, nil, err.Error())
	}
	return models.NewRetrievalResult(symbol, true, candles, "")
}

// ValidateSymbol reports whether the exchange knows the symbol.
func (r *Retriever) ValidateSymbol(ctx context.Context, symbol string) bool {
	return r.client.GetSymbolInfo(ctx, symbol) != nil
}

// findEarliestAvailableData probes for the oldest available candle. The API
// has no "first available" primitive, so the probe walks backward year by
// year requesting a short fixed window at each boundary; the first window
// holding data establishes the earliest timestamp. Discovery is best-effort:
// when every probe comes back empty the fallback is one year ago, which only
// means some harmless, idempotent extra chunk requests later.
func (r *Retriever) findEarliestAvailableData(ctx context.Context, symbol string, granularity int) time.Time {
	r.logger.Info("finding earliest available data", "symbol", symbol)

	current := r.now().UTC()
	for yearsBack := 1; yearsBack <= maxYearsBack; yearsBack++ {
		testStart := current.AddDate(-yearsBack, 0, 0)
		testEnd := testStart.AddDate(0, 0, probeWindowDays)

		r.logger.Debug("testing data availability",
			"symbol", symbol,
			"years_back", yearsBack,
			"start", testStart,
			"end", testEnd)

		req := models.RetrievalRequest{
			Symbol:              symbol,
			Start:               testStart,
			End:                 testEnd,
			Granularity:         granularity,
			SkipRangeValidation: true,
		}

		probe := r.RetrieveHistoricalData(ctx, req)
		if !probe.Success || probe.IsEmpty() {
			r.logger.Debug("no data found", "symbol", symbol, "years_back", yearsBack)
			continue
		}

		earliest := probe.Candles[0].Timestamp
		for _, c := range probe.Candles[1:] {
			if c.Timestamp.Before(earliest) {
				earliest = c.Timestamp
			}
		}

		r.logger.Debug("found data",
			"symbol", symbol,
			"years_back", yearsBack,
			"earliest", earliest)
		return earliest
	}

	r.logger.Warn("failed to find earliest available data, defaulting to 1 year back", "symbol", symbol)
	return current.AddDate(-1, 0, 0)
}

// sweep iterates fixed-size windows from start to end, accumulating candles.
// Chunk failures are logged and skipped; only a non-chunk-scoped error (at
// present, context cancellation) aborts the sweep.
func (r *Retriever) sweep(ctx context.Context, symbol string, granularity int, start, end time.Time, maxRecords int) ([]models.PriceCandle, error) {
	chunkDuration := time.Duration(granularity*maxCandlesPerChunk) * time.Second

	var all []models.PriceCandle
	chunkStart := start
	chunkCount := 0

	for chunkStart.Before(end) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("sweep canceled after %d chunks: %w", chunkCount, err)
		}

		chunkEnd := chunkStart.Add(chunkDuration)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunkCount++

		r.logger.Info("processing chunk",
			"symbol", symbol,
			"chunk", chunkCount,
			"start", chunkStart,
			"end", chunkEnd)

		req := models.RetrievalRequest{
			Symbol:              symbol,
			Start:               chunkStart,
			End:                 chunkEnd,
			Granularity:         granularity,
			SkipRangeValidation: true,
		}

		chunk := r.RetrieveHistoricalData(ctx, req)
		switch {
		case !chunk.Success:
			r.logger.Warn("chunk failed, continuing",
				"symbol", symbol,
				"chunk", chunkCount,
				"error", chunk.ErrorMessage)
		case chunk.IsEmpty():
			r.logger.Debug("chunk returned no data", "symbol", symbol, "chunk", chunkCount)
		default:
			all = append(all, chunk.Candles...)
			r.logger.Debug("chunk retrieved",
				"symbol", symbol,
				"chunk", chunkCount,
				"count", chunk.Count())
		}

		chunkStart = chunkEnd.Add(time.Second)

		if maxRecords > 0 && len(all) >= maxRecords {
			r.logger.Info("reached maximum record limit", "symbol", symbol, "max_records", maxRecords)
			all = all[:maxRecords]
			break
		}
	}

	// Chunks arrive in time order today, but downstream consumers assume
	// monotonic timestamps, so the ordering is enforced at this boundary.
	sortByTimestamp(all)
	return all, nil
}

func sortByTimestamp(candles []models.PriceCandle) {
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
}
