// Command cohida retrieves cryptocurrency OHLCV history from the Coinbase
// Advanced Trade API and stores it in PostgreSQL.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chasekb/cohida/internal/coinbase"
	"github.com/chasekb/cohida/internal/config"
	"github.com/chasekb/cohida/internal/export"
	"github.com/chasekb/cohida/internal/logger"
	"github.com/chasekb/cohida/internal/models"
	"github.com/chasekb/cohida/internal/retriever"
	"github.com/chasekb/cohida/internal/store"
)

const usageText = `Usage: cohida <command> [flags]

Commands:
  retrieve      retrieve one date range for a symbol and store it
  retrieve-all  retrieve the complete available history for a symbol
  update        top up stored history from the latest stored timestamp
  schedule      run periodic incremental updates on a cron schedule
  read          read stored candles and print or export them
  symbols       list tradable symbols on the exchange
  info          show symbol details and current price
  test          check API and database connectivity

Run 'cohida <command> -h' for command flags.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usageText)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "retrieve":
		return cmdRetrieve(ctx, rest)
	case "retrieve-all":
		return cmdRetrieveAll(ctx, rest)
	case "update":
		return cmdUpdate(ctx, rest)
	case "schedule":
		return cmdSchedule(ctx, rest)
	case "read":
		return cmdRead(ctx, rest)
	case "symbols":
		return cmdSymbols(ctx, rest)
	case "info":
		return cmdInfo(ctx, rest)
	case "test":
		return cmdTest(ctx, rest)
	case "-h", "--help", "help":
		fmt.Print(usageText)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", cmd, usageText)
		return 2
	}
}

// app bundles the wired components every command draws from.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	client *coinbase.Client
}

// commonFlags registers the flags shared by every command on fs.
func commonFlags(fs *flag.FlagSet) *string {
	return fs.String("env", ".env", "path to env file (optional)")
}

func setup(envFile string) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}

	log := logger.Setup(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	client := coinbase.NewClient(coinbase.Config{
		APIKey:    cfg.CoinbaseAPIKey,
		APISecret: cfg.CoinbaseAPISecret,
		Sandbox:   cfg.CoinbaseSandbox,
		Logger:    log,
	})

	return &app{cfg: cfg, log: log, client: client}, nil
}

func (a *app) openStore(ctx context.Context, granularity int) (*store.Store, error) {
	return store.New(ctx, store.Config{
		Host:        a.cfg.DBHost,
		Port:        a.cfg.DBPort,
		Database:    a.cfg.DBName,
		User:        a.cfg.DBUser,
		Password:    a.cfg.DBPassword,
		Schema:      a.cfg.DBSchema,
		TablePrefix: a.cfg.DBTable,
		Granularity: granularity,
		Logger:      a.log,
	})
}

func (a *app) retriever() *retriever.Retriever {
	return retriever.New(a.client, a.log)
}

func (a *app) exporter() *export.Writer {
	return export.New(a.cfg.OutputDir, a.log)
}

func checkGranularity(g int) error {
	for _, s := range models.SupportedGranularities {
		if g == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported granularity %d (want one of %v)", g, models.SupportedGranularities)
}

// parseDate accepts YYYY-MM-DD or RFC 3339 and returns UTC.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC 3339)", s)
	}
	return t.UTC(), nil
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}

// storeAndExport persists a successful result and honors the export flags.
func storeAndExport(ctx context.Context, a *app, st *store.Store, result models.RetrievalResult, toCSV, toJSON bool) error {
	written, err := st.WriteData(ctx, result.Candles)
	if err != nil {
		return fmt.Errorf("storing candles: %w", err)
	}
	a.log.Info("stored candles", "symbol", result.Symbol, "written", written)

	if toCSV {
		if _, err := a.exporter().WriteCSV(result.Symbol, result.Candles); err != nil {
			return err
		}
	}
	if toJSON {
		if _, err := a.exporter().WriteJSON(result.Symbol, result.Candles); err != nil {
			return err
		}
	}
	return nil
}

func cmdRetrieve(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("retrieve", flag.ExitOnError)
	envFile := commonFlags(fs)
	symbol := fs.String("symbol", "", "trading pair, e.g. BTC-USD (required)")
	startStr := fs.String("start", "", "range start, YYYY-MM-DD or RFC 3339 (required)")
	endStr := fs.String("end", "", "range end, YYYY-MM-DD or RFC 3339 (required)")
	granularity := fs.Int("granularity", 3600, "candle interval in seconds")
	toCSV := fs.Bool("csv", false, "also export the result as CSV")
	toJSON := fs.Bool("json", false, "also export the result as JSON")
	fs.Parse(args)

	if *symbol == "" || *startStr == "" || *endStr == "" {
		fs.Usage()
		return 2
	}
	start, err := parseDate(*startStr)
	if err != nil {
		return fail(err)
	}
	end, err := parseDate(*endStr)
	if err != nil {
		return fail(err)
	}

	if err := checkGranularity(*granularity); err != nil {
		return fail(err)
	}

	a, err := setup(*envFile)
	if err != nil {
		return fail(err)
	}

	sym := models.NormalizeSymbol(*symbol)
	result := a.retriever().RetrieveDateRange(ctx, sym, *granularity, start, end)
	if !result.Success {
		return fail(fmt.Errorf("retrieval failed: %s", result.ErrorMessage))
	}

	st, err := a.openStore(ctx, *granularity)
	if err != nil {
		return fail(err)
	}
	defer st.Close(ctx)

	if err := storeAndExport(ctx, a, st, result, *toCSV, *toJSON); err != nil {
		return fail(err)
	}
	fmt.Printf("retrieved and stored %d candles for %s\n", result.Count(), sym)
	return 0
}

func cmdRetrieveAll(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("retrieve-all", flag.ExitOnError)
	envFile := commonFlags(fs)
	symbol := fs.String("symbol", "", "trading pair, e.g. BTC-USD (required)")
	granularity := fs.Int("granularity", 3600, "candle interval in seconds")
	maxRecords := fs.Int("max-records", 0, "stop after this many candles (0 = unlimited)")
	toCSV := fs.Bool("csv", false, "also export the result as CSV")
	toJSON := fs.Bool("json", false, "also export the result as JSON")
	fs.Parse(args)

	if *symbol == "" {
		fs.Usage()
		return 2
	}

	if err := checkGranularity(*granularity); err != nil {
		return fail(err)
	}

	a, err := setup(*envFile)
	if err != nil {
		return fail(err)
	}

	sym := models.NormalizeSymbol(*symbol)
	r := a.retriever()
	if !r.ValidateSymbol(ctx, sym) {
		return fail(fmt.Errorf("symbol %s is not available on the exchange", sym))
	}

	result := r.RetrieveAllHistoricalData(ctx, sym, *granularity, *maxRecords)
	if !result.Success {
		return fail(fmt.Errorf("retrieval failed: %s", result.ErrorMessage))
	}

	st, err := a.openStore(ctx, *granularity)
	if err != nil {
		return fail(err)
	}
	defer st.Close(ctx)

	if err := storeAndExport(ctx, a, st, result, *toCSV, *toJSON); err != nil {
		return fail(err)
	}
	fmt.Printf("retrieved and stored %d candles for %s\n", result.Count(), sym)
	return 0
}

func cmdUpdate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	envFile := commonFlags(fs)
	symbol := fs.String("symbol", "", "trading pair, e.g. BTC-USD (required)")
	granularity := fs.Int("granularity", 3600, "candle interval in seconds")
	fs.Parse(args)

	if *symbol == "" {
		fs.Usage()
		return 2
	}

	if err := checkGranularity(*granularity); err != nil {
		return fail(err)
	}

	a, err := setup(*envFile)
	if err != nil {
		return fail(err)
	}

	st, err := a.openStore(ctx, *granularity)
	if err != nil {
		return fail(err)
	}
	defer st.Close(ctx)

	sym := models.NormalizeSymbol(*symbol)
	count, err := updateSymbol(ctx, a, st, sym, *granularity)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("updated %s with %d new candles\n", sym, count)
	return 0
}

// updateSymbol tops up one symbol from its latest stored timestamp. With no
// stored history it falls back to the complete sweep.
func updateSymbol(ctx context.Context, a *app, st *store.Store, symbol string, granularity int) (int, error) {
	latest, found, err := st.GetLatestTimestamp(ctx, symbol)
	if err != nil {
		return 0, err
	}

	r := a.retriever()
	var result models.RetrievalResult
	if found {
		// Start one interval past the stored candle to avoid refetching it.
		since := latest.Add(time.Duration(granularity) * time.Second)
		result = r.RetrieveIncrementalData(ctx, symbol, granularity, since)
	} else {
		a.log.Info("no stored history, running complete retrieval", "symbol", symbol)
		result = r.RetrieveAllHistoricalData(ctx, symbol, granularity, 0)
	}
	if !result.Success {
		return 0, fmt.Errorf("retrieving %s: %s", symbol, result.ErrorMessage)
	}

	return st.WriteData(ctx, result.Candles)
}

func cmdSchedule(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	envFile := commonFlags(fs)
	symbols := fs.String("symbols", "", "comma-separated trading pairs, e.g. BTC-USD,ETH-USD (required)")
	granularity := fs.Int("granularity", 3600, "candle interval in seconds")
	spec := fs.String("cron", "@hourly", "cron schedule for incremental updates")
	fs.Parse(args)

	if *symbols == "" {
		fs.Usage()
		return 2
	}

	if err := checkGranularity(*granularity); err != nil {
		return fail(err)
	}

	a, err := setup(*envFile)
	if err != nil {
		return fail(err)
	}

	st, err := a.openStore(ctx, *granularity)
	if err != nil {
		return fail(err)
	}
	defer st.Close(ctx)

	var syms []string
	for _, s := range strings.Split(*symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			syms = append(syms, models.NormalizeSymbol(s))
		}
	}

	update := func() {
		for _, sym := range syms {
			count, err := updateSymbol(ctx, a, st, sym, *granularity)
			if err != nil {
				a.log.Error("scheduled update failed", "symbol", sym, "error", err)
				continue
			}
			a.log.Info("scheduled update complete", "symbol", sym, "new_candles", count)
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(*spec, update); err != nil {
		return fail(fmt.Errorf("invalid cron schedule %q: %w", *spec, err))
	}

	a.log.Info("scheduler started", "symbols", syms, "cron", *spec)
	update() // catch up immediately rather than waiting for the first tick
	c.Start()

	<-ctx.Done()
	a.log.Info("shutting down scheduler")
	<-c.Stop().Done()
	return 0
}

func cmdRead(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	envFile := commonFlags(fs)
	symbol := fs.String("symbol", "", "trading pair, e.g. BTC-USD (required)")
	startStr := fs.String("start", "", "range start, YYYY-MM-DD or RFC 3339 (required)")
	endStr := fs.String("end", "", "range end, YYYY-MM-DD or RFC 3339 (required)")
	granularity := fs.Int("granularity", 3600, "candle interval in seconds")
	toCSV := fs.Bool("csv", false, "export the result as CSV instead of printing")
	toJSON := fs.Bool("json", false, "export the result as JSON instead of printing")
	fs.Parse(args)

	if *symbol == "" || *startStr == "" || *endStr == "" {
		fs.Usage()
		return 2
	}
	start, err := parseDate(*startStr)
	if err != nil {
		return fail(err)
	}
	end, err := parseDate(*endStr)
	if err != nil {
		return fail(err)
	}

	if err := checkGranularity(*granularity); err != nil {
		return fail(err)
	}

	a, err := setup(*envFile)
	if err != nil {
		return fail(err)
	}

	st, err := a.openStore(ctx, *granularity)
	if err != nil {
		return fail(err)
	}
	defer st.Close(ctx)

	sym := models.NormalizeSymbol(*symbol)
	candles, err := st.ReadData(ctx, sym, start, end)
	if err != nil {
		return fail(err)
	}

	switch {
	case *toCSV:
		path, err := a.exporter().WriteCSV(sym, candles)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("wrote %d candles to %s\n", len(candles), path)
	case *toJSON:
		path, err := a.exporter().WriteJSON(sym, candles)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("wrote %d candles to %s\n", len(candles), path)
	default:
		for _, c := range candles {
			fmt.Println(c.String())
		}
		fmt.Printf("%d candles for %s\n", len(candles), sym)
	}
	return 0
}

func cmdSymbols(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("symbols", flag.ExitOnError)
	envFile := commonFlags(fs)
	onlineOnly := fs.Bool("online", false, "list only symbols currently tradable")
	toJSON := fs.Bool("json", false, "export the listing as JSON")
	fs.Parse(args)

	a, err := setup(*envFile)
	if err != nil {
		return fail(err)
	}

	symbols := a.client.GetAvailableSymbols(ctx)
	if symbols == nil {
		return fail(fmt.Errorf("could not list symbols from the exchange"))
	}

	var listed []models.SymbolInfo
	for _, s := range symbols {
		if *onlineOnly && !s.IsOnline() {
			continue
		}
		listed = append(listed, s)
	}

	if *toJSON {
		path, err := a.exporter().WriteSymbolsJSON(listed)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("wrote %d symbols to %s\n", len(listed), path)
		return 0
	}

	for _, s := range listed {
		fmt.Printf("%-14s %-20s %s\n", s.Symbol, s.DisplayName, s.Status)
	}
	fmt.Printf("%d symbols\n", len(listed))
	return 0
}

func cmdInfo(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	envFile := commonFlags(fs)
	symbol := fs.String("symbol", "", "trading pair, e.g. BTC-USD (required)")
	fs.Parse(args)

	if *symbol == "" {
		fs.Usage()
		return 2
	}

	a, err := setup(*envFile)
	if err != nil {
		return fail(err)
	}

	sym := models.NormalizeSymbol(*symbol)
	info := a.client.GetSymbolInfo(ctx, sym)
	if info == nil {
		return fail(fmt.Errorf("symbol %s not found on the exchange", sym))
	}

	fmt.Printf("Symbol:   %s\n", info.Symbol)
	fmt.Printf("Name:     %s\n", info.DisplayName)
	fmt.Printf("Base:     %s\n", info.BaseCurrency)
	fmt.Printf("Quote:    %s\n", info.QuoteCurrency)
	fmt.Printf("Status:   %s\n", info.Status)

	if price, ok := a.client.GetCurrentPrice(ctx, sym); ok {
		fmt.Printf("Price:    %s\n", price.String())
	}
	return 0
}

func cmdTest(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	envFile := commonFlags(fs)
	granularity := fs.Int("granularity", 3600, "candle interval in seconds")
	fs.Parse(args)

	if err := checkGranularity(*granularity); err != nil {
		return fail(err)
	}

	a, err := setup(*envFile)
	if err != nil {
		return fail(err)
	}

	ok := true
	if a.client.TestConnection(ctx) {
		fmt.Println("API connection: ok")
	} else {
		fmt.Println("API connection: FAILED")
		ok = false
	}

	st, err := a.openStore(ctx, *granularity)
	if err != nil {
		fmt.Println("database connection: FAILED:", err)
		return 1
	}
	defer st.Close(ctx)

	if st.TestConnection(ctx) {
		fmt.Println("database connection: ok")
	} else {
		fmt.Println("database connection: FAILED")
		ok = false
	}

	if !ok {
		return 1
	}
	return 0
}
