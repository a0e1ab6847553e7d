// Package export writes retrieved data to files for downstream consumption
// outside the database, in CSV and JSON forms.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chasekb/cohida/internal/models"
)

var csvHeader = []string{"symbol", "timestamp", "open", "high", "low", "close", "volume"}

// Writer exports candles and symbol listings into a target directory,
// creating it on first use. Output files carry a UTC timestamp so repeated
// exports never clobber each other.
type Writer struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Writer targeting dir.
func New(dir string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}
}

// WriteCSV writes candles to a timestamped CSV file and returns its path.
func (w *Writer) WriteCSV(symbol string, candles []models.PriceCandle) (string, error) {
	path, f, err := w.createFile(symbol, "csv")
	if err != nil {
		return "", err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(csvHeader); err != nil {
		return "", fmt.Errorf("writing CSV header: %w", err)
	}
	for _, c := range candles {
		record := []string{
			c.Symbol,
			c.Timestamp.UTC().Format(time.RFC3339),
			c.Open.String(),
			c.High.String(),
			c.Low.String(),
			c.Close.String(),
			c.Volume.String(),
		}
		if err := cw.Write(record); err != nil {
			return "", fmt.Errorf("writing CSV record: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("flushing CSV: %w", err)
	}

	w.logger.Info("exported CSV", "path", path, "count", len(candles))
	return path, nil
}

// WriteJSON writes candles to a timestamped JSON file and returns its path.
func (w *Writer) WriteJSON(symbol string, candles []models.PriceCandle) (string, error) {
	path, f, err := w.createFile(symbol, "json")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if candles == nil {
		candles = []models.PriceCandle{}
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(candles); err != nil {
		return "", fmt.Errorf("encoding JSON: %w", err)
	}

	w.logger.Info("exported JSON", "path", path, "count", len(candles))
	return path, nil
}

// WriteSymbolsJSON writes an exchange symbol listing to a timestamped JSON
// file and returns its path.
func (w *Writer) WriteSymbolsJSON(symbols []models.SymbolInfo) (string, error) {
	path, f, err := w.createFile("symbols", "json")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if symbols == nil {
		symbols = []models.SymbolInfo{}
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(symbols); err != nil {
		return "", fmt.Errorf("encoding symbols JSON: %w", err)
	}

	w.logger.Info("exported symbols JSON", "path", path, "count", len(symbols))
	return path, nil
}

func (w *Writer) createFile(stem, ext string) (string, *os.File, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating output directory %s: %w", w.dir, err)
	}

	name := fmt.Sprintf("%s_%s.%s", stem, w.now().UTC().Format("20060102_150405"), ext)
	path := filepath.Join(w.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", nil, fmt.Errorf("creating %s: %w", path, err)
	}
	return path, f, nil
}
