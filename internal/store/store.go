// Package store persists price candles to PostgreSQL. Tables are sharded by
// granularity (one table per sampling interval) and writes are idempotent
// upserts keyed on (symbol, timestamp), so re-retrieving an already stored
// range is always safe.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chasekb/cohida/internal/models"
)

const (
	defaultSchema      = "public"
	defaultTablePrefix = "crypto_prices"
	defaultMinConns    = 1
	defaultMaxConns    = 5
)

// Config holds PostgreSQL connection settings and table naming for a Store.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// Schema and TablePrefix default to "public" and "crypto_prices".
	Schema      string
	TablePrefix string

	// Granularity, in seconds, selects the table shard (e.g. 3600 maps to
	// crypto_prices_3600).
	Granularity int

	MinConns int
	MaxConns int

	Logger *slog.Logger
}

// SchemaError reports a failed schema provisioning statement.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("provisioning schema for %s: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Store writes and reads candles for a single granularity shard.
type Store struct {
	pool   *ConnectionPool
	schema string
	table  string // schema-qualified, e.g. public.crypto_prices_3600
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// New connects to PostgreSQL and returns a Store for cfg's granularity shard.
func New(ctx context.Context, cfg Config) (*Store, error) {
	dsn := connString(cfg)
	dial := func(ctx context.Context) (Conn, error) {
		return pgx.Connect(ctx, dsn)
	}
	return newWithDialer(ctx, cfg, dial)
}

func newWithDialer(ctx context.Context, cfg Config, dial Dialer) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MinConns <= 0 {
		cfg.MinConns = defaultMinConns
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = defaultMaxConns
	}

	pool, err := NewConnectionPool(ctx, dial, cfg.MinConns, cfg.MaxConns, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	schema := cfg.Schema
	if schema == "" {
		schema = defaultSchema
	}
	s := &Store{
		pool:   pool,
		schema: schema,
		table:  tableName(cfg),
		logger: cfg.Logger,
	}
	s.logger.Info("store initialized", "table", s.table)
	return s, nil
}

// connString renders cfg as a postgres:// URL understood by pgx.
func connString(cfg Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Path:   cfg.Database,
	}
	return u.String()
}

// tableName builds the schema-qualified shard name for cfg's granularity.
// A non-positive granularity selects the unsuffixed base table.
func tableName(cfg Config) string {
	schema := cfg.Schema
	if schema == "" {
		schema = defaultSchema
	}
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = defaultTablePrefix
	}
	if cfg.Granularity <= 0 {
		return fmt.Sprintf("%s.%s", schema, prefix)
	}
	return fmt.Sprintf("%s.%s_%d", schema, prefix, cfg.Granularity)
}

// TestConnection reports whether the database is reachable.
func (s *Store) TestConnection(ctx context.Context) bool {
	err := s.withConn(ctx, func(conn Conn) error {
		var one int
		return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
	if err != nil {
		s.logger.Error("database connection test failed", "error", err)
		return false
	}
	return true
}

// EnsureSchema creates the shard table and its indexes if they do not exist.
// It runs the DDL at most once per Store; later calls are no-ops.
func (s *Store) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	var ddl []string
	if s.schema != defaultSchema {
		ddl = append(ddl, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", s.schema))
	}
	ddl = append(ddl,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			symbol TEXT NOT NULL,
			"timestamp" TIMESTAMPTZ NOT NULL,
			open NUMERIC(18,8) NOT NULL,
			high NUMERIC(18,8) NOT NULL,
			low NUMERIC(18,8) NOT NULL,
			close NUMERIC(18,8) NOT NULL,
			volume NUMERIC(20,8) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (symbol, "timestamp")
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_symbol_ts_idx ON %s (symbol, "timestamp")`,
			indexPrefix(s.table), s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s ("timestamp")`,
			indexPrefix(s.table), s.table),
	)

	err := s.withConn(ctx, func(conn Conn) error {
		for _, stmt := range ddl {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return &SchemaError{Table: s.table, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.initialized = true
	s.logger.Info("schema ensured", "table", s.table)
	return nil
}

// indexPrefix strips the schema qualifier; index names cannot carry one.
func indexPrefix(table string) string {
	for i := len(table) - 1; i >= 0; i-- {
		if table[i] == '.' {
			return table[i+1:]
		}
	}
	return table
}

// WriteData upserts candles and returns the number written. A failed row is
// logged and skipped so one bad candle cannot sink a batch; the returned
// count reflects rows actually persisted.
func (s *Store) WriteData(ctx context.Context, candles []models.PriceCandle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	upsert := fmt.Sprintf(`INSERT INTO %s (symbol, "timestamp", open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol, "timestamp") DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			updated_at = now()`, s.table)

	written := 0
	err := s.withConn(ctx, func(conn Conn) error {
		for _, c := range candles {
			_, err := conn.Exec(ctx, upsert,
				c.Symbol, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume)
			if err != nil {
				s.logger.Warn("failed to write candle, skipping",
					"symbol", c.Symbol,
					"timestamp", c.Timestamp,
					"error", err)
				continue
			}
			written++
		}
		return nil
	})
	if err != nil {
		return written, err
	}

	s.logger.Info("wrote data points", "table", s.table, "written", written, "total", len(candles))
	return written, nil
}

// ReadData returns the stored candles for symbol in [start, end], ascending
// by timestamp.
func (s *Store) ReadData(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceCandle, error) {
	query := fmt.Sprintf(`SELECT symbol, "timestamp", open, high, low, close, volume
		FROM %s
		WHERE symbol = $1 AND "timestamp" >= $2 AND "timestamp" <= $3
		ORDER BY "timestamp" ASC`, s.table)

	var candles []models.PriceCandle
	err := s.withConn(ctx, func(conn Conn) error {
		rows, err := conn.Query(ctx, query, symbol, start, end)
		if err != nil {
			return fmt.Errorf("querying candles: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var c models.PriceCandle
			if err := rows.Scan(&c.Symbol, &c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
				return fmt.Errorf("scanning candle row: %w", err)
			}
			c.Timestamp = c.Timestamp.UTC()
			candles = append(candles, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return candles, nil
}

// GetDataCount returns the number of stored candles for symbol.
func (s *Store) GetDataCount(ctx context.Context, symbol string) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE symbol = $1", s.table)

	var count int64
	err := s.withConn(ctx, func(conn Conn) error {
		return conn.QueryRow(ctx, query, symbol).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("counting candles for %s: %w", symbol, err)
	}
	return count, nil
}

// GetLatestTimestamp returns the newest stored candle timestamp for symbol.
// The boolean is false when no rows exist for the symbol.
func (s *Store) GetLatestTimestamp(ctx context.Context, symbol string) (time.Time, bool, error) {
	query := fmt.Sprintf(`SELECT MAX("timestamp") FROM %s WHERE symbol = $1`, s.table)

	var latest *time.Time
	err := s.withConn(ctx, func(conn Conn) error {
		return conn.QueryRow(ctx, query, symbol).Scan(&latest)
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("finding latest timestamp for %s: %w", symbol, err)
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return latest.UTC(), true, nil
}

// Close releases all pooled connections.
func (s *Store) Close(ctx context.Context) {
	s.pool.Close(ctx)
}

// withConn scopes one pooled connection to fn: acquire, run, release.
func (s *Store) withConn(ctx context.Context, fn func(Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer s.pool.Release(conn)
	return fn(conn)
}
