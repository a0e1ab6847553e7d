package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chasekb/cohida/internal/models"
)

// memTable scripts a fakeConn as a tiny in-memory table honoring the
// (symbol, timestamp) upsert key, for exercising write/read behavior without
// a server.
type memTable struct {
	rows map[string][]any
}

func newMemTable(conn *fakeConn) *memTable {
	m := &memTable{rows: make(map[string][]any)}
	conn.execErr = func(sql string, args []any) error {
		if !strings.Contains(sql, "INSERT INTO") {
			return nil
		}
		key := fmt.Sprintf("%v|%d", args[0], args[1].(time.Time).Unix())
		m.rows[key] = append([]any(nil), args...)
		return nil
	}
	conn.queryFn = func(_ string, args []any) (pgx.Rows, error) {
		symbol := args[0].(string)
		start, end := args[1].(time.Time), args[2].(time.Time)

		var matched [][]any
		for _, row := range m.rows {
			ts := row[1].(time.Time)
			if row[0] == symbol && !ts.Before(start) && !ts.After(end) {
				matched = append(matched, row)
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			return matched[i][1].(time.Time).Before(matched[j][1].(time.Time))
		})
		return &fakeRows{rows: matched}, nil
	}
	return m
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *time.Time:
			*p = row[i].(time.Time)
		case *decimal.Decimal:
			*p = row[i].(decimal.Decimal)
		default:
			return fmt.Errorf("unsupported scan destination %T", d)
		}
	}
	return nil
}

func newTestStore(t *testing.T, cfg Config, conn *fakeConn) *Store {
	t.Helper()
	dial := func(_ context.Context) (Conn, error) { return conn, nil }
	s, err := newWithDialer(context.Background(), cfg, dial)
	require.NoError(t, err)
	return s
}

func storedCandle(t *testing.T, symbol string, ts time.Time) models.PriceCandle {
	t.Helper()
	c, err := models.NewPriceCandle(symbol, ts,
		decimal.NewFromInt(100), decimal.NewFromInt(110),
		decimal.NewFromInt(90), decimal.NewFromInt(105),
		decimal.NewFromInt(1000))
	require.NoError(t, err)
	return *c
}

func TestTableName(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "defaults",
			cfg:  Config{Granularity: 3600},
			want: "public.crypto_prices_3600",
		},
		{
			name: "custom schema and prefix",
			cfg:  Config{Schema: "md", TablePrefix: "candles", Granularity: 60},
			want: "md.candles_60",
		},
		{
			name: "daily shard",
			cfg:  Config{Granularity: 86400},
			want: "public.crypto_prices_86400",
		},
		{
			name: "no granularity uses base table",
			cfg:  Config{},
			want: "public.crypto_prices",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tableName(tt.cfg))
		})
	}
}

func TestConnString(t *testing.T) {
	cfg := Config{
		Host:     "db.internal",
		Port:     5432,
		Database: "marketdata",
		User:     "cohida",
		Password: "p@ss/word",
	}
	dsn := connString(cfg)
	assert.True(t, strings.HasPrefix(dsn, "postgres://"))
	assert.Contains(t, dsn, "db.internal:5432")
	assert.Contains(t, dsn, "/marketdata")
	assert.NotContains(t, dsn, "p@ss/word", "password must be URL-escaped")
}

func TestEnsureSchema(t *testing.T) {
	conn := &fakeConn{}
	s := newTestStore(t, Config{Granularity: 3600}, conn)

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.Len(t, conn.execSQL, 3, "table plus two indexes")
	assert.Contains(t, conn.execSQL[0], "CREATE TABLE IF NOT EXISTS public.crypto_prices_3600")
	assert.Contains(t, conn.execSQL[0], `UNIQUE (symbol, "timestamp")`)
	assert.Contains(t, conn.execSQL[1], "CREATE INDEX IF NOT EXISTS crypto_prices_3600_symbol_ts_idx")
	assert.Contains(t, conn.execSQL[2], "CREATE INDEX IF NOT EXISTS crypto_prices_3600_ts_idx")

	// Second call must not re-run DDL.
	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.Len(t, conn.execSQL, 3)
}

func TestEnsureSchemaCustomSchema(t *testing.T) {
	conn := &fakeConn{}
	s := newTestStore(t, Config{Schema: "md", Granularity: 60}, conn)

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.Len(t, conn.execSQL, 4, "schema, table, two indexes")
	assert.Equal(t, "CREATE SCHEMA IF NOT EXISTS md", conn.execSQL[0])
	assert.Contains(t, conn.execSQL[1], "CREATE TABLE IF NOT EXISTS md.crypto_prices_60")
}

func TestEnsureSchemaFailureIsRetryable(t *testing.T) {
	conn := &fakeConn{}
	conn.execErr = func(sql string, _ []any) error {
		if strings.Contains(sql, "CREATE TABLE") {
			return errors.New("permission denied")
		}
		return nil
	}
	s := newTestStore(t, Config{Granularity: 3600}, conn)

	err := s.EnsureSchema(context.Background())
	require.Error(t, err)
	var schemaErr *SchemaError
	assert.ErrorAs(t, err, &schemaErr)

	// A failed attempt must not latch the initialized flag.
	conn.execErr = nil
	require.NoError(t, s.EnsureSchema(context.Background()))
}

func TestWriteData(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("upserts every candle", func(t *testing.T) {
		conn := &fakeConn{}
		s := newTestStore(t, Config{Granularity: 3600}, conn)

		candles := []models.PriceCandle{
			storedCandle(t, "BTC-USD", base),
			storedCandle(t, "BTC-USD", base.Add(time.Hour)),
		}
		written, err := s.WriteData(context.Background(), candles)
		require.NoError(t, err)
		assert.Equal(t, 2, written)

		var upserts int
		for _, sql := range conn.execSQL {
			if strings.Contains(sql, "ON CONFLICT") {
				upserts++
				assert.Contains(t, sql, "INSERT INTO public.crypto_prices_3600")
				assert.Contains(t, sql, "DO UPDATE SET")
			}
		}
		assert.Equal(t, 2, upserts)
	})

	t.Run("failed row is skipped, not fatal", func(t *testing.T) {
		conn := &fakeConn{}
		failures := 0
		conn.execErr = func(sql string, args []any) error {
			if strings.Contains(sql, "ON CONFLICT") && len(args) > 1 {
				if ts, ok := args[1].(time.Time); ok && ts.Equal(base.Add(time.Hour)) {
					failures++
					return errors.New("value too large")
				}
			}
			return nil
		}
		s := newTestStore(t, Config{Granularity: 3600}, conn)

		candles := []models.PriceCandle{
			storedCandle(t, "BTC-USD", base),
			storedCandle(t, "BTC-USD", base.Add(time.Hour)),
			storedCandle(t, "BTC-USD", base.Add(2*time.Hour)),
		}
		written, err := s.WriteData(context.Background(), candles)
		require.NoError(t, err)
		assert.Equal(t, 2, written)
		assert.Equal(t, 1, failures)
	})

	t.Run("empty batch writes nothing", func(t *testing.T) {
		conn := &fakeConn{}
		s := newTestStore(t, Config{Granularity: 3600}, conn)

		written, err := s.WriteData(context.Background(), nil)
		require.NoError(t, err)
		assert.Zero(t, written)
		assert.Empty(t, conn.execSQL, "no schema DDL for an empty batch")
	})
}

func TestUpsertIdempotence(t *testing.T) {
	conn := &fakeConn{}
	table := newMemTable(conn)
	s := newTestStore(t, Config{Granularity: 3600}, conn)

	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	first := storedCandle(t, "BTC-USD", ts)
	second := first
	second.Close = decimal.NewFromInt(999)

	written, err := s.WriteData(context.Background(), []models.PriceCandle{first})
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	written, err = s.WriteData(context.Background(), []models.PriceCandle{second})
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	assert.Len(t, table.rows, 1, "same (symbol, timestamp) must stay one row")

	got, err := s.ReadData(context.Background(), "BTC-USD", ts, ts)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Close.Equal(second.Close), "second write's values must win")
}

func TestWriteReadRoundTrip(t *testing.T) {
	conn := &fakeConn{}
	newMemTable(conn)
	s := newTestStore(t, Config{Granularity: 3600}, conn)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	candles := []models.PriceCandle{
		storedCandle(t, "BTC-USD", base.Add(2*time.Hour)),
		storedCandle(t, "BTC-USD", base),
		storedCandle(t, "BTC-USD", base.Add(time.Hour)),
		storedCandle(t, "ETH-USD", base), // different symbol, excluded from read
	}

	written, err := s.WriteData(context.Background(), candles)
	require.NoError(t, err)
	assert.Equal(t, 4, written)

	got, err := s.ReadData(context.Background(), "BTC-USD", base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Timestamp.Before(got[i].Timestamp), "ascending order")
	}
	assert.True(t, got[0].Open.Equal(candles[1].Open))
	assert.True(t, got[0].Volume.Equal(candles[1].Volume))
}

func TestTestConnection(t *testing.T) {
	conn := &fakeConn{}
	conn.scan = func(sql string, _ []any, dest []any) error {
		require.Equal(t, "SELECT 1", sql)
		if p, ok := dest[0].(*int); ok {
			*p = 1
		}
		return nil
	}
	s := newTestStore(t, Config{Granularity: 3600}, conn)
	assert.True(t, s.TestConnection(context.Background()))

	conn.scan = func(_ string, _ []any, _ []any) error {
		return errors.New("server closed the connection")
	}
	assert.False(t, s.TestConnection(context.Background()))
}

func TestGetDataCount(t *testing.T) {
	conn := &fakeConn{}
	conn.scan = func(sql string, args []any, dest []any) error {
		assert.Contains(t, sql, "SELECT COUNT(*) FROM public.crypto_prices_3600")
		require.Equal(t, []any{"BTC-USD"}, args)
		if p, ok := dest[0].(*int64); ok {
			*p = 1234
		}
		return nil
	}
	s := newTestStore(t, Config{Granularity: 3600}, conn)

	count, err := s.GetDataCount(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), count)
}

func TestGetLatestTimestamp(t *testing.T) {
	latest := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("returns newest timestamp", func(t *testing.T) {
		conn := &fakeConn{}
		conn.scan = func(sql string, _ []any, dest []any) error {
			assert.Contains(t, sql, `SELECT MAX("timestamp")`)
			if p, ok := dest[0].(**time.Time); ok {
				ts := latest
				*p = &ts
			}
			return nil
		}
		s := newTestStore(t, Config{Granularity: 3600}, conn)

		got, found, err := s.GetLatestTimestamp(context.Background(), "BTC-USD")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, latest, got)
	})

	t.Run("no rows means not found, not error", func(t *testing.T) {
		conn := &fakeConn{}
		conn.scan = func(_ string, _ []any, dest []any) error {
			if p, ok := dest[0].(**time.Time); ok {
				*p = nil
			}
			return nil
		}
		s := newTestStore(t, Config{Granularity: 3600}, conn)

		_, found, err := s.GetLatestTimestamp(context.Background(), "BTC-USD")
		require.NoError(t, err)
		assert.False(t, found)
	})
}
