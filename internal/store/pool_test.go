package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn implements Conn in memory. Exec behavior, queries, and row
// scanning are scripted per test.
type fakeConn struct {
	closed  bool
	execSQL []string
	execErr func(sql string, args []any) error
	queryFn func(sql string, args []any) (pgx.Rows, error)
	scan    func(sql string, args []any, dest []any) error
}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.execSQL = append(c.execSQL, sql)
	if c.execErr != nil {
		if err := c.execErr(sql, args); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (c *fakeConn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if c.queryFn == nil {
		return nil, errors.New("query not scripted")
	}
	return c.queryFn(sql, args)
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{conn: c, sql: sql, args: args}
}

func (c *fakeConn) Ping(_ context.Context) error {
	if c.closed {
		return errors.New("connection closed")
	}
	return nil
}

func (c *fakeConn) IsClosed() bool { return c.closed }

func (c *fakeConn) Close(_ context.Context) error {
	c.closed = true
	return nil
}

type fakeRow struct {
	conn *fakeConn
	sql  string
	args []any
}

func (r fakeRow) Scan(dest ...any) error {
	if r.conn.scan == nil {
		return errors.New("scan not scripted")
	}
	return r.conn.scan(r.sql, r.args, dest)
}

// countingDialer returns a Dialer that counts opened connections.
func countingDialer(dialed *[]*fakeConn) Dialer {
	return func(_ context.Context) (Conn, error) {
		conn := &fakeConn{}
		*dialed = append(*dialed, conn)
		return conn, nil
	}
}

func TestNewConnectionPool(t *testing.T) {
	t.Run("opens min size eagerly", func(t *testing.T) {
		var dialed []*fakeConn
		pool, err := NewConnectionPool(context.Background(), countingDialer(&dialed), 2, 5, nil)
		require.NoError(t, err)

		assert.Len(t, dialed, 2)
		idle, out := pool.Stats()
		assert.Equal(t, 2, idle)
		assert.Equal(t, 0, out)
	})

	t.Run("eager dial failure fails construction", func(t *testing.T) {
		dial := func(_ context.Context) (Conn, error) {
			return nil, errors.New("connection refused")
		}
		_, err := NewConnectionPool(context.Background(), dial, 1, 5, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("rejects invalid sizes", func(t *testing.T) {
		var dialed []*fakeConn
		_, err := NewConnectionPool(context.Background(), countingDialer(&dialed), 0, 0, nil)
		assert.Error(t, err)

		_, err = NewConnectionPool(context.Background(), countingDialer(&dialed), 6, 5, nil)
		assert.Error(t, err)
	})
}

func TestPoolAcquire(t *testing.T) {
	t.Run("fails fast when exhausted", func(t *testing.T) {
		var dialed []*fakeConn
		pool, err := NewConnectionPool(context.Background(), countingDialer(&dialed), 0, 2, nil)
		require.NoError(t, err)

		c1, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		c2, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		require.NotNil(t, c1)
		require.NotNil(t, c2)

		_, err = pool.Acquire(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPoolExhausted))

		// Exhaustion must not corrupt the free list: a release makes the
		// next acquire succeed again.
		pool.Release(c1)
		again, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		assert.Same(t, c1, again)
	})

	t.Run("released connections are reused", func(t *testing.T) {
		var dialed []*fakeConn
		pool, err := NewConnectionPool(context.Background(), countingDialer(&dialed), 1, 3, nil)
		require.NoError(t, err)

		conn, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		pool.Release(conn)

		again, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		assert.Same(t, conn, again)
		assert.Len(t, dialed, 1, "reuse must not dial")
	})

	t.Run("grows lazily above min size", func(t *testing.T) {
		var dialed []*fakeConn
		pool, err := NewConnectionPool(context.Background(), countingDialer(&dialed), 1, 3, nil)
		require.NoError(t, err)
		assert.Len(t, dialed, 1)

		_, err = pool.Acquire(context.Background())
		require.NoError(t, err)
		_, err = pool.Acquire(context.Background())
		require.NoError(t, err)
		assert.Len(t, dialed, 2)
	})

	t.Run("skips idle connections closed underneath", func(t *testing.T) {
		var dialed []*fakeConn
		pool, err := NewConnectionPool(context.Background(), countingDialer(&dialed), 1, 3, nil)
		require.NoError(t, err)

		dialed[0].closed = true
		conn, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		assert.False(t, conn.IsClosed())
		assert.Len(t, dialed, 2, "closed idle connection must be replaced by a dial")
	})
}

func TestPoolRelease(t *testing.T) {
	t.Run("drops connections closed while checked out", func(t *testing.T) {
		var dialed []*fakeConn
		pool, err := NewConnectionPool(context.Background(), countingDialer(&dialed), 0, 2, nil)
		require.NoError(t, err)

		conn, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		require.NoError(t, conn.Close(context.Background()))
		pool.Release(conn)

		idle, out := pool.Stats()
		assert.Equal(t, 0, idle)
		assert.Equal(t, 0, out, "slot must be freed for a future dial")
	})
}

func TestPoolClose(t *testing.T) {
	var dialed []*fakeConn
	pool, err := NewConnectionPool(context.Background(), countingDialer(&dialed), 2, 5, nil)
	require.NoError(t, err)

	checkedOut, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Close(context.Background())
	for _, c := range dialed {
		if c != checkedOut {
			assert.True(t, c.IsClosed())
		}
	}

	_, err = pool.Acquire(context.Background())
	assert.Error(t, err)

	// The straggler is closed on release rather than pooled.
	pool.Release(checkedOut)
	assert.True(t, checkedOut.IsClosed())
}
