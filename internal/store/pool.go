package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrPoolExhausted is returned by Acquire when every pool slot is checked
// out. Callers are expected to fail the current operation rather than queue.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// Conn is the slice of *pgx.Conn the pool hands out. Narrowing the surface
// keeps the pool testable without a live server.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	IsClosed() bool
	Close(ctx context.Context) error
}

// Dialer opens one database connection.
type Dialer func(ctx context.Context) (Conn, error)

// ConnectionPool is a bounded pool of database connections. minSize
// connections are opened eagerly at construction; growth up to maxSize is
// lazy. Acquire never blocks waiting for a free slot: when the pool is at
// capacity it fails fast with ErrPoolExhausted.
type ConnectionPool struct {
	dial    Dialer
	minSize int
	maxSize int
	logger  *slog.Logger

	mu         sync.Mutex
	idle       []Conn
	checkedOut int
	closed     bool
}

// NewConnectionPool builds a pool and eagerly opens minSize connections.
// Any eager dial failure closes what was opened and fails construction.
func NewConnectionPool(ctx context.Context, dial Dialer, minSize, maxSize int, logger *slog.Logger) (*ConnectionPool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSize < 1 {
		return nil, fmt.Errorf("pool max size must be at least 1, got %d", maxSize)
	}
	if minSize < 0 || minSize > maxSize {
		return nil, fmt.Errorf("pool min size must be in [0, %d], got %d", maxSize, minSize)
	}

	p := &ConnectionPool{
		dial:    dial,
		minSize: minSize,
		maxSize: maxSize,
		logger:  logger,
	}

	for i := 0; i < minSize; i++ {
		conn, err := dial(ctx)
		if err != nil {
			p.Close(ctx)
			return nil, fmt.Errorf("opening initial connection %d of %d: %w", i+1, minSize, err)
		}
		p.idle = append(p.idle, conn)
	}

	logger.Info("connection pool initialized", "min_size", minSize, "max_size", maxSize)
	return p, nil
}

// Acquire returns an open connection, reusing an idle one when available and
// dialing a new one while below maxSize. Idle connections that were closed
// underneath the pool are discarded, not handed out.
func (p *ConnectionPool) Acquire(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("connection pool is closed")
	}

	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if conn.IsClosed() {
			p.logger.Warn("discarding closed idle connection")
			continue
		}
		p.checkedOut++
		p.mu.Unlock()
		return conn, nil
	}

	if p.checkedOut >= p.maxSize {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: all %d connections in use", ErrPoolExhausted, p.maxSize)
	}

	// Reserve the slot before dialing so concurrent acquires cannot
	// overshoot maxSize while the dial is in flight.
	p.checkedOut++
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.checkedOut--
		p.mu.Unlock()
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	return conn, nil
}

// Release returns a connection to the pool. Connections that were closed
// while checked out are dropped; the freed slot becomes available for a
// future dial.
func (p *ConnectionPool) Release(conn Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.checkedOut > 0 {
		p.checkedOut--
	}

	if conn.IsClosed() {
		p.logger.Warn("dropping closed connection on release")
		return
	}
	if p.closed {
		_ = conn.Close(context.Background())
		return
	}
	p.idle = append(p.idle, conn)
}

// Stats reports the current idle and checked-out connection counts.
func (p *ConnectionPool) Stats() (idle, checkedOut int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.checkedOut
}

// Close closes every idle connection and marks the pool closed. Connections
// still checked out are closed as they are released.
func (p *ConnectionPool) Close(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, conn := range p.idle {
		if err := conn.Close(ctx); err != nil {
			p.logger.Warn("error closing pooled connection", "error", err)
		}
	}
	p.idle = nil
	p.logger.Info("connection pool closed")
}
