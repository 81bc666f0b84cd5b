// Package dbreg is the database registry and pool abstraction (§4.1 of the
// spec): a process-wide mapping from logical database name to a live,
// bounded connection pool exposing a uniform transactional interface over
// SQLite, PostgreSQL, and MySQL.
package dbreg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"golang.org/x/sync/semaphore"

	"github.com/distjob/scheduler/internal/metrics"
)

// Backend identifies the SQL dialect a named pool speaks.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendMySQL    Backend = "mysql"
)

var (
	ErrPoolExhausted      = errors.New("dbreg: pool exhausted")
	ErrQueryExecutionError = errors.New("dbreg: query execution error")
	ErrReadOnlyViolation  = errors.New("dbreg: read-only transaction violation")
	ErrUnknownDatabase    = errors.New("dbreg: unknown database name")
)

// DefaultName is the sentinel logical name every registry must carry.
const DefaultName = "default"

// PoolConfig is the per-database connection and sizing configuration, the
// backend-specific portion of the `database` configuration document (§6).
type PoolConfig struct {
	Type            Backend
	DSN             string
	MaxOpenConns    int
	MaxIdleTime     time.Duration
	AcquireTimeout  time.Duration
}

// Pool is a fixed-capacity, named connection pool with a uniform
// transactional surface regardless of backend.
type Pool struct {
	name    string
	backend Backend
	db      *sql.DB
	sem     *semaphore.Weighted
	acquireTimeout time.Duration
}

// NewPool opens the backend driver behind cfg and wraps it with a bounded
// semaphore so that acquisition past capacity fails with ErrPoolExhausted
// instead of queueing forever, per §4.1's "fixed capacity N" contract.
func NewPool(name string, cfg PoolConfig) (*Pool, error) {
	driverName, dsn, err := driverFor(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("dbreg: pool %q: %w", name, err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("dbreg: pool %q: open: %w", name, err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	if cfg.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.MaxIdleTime)
	}

	if cfg.Type == BackendSQLite {
		if err := applySQLitePragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbreg: pool %q: pragmas: %w", name, err)
		}
		// modernc.org/sqlite serializes writes at the driver level; a single
		// open connection avoids SQLITE_BUSY storms under our own semaphore.
		db.SetMaxOpenConns(1)
		maxConns = 1
	}

	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}

	return &Pool{
		name:           name,
		backend:        cfg.Type,
		db:             db,
		sem:            semaphore.NewWeighted(int64(maxConns)),
		acquireTimeout: acquireTimeout,
	}, nil
}

func driverFor(backend Backend, dsn string) (string, string, error) {
	switch backend {
	case BackendPostgres:
		return "pgx", dsn, nil
	case BackendMySQL:
		return "mysql", dsn, nil
	case BackendSQLite:
		return "sqlite", dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported backend %q", backend)
	}
}

func applySQLitePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

// Name returns the pool's logical registry name.
func (p *Pool) Name() string { return p.name }

// Backend returns the SQL dialect this pool speaks.
func (p *Pool) Backend() Backend { return p.backend }

// Ping is used by health checks (§ supplemented feature).
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the underlying driver resources. Safe to call once at
// process shutdown.
func (p *Pool) Close() error {
	return p.db.Close()
}

// Acquire reserves one connection slot, blocking up to the pool's configured
// acquire timeout, and returns a Conn that must be released by the caller.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	acqCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acqCtx, 1); err != nil {
		metrics.PoolExhaustedTotal.WithLabelValues(p.name).Inc()
		return nil, ErrPoolExhausted
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("dbreg: pool %q: acquire: %w", p.name, err)
	}

	return &Conn{pool: p, conn: conn}, nil
}

// Conn is a single reserved connection, carrying the transactional handle
// described in §4.1.
type Conn struct {
	pool *Pool
	conn *sql.Conn
}

// Backend returns the dialect of the pool this connection came from.
func (c *Conn) Backend() Backend { return c.pool.backend }

// Release returns the connection slot to the pool. Always call via defer
// immediately after a successful Acquire.
func (c *Conn) Release() {
	_ = c.conn.Close()
	c.pool.sem.Release(1)
}

// Begin starts a transaction. readonly=true causes any later write attempt
// inside the transaction to fail with ErrReadOnlyViolation.
func (c *Conn) Begin(ctx context.Context, readonly bool) (*Tx, error) {
	tx, err := c.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: readonly})
	if err != nil {
		return nil, fmt.Errorf("dbreg: begin: %w", err)
	}
	return &Tx{tx: tx, backend: c.pool.backend, readonly: readonly}, nil
}

// Tx is the per-database transactional handle published into the
// transaction coordinator's task-local context (§4.2).
type Tx struct {
	tx       *sql.Tx
	backend  Backend
	readonly bool
}

// Backend reports which SQL dialect this transaction's statements must use.
func (t *Tx) Backend() Backend { return t.backend }

func (t *Tx) checkWrite(query string) error {
	if !t.readonly {
		return nil
	}
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	if strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH") {
		return nil
	}
	return ErrReadOnlyViolation
}

// Execute runs a statement that does not return rows (INSERT/UPDATE/DELETE).
func (t *Tx) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := t.checkWrite(query); err != nil {
		return nil, err
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryExecutionError, err)
	}
	return res, nil
}

// ExecuteMany runs query once per entry in argSets, in order, within the
// same transaction (the `executemany` primitive from §4.1).
func (t *Tx) ExecuteMany(ctx context.Context, query string, argSets [][]any) error {
	for _, args := range argSets {
		if _, err := t.Execute(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// FetchOne runs query and scans the single expected row into dest.
// Returns sql.ErrNoRows if no row matched.
func (t *Tx) FetchOne(ctx context.Context, dest func(scan func(...any) error) error, query string, args ...any) error {
	row := t.tx.QueryRowContext(ctx, query, args...)
	if err := dest(row.Scan); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrQueryExecutionError, err)
	}
	return nil
}

// FetchAll runs query and invokes scanRow once per result row.
func (t *Tx) FetchAll(ctx context.Context, scanRow func(scan func(...any) error) error, query string, args ...any) error {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueryExecutionError, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scanRow(rows.Scan); err != nil {
			return fmt.Errorf("%w: %w", ErrQueryExecutionError, err)
		}
	}
	return rows.Err()
}

// FetchVal runs query and scans a single scalar column into dest.
func (t *Tx) FetchVal(ctx context.Context, dest any, query string, args ...any) error {
	row := t.tx.QueryRowContext(ctx, query, args...)
	if err := row.Scan(dest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrQueryExecutionError, err)
	}
	return nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction. Safe to call after a failed Commit.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
