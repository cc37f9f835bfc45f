package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/borgmanager/borgmanager/pkg/telemetry"
)

type connState int

const (
	stateUninitialized connState = iota
	stateOpen
	stateStopped
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateStopped:
		return "stopped"
	default:
		return "uninitialized"
	}
}

// querier is satisfied by both *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn is a single SQLite connection guarded by a mutex.
//
// Every statement runs with the mutex held for its whole duration, so at most
// one statement is in flight at a time. The mutex is never held while caller
// code runs. Conn implements Executor.
type Conn struct {
	mu    sync.Mutex
	db    *sql.DB
	conn  *sql.Conn
	tx    *sql.Tx
	table string
	path  string
	batch bool
	state connState

	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

var _ Executor = (*Conn)(nil)

// OpenConn opens the database at cfg.Path, runs createTable against it and
// commits. The returned connection is Open.
//
// A path that cannot be opened, or a createTable hook that fails, yields a
// connection-class error. A bad table name or a nil hook is a contract
// violation.
func OpenConn(ctx context.Context, cfg Config, table string, createTable func(context.Context, Table) error, opts ...Option) (*Conn, error) {
	if !ValidTableName(table) {
		return nil, NewContractError("open", table, fmt.Errorf("%w: %q", ErrInvalidTable, table))
	}
	if createTable == nil {
		return nil, NewContractError("open", table, fmt.Errorf("%w: create table", ErrMissingHook))
	}

	o := newOptions(opts)
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, NewConnectionError("open", table, err)
	}

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, NewConnectionError("open", table, err)
	}
	// One physical connection per store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, NewConnectionError("open", table, fmt.Errorf("failed to open database %s: %w", cfg.Path, err))
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, NewConnectionError("open", table, fmt.Errorf("failed to ping database %s: %w", cfg.Path, err))
	}

	c := &Conn{
		db:      db,
		conn:    conn,
		table:   table,
		path:    cfg.Path,
		batch:   cfg.Batch,
		state:   stateOpen,
		logger:  o.logger.With().Str("table", table).Logger(),
		metrics: o.metrics,
	}

	if err := createTable(ctx, Table{Executor: c, Name: table}); err != nil {
		c.abort()
		return nil, NewConnectionError("create_table", table, err)
	}
	if err := c.Commit(ctx); err != nil {
		c.abort()
		return nil, NewConnectionError("create_table", table, err)
	}

	c.metrics.StoreOpened()
	c.logger.Info().
		Str("path", cfg.Path).
		Bool("batch", cfg.Batch).
		Msg("Store opened")
	return c, nil
}

// abort releases the handles of a connection that failed to open.
func (c *Conn) abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	_ = c.conn.Close()
	_ = c.db.Close()
	c.state = stateStopped
}

// Table returns the table this connection was opened for.
func (c *Conn) Table() string {
	return c.table
}

// Path returns the database path.
func (c *Conn) Path() string {
	return c.path
}

// ensureOpen checks the lifecycle state without running a statement.
func (c *Conn) ensureOpen(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkStateLocked(op)
}

func (c *Conn) checkStateLocked(op string) error {
	switch c.state {
	case stateOpen:
		return nil
	case stateStopped:
		return NewClosedError(op, c.table)
	default:
		return NewContractError(op, c.table, ErrNotOpen)
	}
}

// querierLocked returns the handle statements should run on. In batch mode
// the first statement begins a transaction that outlives the caller's context.
func (c *Conn) querierLocked(ctx context.Context) (querier, error) {
	if !c.batch {
		return c.conn, nil
	}
	if c.tx == nil {
		tx, err := c.conn.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			return nil, err
		}
		c.tx = tx
	}
	return c.tx, nil
}

// withLock runs fn with the mutex held and records lock wait and statement
// metrics.
func (c *Conn) withLock(ctx context.Context, op, query string, fn func(q querier) error) error {
	waitStart := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.RecordLockWait(c.table, time.Since(waitStart))

	if err := c.checkStateLocked(op); err != nil {
		return err
	}
	q, err := c.querierLocked(ctx)
	if err != nil {
		return NewConnectionError(op, c.table, fmt.Errorf("failed to begin batch: %w", err))
	}

	timer := telemetry.NewTimer()
	err = fn(q)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordStatement(c.table, op, status, timer.Duration())
	c.logger.Trace().
		Str("op", op).
		Str("query", query).
		Dur("duration", timer.Duration()).
		Err(err).
		Msg("Statement")
	return err
}

// Execute runs a statement that returns no rows.
func (c *Conn) Execute(ctx context.Context, query string, args ...any) error {
	return c.withLock(ctx, "execute", query, func(q querier) error {
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return NewQueryError("execute", c.table, err)
		}
		return nil
	})
}

// ExecuteReturningID runs an insert and reads back the id of the row it
// created, both under one lock acquisition.
func (c *Conn) ExecuteReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := c.withLock(ctx, "execute_returning_id", query, func(q querier) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return NewQueryError("execute_returning_id", c.table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return NewQueryError("execute_returning_id", c.table, err)
		}
		if n == 0 {
			return NewQueryError("execute_returning_id", c.table, errors.New("statement inserted no row"))
		}
		id, err = res.LastInsertId()
		if err != nil {
			return NewQueryError("execute_returning_id", c.table, err)
		}
		return nil
	})
	return id, err
}

// FetchAll runs a query and returns every row. No match yields an empty,
// non-nil slice.
func (c *Conn) FetchAll(ctx context.Context, query string, args ...any) ([]Row, error) {
	var out []Row
	err := c.withLock(ctx, "fetch_all", query, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return NewQueryError("fetch_all", c.table, err)
		}
		defer rows.Close()

		out, err = scanRows(rows, -1)
		if err != nil {
			return NewQueryError("fetch_all", c.table, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchOne runs a query and returns its first row. ok is false when the
// query matched nothing, which is not an error.
func (c *Conn) FetchOne(ctx context.Context, query string, args ...any) (Row, bool, error) {
	var out []Row
	err := c.withLock(ctx, "fetch_one", query, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return NewQueryError("fetch_one", c.table, err)
		}
		defer rows.Close()

		out, err = scanRows(rows, 1)
		if err != nil {
			return NewQueryError("fetch_one", c.table, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if len(out) == 0 {
		return nil, false, nil
	}
	return out[0], true, nil
}

// scanRows materializes up to limit rows (all when limit < 0).
func scanRows(rows *sql.Rows, limit int) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0)
	for rows.Next() {
		values := make(Row, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, values)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Commit persists pending changes. Outside batch mode every statement is
// already committed and Commit only checks that the connection is open.
func (c *Conn) Commit(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkStateLocked("commit"); err != nil {
		return err
	}
	return c.commitLocked()
}

func (c *Conn) commitLocked() error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return NewQueryError("commit", c.table, err)
	}
	return nil
}

// Stop commits, releases the connection and moves to the terminal state.
// Stopping an already stopped connection is a closed-class error.
func (c *Conn) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkStateLocked("stop"); err != nil {
		return err
	}

	commitErr := c.commitLocked()
	closeErr := errors.Join(c.conn.Close(), c.db.Close())
	c.state = stateStopped
	c.metrics.StoreStopped()

	if closeErr != nil {
		closeErr = NewConnectionError("stop", c.table, closeErr)
	}
	err := errors.Join(commitErr, closeErr)
	if err != nil {
		c.logger.Error().Err(err).Msg("Store stopped with errors")
		return err
	}
	c.logger.Info().Msg("Store stopped")
	return nil
}
