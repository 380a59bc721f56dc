// Package engine is the embedded transactional storage layer wc.db is
// built on: a single-writer SQLite handle, the fixed statement catalog,
// Busy retry with backoff, and savepoint-based nested transactions.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/wcms/wcms/internal/model"
)

// Options configures Open.
type Options struct {
	// BusyTimeoutMS is passed to SQLite's own busy handler (ms spent
	// blocked inside the driver before it reports SQLITE_BUSY).
	BusyTimeoutMS int
	// RetryDeadline bounds how long Engine retries a Busy transaction
	// before surfacing it to the caller.
	RetryDeadline time.Duration
}

func (o Options) withDefaults() Options {
	if o.BusyTimeoutMS <= 0 {
		o.BusyTimeoutMS = 5000
	}
	if o.RetryDeadline <= 0 {
		o.RetryDeadline = 10 * time.Second
	}
	return o
}

// Engine is a single workcopy's storage handle: one single-connection
// writer (SQLite allows exactly one writer) plus statement cache.
type Engine struct {
	path string
	opts Options

	writer *sql.DB // MaxOpenConns(1): the sole writer handle

	mu    sync.Mutex
	stmts map[StmtID]*sql.Stmt // per-writer-connection statement cache

	savepointSeq atomic.Uint64
}

// Open opens or creates the metadata file and sets its pragmas. Schema
// checking/migration is delegated to internal/schema by the caller (see
// wcms.Open), which keeps this package free of a dependency on the
// schema package.
func Open(ctx context.Context, path string, opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wcms: create workcopy db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=%d&_foreign_keys=1", path, opts.BusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("wcms: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("wcms: ping %s: %w", path, err))
	}

	for _, pragma := range []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, classify(fmt.Errorf("wcms: configure %s: %w", pragma, err))
		}
	}

	return &Engine{
		path:   path,
		opts:   opts,
		writer: db,
		stmts:  make(map[StmtID]*sql.Stmt),
	}, nil
}

// Path returns the filesystem path this engine was opened against.
func (e *Engine) Path() string { return e.path }

// OpenReader returns a separate read-only handle onto the same database
// file. Under WAL any number of such readers run concurrently with the
// single writer, each statement observing the last committed state and
// never a partial write. The caller owns the returned handle and must
// close it.
func (e *Engine) OpenReader(ctx context.Context) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_journal=WAL&_busy_timeout=%d", e.path, e.opts.BusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("wcms: open reader for %s: %w", e.path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify(fmt.Errorf("wcms: ping reader for %s: %w", e.path, err))
	}
	return db, nil
}

// DB exposes the underlying writer handle for components (schema,
// nodes, ...) that need raw access within this package's module. It is
// not part of the public API.
func (e *Engine) DB() *sql.DB { return e.writer }

// Close releases every cached prepared statement and the writer handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	for id, stmt := range e.stmts {
		_ = stmt.Close()
		delete(e.stmts, id)
	}
	e.mu.Unlock()
	return e.writer.Close()
}

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn: every catalog
// statement is prepared lazily against whichever of those the caller is
// currently inside.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Begin starts a new outermost transaction.
func (e *Engine) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, classify(err)
	}
	if _, err := tx.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = tx.Rollback()
		return nil, classify(err)
	}
	return tx, nil
}

// WithTx runs fn inside a transaction, retrying the whole transaction on
// a Busy error with exponential backoff until opts.RetryDeadline elapses.
// A panic inside fn rolls back the transaction and is re-raised.
func (e *Engine) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	deadline := time.Now().Add(e.opts.RetryDeadline)
	backoff := 10 * time.Millisecond

	for {
		err := e.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) || time.Now().After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return classify(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Second {
			backoff = time.Second
		}
	}
}

func (e *Engine) runOnce(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
		if r := recover(); r != nil {
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	committed = true
	return nil
}

func isBusy(err error) bool {
	return err != nil && errors.Is(err, model.ErrBusy)
}

// WithSavepoint runs fn inside a savepoint on tx. A failure (or panic)
// in fn rolls back to the savepoint without disturbing work done
// earlier in the surrounding transaction; success releases it. This is
// how nested Begin calls are reduced to savepoints: callers already
// inside a WithTx nest further steps through here.
func (e *Engine) WithSavepoint(ctx context.Context, tx *sql.Tx, fn func() error) (err error) {
	name := fmt.Sprintf("wcms_sp_%d", e.savepointSeq.Add(1))
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return classify(err)
	}

	done := false
	defer func() {
		if done {
			return
		}
		// fn panicked: roll back to the savepoint before re-raising.
		_, _ = tx.ExecContext(ctx, "ROLLBACK TO "+name)
		_, _ = tx.ExecContext(ctx, "RELEASE "+name)
	}()

	if err := fn(); err != nil {
		done = true
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return classify(rbErr)
		}
		_, _ = tx.ExecContext(ctx, "RELEASE "+name)
		return err
	}
	done = true
	if _, err := tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return classify(err)
	}
	return nil
}
