package engine

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/wcms/wcms/internal/model"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "wc.db")
	e, err := Open(context.Background(), dbPath, Options{})
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", dbPath, err)
	}
	t.Cleanup(func() { _ = e.Close() })
	if _, err := e.DB().Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create scratch table: %v", err)
	}
	return e
}

func countRows(t *testing.T, e *Engine) int {
	t.Helper()
	var n int
	if err := e.DB().QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestWithTxCommits(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}
	if got := countRows(t, e); got != 1 {
		t.Errorf("rows after commit = %d, want 1", got)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTx() error = %v, want the callback's error", err)
	}
	if got := countRows(t, e); got != 0 {
		t.Errorf("rows after rollback = %d, want 0", got)
	}
}

func TestWithSavepointRollsBackNestedStepOnly(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	sentinel := errors.New("nested boom")
	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('outer', '1')`); err != nil {
			return err
		}
		nestedErr := e.WithSavepoint(ctx, tx, func() error {
			if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('inner', '2')`); err != nil {
				return err
			}
			return sentinel
		})
		if !errors.Is(nestedErr, sentinel) {
			t.Errorf("WithSavepoint() error = %v, want sentinel", nestedErr)
		}
		// The failed savepoint must not poison the outer transaction.
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}

	var v string
	if err := e.DB().QueryRow(`SELECT v FROM kv WHERE k = 'outer'`).Scan(&v); err != nil {
		t.Errorf("outer row missing after nested rollback: %v", err)
	}
	err = e.DB().QueryRow(`SELECT v FROM kv WHERE k = 'inner'`).Scan(&v)
	if err != sql.ErrNoRows {
		t.Errorf("inner row lookup = %v, want ErrNoRows (rolled back)", err)
	}
}

func TestWithSavepointReleasesOnSuccess(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		return e.WithSavepoint(ctx, tx, func() error {
			_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`)
			return err
		})
	})
	if err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}
	if got := countRows(t, e); got != 1 {
		t.Errorf("rows = %d, want 1", got)
	}
}

func TestClassifyConstraintViolation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '2')`)
		return Classify(err)
	})
	if !errors.Is(err, model.ErrConstraintViolation) {
		t.Errorf("duplicate insert error = %v, want ErrConstraintViolation", err)
	}
}

func TestPrepareCachesStatements(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.DB().Exec(`CREATE TABLE work_queue (id INTEGER PRIMARY KEY AUTOINCREMENT, work BLOB NOT NULL)`); err != nil {
		t.Fatalf("create work_queue: %v", err)
	}

	s1, err := e.Prepare(ctx, SelectWorkItem)
	if err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	s2, err := e.Prepare(ctx, SelectWorkItem)
	if err != nil {
		t.Fatalf("second Prepare() failed: %v", err)
	}
	if s1 != s2 {
		t.Errorf("Prepare() returned distinct handles for the same id; want cached")
	}

	if _, err := e.Prepare(ctx, StmtID("NO_SUCH_STATEMENT")); err == nil {
		t.Errorf("Prepare(unknown) succeeded, want error")
	}
}
