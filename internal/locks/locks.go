// Package locks covers the two independent locking namespaces: wc_lock
// rows record which subtrees of an open workcopy are locked for writing,
// lock rows record server-issued repository lock tokens. A separate
// process-level advisory file lock guards who may open a writer session
// against a given workcopy at all.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/wcms/wcms/internal/engine"
	"github.com/wcms/wcms/internal/model"
)

// Store manages the wc_lock and lock (repository lock) tables.
type Store struct {
	eng *engine.Engine
}

// NewStore binds a Store to eng's statement catalog.
func NewStore(eng *engine.Engine) *Store {
	return &Store{eng: eng}
}

func query(id engine.StmtID) string {
	text, ok := engine.Text(id)
	if !ok {
		panic(fmt.Sprintf("wcms: unregistered statement %s", id))
	}
	return text
}

// Acquire inserts a wc_lock row covering dirRelpath, failing with
// model.ErrConstraintViolation (via the table's primary key) if a lock
// is already held there.
func (s *Store) Acquire(ctx context.Context, q engine.Querier, wcID int64, dirRelpath string, lockedLevels int) error {
	_, err := q.ExecContext(ctx, query(engine.InsertWCLock), wcID, dirRelpath, lockedLevels)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: acquire wc_lock %s: %w", dirRelpath, err))
	}
	return nil
}

// Find returns the wc_lock row at dirRelpath, or model.ErrNotFound.
func (s *Store) Find(ctx context.Context, q engine.Querier, wcID int64, dirRelpath string) (*model.WCLock, error) {
	row := q.QueryRowContext(ctx, query(engine.FindWCLock), wcID, dirRelpath)
	var l model.WCLock
	err := row.Scan(&l.WCID, &l.LocalDirRelpath, &l.LockedLevels)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wcms: find wc_lock %s: %w", dirRelpath, err)
	}
	return &l, nil
}

// CoveringLock walks from relpath toward the workcopy root and returns
// the first wc_lock row whose reach covers relpath: a row at relpath
// itself, an ancestor with locked_levels = -1 (whole subtree), or an
// ancestor whose locked_levels extends at least as deep as relpath.
// This is the "is this path writable by the lock holder?" check.
func (s *Store) CoveringLock(ctx context.Context, q engine.Querier, wcID int64, relpath string) (*model.WCLock, error) {
	distance := 0
	for p := relpath; ; p = model.ParentRelpath(p) {
		l, err := s.Find(ctx, q, wcID, p)
		if err == nil {
			if distance == 0 || l.LockedLevels < 0 || l.LockedLevels >= distance {
				return l, nil
			}
		} else if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		if p == "" {
			return nil, model.ErrNotFound
		}
		distance++
	}
}

// Release removes the wc_lock row at dirRelpath.
func (s *Store) Release(ctx context.Context, q engine.Querier, wcID int64, dirRelpath string) error {
	_, err := q.ExecContext(ctx, query(engine.DeleteWCLock), wcID, dirRelpath)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: release wc_lock %s: %w", dirRelpath, err))
	}
	return nil
}

// SetRepoLock records a server-issued lock token against (repoID, reposRelpath).
func (s *Store) SetRepoLock(ctx context.Context, q engine.Querier, l *model.RepoLock) error {
	_, err := q.ExecContext(ctx, query(engine.InsertLock),
		l.RepoID, l.ReposRelpath, l.Token, l.Owner, l.Comment, l.Date.Unix())
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: set repo lock %s: %w", l.ReposRelpath, err))
	}
	return nil
}

// ClearRepoLock removes a server-issued lock token.
func (s *Store) ClearRepoLock(ctx context.Context, q engine.Querier, repoID int64, reposRelpath string) error {
	_, err := q.ExecContext(ctx, query(engine.DeleteLock), repoID, reposRelpath)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: clear repo lock %s: %w", reposRelpath, err))
	}
	return nil
}

// RetargetRepoLocks moves every lock row from one repository id to
// another, the lock-table half of a relocate. Lock rows are keyed by
// repository coordinates only, so they survive any node churn the
// relocate causes.
func (s *Store) RetargetRepoLocks(ctx context.Context, q engine.Querier, fromRepoID, toRepoID int64) error {
	_, err := q.ExecContext(ctx, query(engine.UpdateLockReposID), fromRepoID, toRepoID)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: retarget repo locks %d -> %d: %w", fromRepoID, toRepoID, err))
	}
	return nil
}

// SessionGuard is the process-level advisory lock a session holds for
// its entire lifetime: one wc.db may be open for writing by at most one
// process at a time, independent of (and held for longer than) any
// individual wc_lock row.
type SessionGuard struct {
	flock *flock.Flock
	path  string
}

// NewSessionGuard returns a guard for the workcopy rooted at wcdbDir
// (the directory containing wc.db), using a sibling ".wcms.lock" file.
func NewSessionGuard(wcdbDir string) *SessionGuard {
	return &SessionGuard{
		flock: flock.New(filepath.Join(wcdbDir, ".wcms.lock")),
		path:  filepath.Join(wcdbDir, ".wcms.lock"),
	}
}

// TryLock attempts to acquire the guard without blocking, returning
// (false, nil) if another process already holds it.
func (g *SessionGuard) TryLock() (bool, error) {
	ok, err := g.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("wcms: session guard %s: %w", g.path, err)
	}
	return ok, nil
}

// Unlock releases the guard and removes its lock file, so a concurrent
// WaitForRelease (watching for the file's removal) observes the
// release. flock.New recreates the file on the next TryLock, so
// deleting it here is safe.
func (g *SessionGuard) Unlock() error {
	if err := g.flock.Unlock(); err != nil {
		return fmt.Errorf("wcms: release session guard %s: %w", g.path, err)
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wcms: remove session guard %s: %w", g.path, err)
	}
	return nil
}

// WaitForRelease blocks until the guard's lock file is removed (the
// holder released it, deleting .wcms.lock on Unlock) or ctx is done.
// Uses fsnotify rather than polling, with a bounded poll fallback for
// filesystems where watcher setup fails.
func (g *SessionGuard) WaitForRelease(ctx context.Context) error {
	if _, err := os.Stat(g.path); err != nil {
		return nil // already gone
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return g.pollForRelease(ctx)
	}
	defer watcher.Close()

	dir := filepath.Dir(g.path)
	if err := watcher.Add(dir); err != nil {
		return g.pollForRelease(ctx)
	}

	for {
		if _, err := os.Stat(g.path); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return g.pollForRelease(ctx)
			}
			if ev.Name == g.path && (ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok || err != nil {
				return g.pollForRelease(ctx)
			}
		}
	}
}

func (g *SessionGuard) pollForRelease(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(g.path); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
