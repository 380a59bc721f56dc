// Package wcms is the public facade over the working copy metadata
// store: Open a session against a wc.db file, then reach its component
// stores (Nodes, Actual, Pristine, Locks, Queue) to read or mutate the
// layered-node tree. Most callers need only this package; the
// internal/* packages are implementation detail.
package wcms

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/wcms/wcms/internal/actualoverlay"
	"github.com/wcms/wcms/internal/config"
	"github.com/wcms/wcms/internal/engine"
	"github.com/wcms/wcms/internal/locks"
	"github.com/wcms/wcms/internal/model"
	"github.com/wcms/wcms/internal/nodes"
	"github.com/wcms/wcms/internal/pristine"
	"github.com/wcms/wcms/internal/schema"
	"github.com/wcms/wcms/internal/workqueue"
)

// Re-exported model types: everything a caller needs to build and
// interpret Node/ActualNode values without importing internal/model
// directly.
type (
	Node          = model.Node
	ActualNode    = model.ActualNode
	TreeConflict  = model.TreeConflict
	PristineEntry = model.PristineEntry
	RepoLock      = model.RepoLock
	WCLock        = model.WCLock
	Presence      = model.Presence
	Kind          = model.Kind
	CacheConfig   = config.CacheConfig
	WorkKind      = workqueue.Kind
)

const (
	PresenceNormal      = model.PresenceNormal
	PresenceNotPresent  = model.PresenceNotPresent
	PresenceExcluded    = model.PresenceExcluded
	PresenceAbsent      = model.PresenceAbsent
	PresenceIncomplete  = model.PresenceIncomplete
	PresenceBaseDeleted = model.PresenceBaseDeleted

	KindFile    = model.KindFile
	KindDir     = model.KindDir
	KindSymlink = model.KindSymlink
	KindUnknown = model.KindUnknown
)

// Sentinel errors: see internal/model/errors.go for the full taxonomy.
var (
	ErrBusy                = model.ErrBusy
	ErrInterrupted         = model.ErrInterrupted
	ErrNotFound            = model.ErrNotFound
	ErrAlreadyExists       = model.ErrAlreadyExists
	ErrInvalidPath         = model.ErrInvalidPath
	ErrInvalidArgument     = model.ErrInvalidArgument
	ErrConstraintViolation = model.ErrConstraintViolation
	ErrIoError             = model.ErrIoError
	ErrNoSpace             = model.ErrNoSpace
	ErrPermissionDenied    = model.ErrPermissionDenied
	ErrCorrupt             = model.ErrCorrupt
	ErrSchemaTooNew        = model.ErrSchemaTooNew
	ErrUnsupportedSchema   = model.ErrUnsupportedSchema
)

// Options configures Open.
type Options struct {
	Engine engine.Options
	Cache  CacheConfig
}

// Session is an open handle onto one workcopy's wc.db: the storage
// engine plus every component store layered on top of it, and the
// process-level guard that serializes writer sessions.
type Session struct {
	WCID  int64
	Cache CacheConfig

	Nodes    *nodes.Store
	Actual   *actualoverlay.Store
	Pristine *pristine.Store
	Locks    *locks.Store
	Queue    *workqueue.Store

	eng   *engine.Engine
	guard *locks.SessionGuard
}

// Open acquires the process-level session guard, opens (or creates)
// wc.db, ensures its schema is current, and wires every component
// store. wcID identifies which wcroot row this session operates
// against; callers that have not yet registered a wcroot pass 0 and
// call EnsureWorkcopy afterwards.
func Open(ctx context.Context, dbPath string, wcID int64, opts Options) (*Session, error) {
	guard := locks.NewSessionGuard(filepath.Dir(dbPath))
	ok, err := guard.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("wcms: workcopy %s is already open for writing: %w", dbPath, ErrBusy)
	}

	eng, err := engine.Open(ctx, dbPath, opts.Engine)
	if err != nil {
		_ = guard.Unlock()
		return nil, err
	}
	if err := schema.Ensure(eng.DB()); err != nil {
		_ = eng.Close()
		_ = guard.Unlock()
		return nil, err
	}

	return &Session{
		WCID:     wcID,
		Cache:    opts.Cache,
		Nodes:    nodes.NewStore(eng),
		Actual:   actualoverlay.NewStore(eng),
		Pristine: pristine.NewStore(eng),
		Locks:    locks.NewStore(eng),
		Queue:    workqueue.NewStore(eng),
		eng:      eng,
		guard:    guard,
	}, nil
}

// Tx is a running transaction: pass it as the engine.Querier argument
// to any component store method to run that call as part of the same
// transaction WithTx manages.
type Tx = *sql.Tx

// WithTx runs fn inside a single transaction against the session's
// engine, retrying on Busy with backoff.
func (s *Session) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.eng.WithTx(ctx, fn)
}

// WithSavepoint nests a further step inside an already-running
// transaction: a failure in fn rolls back to the savepoint without
// disturbing tx's earlier work.
func (s *Session) WithSavepoint(ctx context.Context, tx Tx, fn func() error) error {
	return s.eng.WithSavepoint(ctx, tx, fn)
}

// DB returns the session's writer handle for callers issuing a single
// statement outside of WithTx.
func (s *Session) DB() engine.Querier { return s.eng.DB() }

// OpenReader returns an independent read-only handle onto the same
// wc.db. Readers opened here run concurrently with this session's
// writer and observe only committed state, so a status walk can scan
// while an update transaction is still in flight. The caller closes
// the returned handle.
func (s *Session) OpenReader(ctx context.Context) (*sql.DB, error) {
	return s.eng.OpenReader(ctx)
}

// Close releases the session: closes the storage engine and the
// process-level guard, in that order, so the guard is never released
// while the database handle might still be mid-write.
func (s *Session) Close() error {
	closeErr := s.eng.Close()
	if err := s.guard.Unlock(); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}
