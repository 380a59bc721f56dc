// Package nodes implements the layered-node relation and its resolver.
// The nodes table is a stack of trees indexed by op_depth: depth 0 is
// BASE (the pristine server view), every depth k > 0 is a working layer
// rooted at a path of path-depth k. The effective node at a path is the
// row with the greatest op_depth there; reads inside a copied subtree
// whose descendants were never materialized inherit from the nearest
// covering ancestor layer.
//
// Every method takes an engine.Querier so callers can run it standalone
// against the writer *sql.DB or as one step of a larger transaction via
// Engine.WithTx.
package nodes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wcms/wcms/internal/engine"
	"github.com/wcms/wcms/internal/model"
)

// Store resolves and mutates the (wc_id, local_relpath, op_depth)
// relation.
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

// EffectiveNode returns the row with the greatest op_depth at relpath —
// "what is at this path" across every layer. Returns model.ErrNotFound
// if no row exists at relpath in any layer; callers that also want
// inheritance from a covering copied ancestor use Resolve instead.
func (s *Store) EffectiveNode(ctx context.Context, q engine.Querier, wcID int64, relpath string) (*model.Node, error) {
	row := q.QueryRowContext(ctx, query(engine.SelectNodeInfo), wcID, relpath)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, engine.Classify(fmt.Errorf("wcms: effective node %s: %w", relpath, err))
	}
	return n, nil
}

// EffectiveNodeWithLock is EffectiveNode joined against the repository
// lock table: the returned RepoLock is nil when no server-issued lock
// covers the node's repository coordinates.
func (s *Store) EffectiveNodeWithLock(ctx context.Context, q engine.Querier, wcID int64, relpath string) (*model.Node, *model.RepoLock, error) {
	row := q.QueryRowContext(ctx, query(engine.SelectNodeInfoWithLock), wcID, relpath)
	n, l, err := scanNodeWithLock(row)
	if err == sql.ErrNoRows {
		return nil, nil, model.ErrNotFound
	}
	if err != nil {
		return nil, nil, engine.Classify(fmt.Errorf("wcms: effective node with lock %s: %w", relpath, err))
	}
	return n, l, nil
}

// Resolve is the full layer-selection algorithm. When a row exists at
// relpath it behaves exactly like EffectiveNode. When none does, it
// walks the parent chain for the nearest ancestor whose top layer is a
// working copy (a copied directory whose descendants were not
// individually materialized) and synthesizes the inherited row from the
// copy source's BASE child at the corresponding repository path.
func (s *Store) Resolve(ctx context.Context, q engine.Querier, wcID int64, relpath string) (*model.Node, error) {
	n, err := s.EffectiveNode(ctx, q, wcID, relpath)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	if relpath == "" {
		return nil, model.ErrNotFound
	}

	for p := model.ParentRelpath(relpath); ; p = model.ParentRelpath(p) {
		anc, err := s.EffectiveNode(ctx, q, wcID, p)
		if errors.Is(err, model.ErrNotFound) {
			if p == "" {
				return nil, model.ErrNotFound
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		// Only a normal working layer carries inheritable contents; a
		// BASE ancestor means the child genuinely does not exist, and a
		// deleted/excluded/absent layer shadows everything below it.
		if anc.OpDepth == 0 || anc.Presence != model.PresenceNormal {
			return nil, model.ErrNotFound
		}

		suffix := relpath
		if p != "" {
			suffix = relpath[len(p)+1:]
		}
		srcPath := suffix
		if anc.ReposPath != "" {
			srcPath = anc.ReposPath + "/" + suffix
		}
		row := q.QueryRowContext(ctx, query(engine.SelectBaseNodeByReposPath), wcID, anc.RepoID, srcPath)
		src, err := scanNode(row)
		if err == sql.ErrNoRows {
			return nil, model.ErrNotFound
		}
		if err != nil {
			return nil, engine.Classify(fmt.Errorf("wcms: resolve %s via %s: %w", relpath, p, err))
		}

		inherited := *src
		inherited.LocalRelpath = relpath
		inherited.ParentRelpath = model.ParentRelpath(relpath)
		inherited.OpDepth = anc.OpDepth
		return &inherited, nil
	}
}

// BaseNode returns the op_depth=0 row at relpath: the server-reported
// pristine state, independent of any working change above it.
func (s *Store) BaseNode(ctx context.Context, q engine.Querier, wcID int64, relpath string) (*model.Node, error) {
	row := q.QueryRowContext(ctx, query(engine.SelectBaseNode), wcID, relpath)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, engine.Classify(fmt.Errorf("wcms: base node %s: %w", relpath, err))
	}
	return n, nil
}

// WorkingNode returns the highest working layer (op_depth>0) at relpath,
// or ErrNotFound if the path has no working change and is pure BASE.
func (s *Store) WorkingNode(ctx context.Context, q engine.Querier, wcID int64, relpath string) (*model.Node, error) {
	row := q.QueryRowContext(ctx, query(engine.SelectWorkingNode), wcID, relpath)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, engine.Classify(fmt.Errorf("wcms: working node %s: %w", relpath, err))
	}
	return n, nil
}

// Children lists the immediate children of parent. With includeWorking
// false it returns the BASE (op_depth 0) children; with includeWorking
// true it returns the distinct children that have a working-layer row
// (op_depth > 0). The second form does not add BASE-only children, so
// neither form is the union of both layers.
func (s *Store) Children(ctx context.Context, q engine.Querier, wcID int64, parent string, includeWorking bool) ([]string, error) {
	stmt := engine.SelectBaseNodeChildren
	if includeWorking {
		stmt = engine.SelectWorkingNodeChildren
	}
	rows, err := q.QueryContext(ctx, query(stmt), wcID, parent)
	if err != nil {
		return nil, engine.Classify(fmt.Errorf("wcms: children of %s: %w", parent, err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var relpath string
		if err := rows.Scan(&relpath); err != nil {
			return nil, fmt.Errorf("wcms: scan child of %s: %w", parent, err)
		}
		out = append(out, relpath)
	}
	return out, rows.Err()
}

// NodeProps returns the effective property set at relpath (the topmost
// layer's properties), or ErrNotFound when the path has no row at all.
func (s *Store) NodeProps(ctx context.Context, q engine.Querier, wcID int64, relpath string) (map[string]string, error) {
	row := q.QueryRowContext(ctx, query(engine.SelectNodeProps), wcID, relpath)
	var blob []byte
	err := row.Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, engine.Classify(fmt.Errorf("wcms: node props %s: %w", relpath, err))
	}
	return model.DecodeProperties(blob)
}

// DeletionInfo reports the op_depth of the topmost base-deleted layer
// at relpath, i.e. which tree operation scheduled the delete.
// ErrNotFound means nothing deletes this path.
func (s *Store) DeletionInfo(ctx context.Context, q engine.Querier, wcID int64, relpath string) (int, error) {
	row := q.QueryRowContext(ctx, query(engine.SelectDeletionInfo), wcID, relpath)
	var opDepth int
	var presence string
	err := row.Scan(&opDepth, &presence)
	if err == sql.ErrNoRows {
		return 0, model.ErrNotFound
	}
	if err != nil {
		return 0, engine.Classify(fmt.Errorf("wcms: deletion info %s: %w", relpath, err))
	}
	return opDepth, nil
}

// Insert writes one fully-specified node row at any layer, replacing a
// row already present at the same (wc_id, local_relpath, op_depth).
func (s *Store) Insert(ctx context.Context, q engine.Querier, n *model.Node) error {
	if err := model.ValidateRelpath(n.LocalRelpath); err != nil {
		return err
	}
	if !n.Presence.Valid() || !n.Kind.Valid() {
		return model.ErrInvalidArgument
	}
	props, err := model.EncodeProperties(n.Properties)
	if err != nil {
		return fmt.Errorf("wcms: encode properties for %s: %w", n.LocalRelpath, err)
	}
	_, err = q.ExecContext(ctx, query(engine.InsertNode),
		n.WCID, n.LocalRelpath, n.OpDepth, n.ParentRelpath, nullableInt(n.RepoID),
		nullableString(n.ReposPath), n.Revision, string(n.Presence), string(n.Kind),
		nullableString(n.Checksum), props, nullableString(n.Depth),
		n.ChangedRevision, unixOrNil(n.ChangedDate), nullableString(n.ChangedAuthor),
		n.TranslatedSize, unixOrNil(n.LastModTime), nullableString(n.SymlinkTarget),
		nil, boolToInt(n.MovedHere), nullableString(n.MovedTo), nil,
	)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: insert node %s@%d: %w", n.LocalRelpath, n.OpDepth, err))
	}
	return nil
}

// ApplyBaseNode writes or overwrites the BASE (op_depth=0) row at
// n.LocalRelpath from server-reported state — the call an update editor
// drive makes once per touched path. Any cached DAV properties on an
// overwritten row are invalidated.
func (s *Store) ApplyBaseNode(ctx context.Context, q engine.Querier, n *model.Node) error {
	if err := model.ValidateRelpath(n.LocalRelpath); err != nil {
		return err
	}
	props, err := model.EncodeProperties(n.Properties)
	if err != nil {
		return fmt.Errorf("wcms: encode properties for %s: %w", n.LocalRelpath, err)
	}
	_, err = q.ExecContext(ctx, query(engine.ApplyChangesToBaseNode),
		n.WCID, n.LocalRelpath, n.ParentRelpath, n.RepoID, n.ReposPath, n.Revision,
		string(n.Presence), string(n.Kind), nullableString(n.Checksum), props,
		n.ChangedRevision, unixOrNil(n.ChangedDate), n.ChangedAuthor,
	)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: apply base node %s: %w", n.LocalRelpath, err))
	}
	return nil
}

// SetBaseRevision bumps the BASE row's revision at relpath, the
// post-commit step that moves a committed path to its new revision.
func (s *Store) SetBaseRevision(ctx context.Context, q engine.Querier, wcID int64, relpath string, revision int64) error {
	res, err := q.ExecContext(ctx, query(engine.UpdateNodeBaseRevision), wcID, relpath, revision)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: set base revision %s: %w", relpath, err))
	}
	return requireRowsAffected(res, "set base revision", relpath)
}

// SetBasePresence rewrites the BASE row's presence at relpath, e.g. to
// incomplete when an update drive is interrupted mid-subtree and back
// to normal when it resumes and finishes.
func (s *Store) SetBasePresence(ctx context.Context, q engine.Querier, wcID int64, relpath string, presence model.Presence) error {
	if !presence.Valid() {
		return model.ErrInvalidArgument
	}
	res, err := q.ExecContext(ctx, query(engine.UpdateNodeBasePresence), wcID, relpath, string(presence))
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: set base presence %s: %w", relpath, err))
	}
	return requireRowsAffected(res, "set base presence", relpath)
}

// SetWorkingPresence rewrites the presence of the working row at
// (relpath, opDepth).
func (s *Store) SetWorkingPresence(ctx context.Context, q engine.Querier, wcID int64, relpath string, opDepth int, presence model.Presence) error {
	if !presence.Valid() {
		return model.ErrInvalidArgument
	}
	res, err := q.ExecContext(ctx, query(engine.UpdateNodeWorkingPresence), wcID, relpath, opDepth, string(presence))
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: set working presence %s@%d: %w", relpath, opDepth, err))
	}
	return requireRowsAffected(res, "set working presence", relpath)
}

// SetWorkingProperties replaces the property set of the working row at
// (relpath, opDepth).
func (s *Store) SetWorkingProperties(ctx context.Context, q engine.Querier, wcID int64, relpath string, opDepth int, props map[string]string) error {
	blob, err := model.EncodeProperties(props)
	if err != nil {
		return fmt.Errorf("wcms: encode properties for %s: %w", relpath, err)
	}
	res, err := q.ExecContext(ctx, query(engine.UpdateNodeWorkingProperties), wcID, relpath, opDepth, blob)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: set working properties %s@%d: %w", relpath, opDepth, err))
	}
	return requireRowsAffected(res, "set working properties", relpath)
}

// CopyFromBase creates a new working layer at opDepth that copies dst
// from src's BASE row — a local copy of an unmodified path. Descendants
// of src are not materialized here; Resolve serves reads beneath dst by
// inheritance until individual rows are written.
func (s *Store) CopyFromBase(ctx context.Context, q engine.Querier, wcID int64, src, dst string, opDepth int) error {
	if err := model.ValidateRelpath(dst); err != nil {
		return err
	}
	parent := model.ParentRelpath(dst)
	res, err := q.ExecContext(ctx, query(engine.InsertWorkingNodeCopyFromBase), wcID, src, dst, opDepth, parent)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: copy-from-base %s -> %s: %w", src, dst, err))
	}
	return requireRowsAffected(res, "copy-from-base", src)
}

// CopyFromWorking is the analogous copy sourcing from the effective
// working row at src, for copying a path that itself has a pending
// local change.
func (s *Store) CopyFromWorking(ctx context.Context, q engine.Querier, wcID int64, src, dst string, opDepth int) error {
	if err := model.ValidateRelpath(dst); err != nil {
		return err
	}
	parent := model.ParentRelpath(dst)
	res, err := q.ExecContext(ctx, query(engine.InsertWorkingNodeCopyFromWorking), wcID, src, dst, opDepth, parent)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: copy-from-working %s -> %s: %w", src, dst, err))
	}
	return requireRowsAffected(res, "copy-from-working", src)
}

// ScheduleDelete records a local delete by inserting a base-deleted
// tombstone row at n.OpDepth: present in BASE, scheduled for removal.
// BASE itself is left untouched.
func (s *Store) ScheduleDelete(ctx context.Context, q engine.Querier, n *model.Node) error {
	n.Presence = model.PresenceBaseDeleted
	_, err := q.ExecContext(ctx, query(engine.InsertWorkingNodeFromBase),
		n.WCID, n.LocalRelpath, n.OpDepth, n.ParentRelpath, n.RepoID, n.ReposPath, n.Revision,
		string(n.Presence), string(n.Kind), nullableString(n.Checksum), nil,
		n.ChangedRevision, unixOrNil(n.ChangedDate), n.ChangedAuthor,
	)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: schedule delete %s: %w", n.LocalRelpath, err))
	}
	return nil
}

// Revert drops every working-layer row at or beneath relpath, restoring
// BASE as the effective view. Clearing the actual overlay beneath
// relpath is the caller's job (see the session-level full revert).
func (s *Store) Revert(ctx context.Context, q engine.Querier, wcID int64, relpath string) error {
	pattern := model.SubtreeLikePattern(relpath)
	_, err := q.ExecContext(ctx, query(engine.DeleteWorkingNodes), wcID, relpath, pattern)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: revert %s: %w", relpath, err))
	}
	return nil
}

// RemoveBase deletes the BASE row at relpath, the step an update drive
// takes when the server reports a path gone.
func (s *Store) RemoveBase(ctx context.Context, q engine.Querier, wcID int64, relpath string) error {
	_, err := q.ExecContext(ctx, query(engine.DeleteBaseNode), wcID, relpath)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: remove base %s: %w", relpath, err))
	}
	return nil
}

// RemoveSubtree deletes every row at every layer at or beneath relpath,
// for tearing a path out of the workcopy entirely.
func (s *Store) RemoveSubtree(ctx context.Context, q engine.Querier, wcID int64, relpath string) error {
	pattern := model.SubtreeLikePattern(relpath)
	_, err := q.ExecContext(ctx, query(engine.DeleteAllNodes), wcID, relpath, pattern)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: remove subtree %s: %w", relpath, err))
	}
	return nil
}

// SetRepository repoints every BASE row under relpath (inclusive) at a
// different repository row — the bulk update a relocate issues — and
// invalidates their cached DAV properties.
func (s *Store) SetRepository(ctx context.Context, q engine.Querier, wcID, repoID int64, relpath string) error {
	pattern := model.SubtreeLikePattern(relpath)
	_, err := q.ExecContext(ctx, query(engine.SetRepositoryOfSubtree), wcID, relpath, repoID, pattern)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: set repository under %s: %w", relpath, err))
	}
	return nil
}

// SetExcluded marks the top working layer at relpath excluded (sparse
// checkout), clearing its ambient depth hint. Only a working-layer row
// may be excluded; BASE rows carry the server-reported pristine tree
// and are never user-excludable.
func (s *Store) SetExcluded(ctx context.Context, q engine.Querier, wcID int64, relpath string) error {
	res, err := q.ExecContext(ctx, query(engine.UpdateNodeWorkingExcluded), wcID, relpath)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: exclude %s: %w", relpath, err))
	}
	return requireRowsAffected(res, "exclude", relpath)
}

// RaiseOpDepth moves every row of the fromDepth layer at or beneath
// relpath to toDepth, the relabeling step when a tree operation's root
// moves (e.g. a move folded into a parent delete).
func (s *Store) RaiseOpDepth(ctx context.Context, q engine.Querier, wcID int64, relpath string, fromDepth, toDepth int) error {
	pattern := model.SubtreeLikePattern(relpath)
	_, err := q.ExecContext(ctx, query(engine.UpdateOpDepth), wcID, fromDepth, relpath, toDepth, pattern)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: raise op_depth %s %d->%d: %w", relpath, fromDepth, toDepth, err))
	}
	return nil
}

// UpdateCopyfrom rebinds the copyfrom repository/path/revision of the
// top working layer at relpath only (a path with only a BASE row is left
// unchanged); descendant rows derive their coordinates from the layer
// root on read.
func (s *Store) UpdateCopyfrom(ctx context.Context, q engine.Querier, wcID, repoID int64, relpath, reposPath string, revision int64) error {
	_, err := q.ExecContext(ctx, query(engine.UpdateCopyfrom), wcID, relpath, repoID, reposPath, revision)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: update copyfrom %s: %w", relpath, err))
	}
	return nil
}

func requireRowsAffected(res sql.Result, op, relpath string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("wcms: %s %s: rows affected: %w", op, relpath, err)
	}
	if n == 0 {
		return fmt.Errorf("wcms: %s %s: %w", op, relpath, model.ErrNotFound)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
