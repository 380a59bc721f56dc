// Package actualoverlay manages the actual_node relation: the per-path
// record of deviations from the resolved node view — text/property/tree
// conflicts, changelist membership, and user property overrides. Every
// mutator enforces the same postcondition: a row with no override field
// set is deleted, never left behind empty.
package actualoverlay

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wcms/wcms/internal/engine"
	"github.com/wcms/wcms/internal/model"
)

// Store mutates and reads actual_node rows.
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

// Get reads the actual_node row at relpath, or a zero-value ActualNode
// with IsEmpty()==true if none exists — callers never observe
// model.ErrNotFound here because "no overlay" is itself a valid,
// common state, not an error.
func (s *Store) Get(ctx context.Context, q engine.Querier, wcID int64, relpath string) (*model.ActualNode, error) {
	row := q.QueryRowContext(ctx, query(engine.SelectActualNode), wcID, relpath)
	a, err := scanActual(row)
	if err == sql.ErrNoRows {
		return &model.ActualNode{WCID: wcID, LocalRelpath: relpath}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wcms: get actual node %s: %w", relpath, err)
	}
	return a, nil
}

// put writes a, or deletes the row entirely if a.IsEmpty(). Every
// exported mutator below funnels through here after modifying its
// relevant field so the empty-row postcondition is enforced in one
// place.
func (s *Store) put(ctx context.Context, q engine.Querier, a *model.ActualNode) error {
	if a.IsEmpty() {
		_, err := q.ExecContext(ctx, query(engine.DeleteActualNode), a.WCID, a.LocalRelpath)
		if err != nil {
			return engine.Classify(fmt.Errorf("wcms: prune empty actual node %s: %w", a.LocalRelpath, err))
		}
		return nil
	}

	props, err := model.EncodeProperties(a.Properties)
	if err != nil {
		return fmt.Errorf("wcms: encode actual properties for %s: %w", a.LocalRelpath, err)
	}

	var op, leftKind, rightKind, action, reason, kinds any
	var leftRev, rightRev any
	if a.TreeConflict != nil {
		tc := a.TreeConflict
		op, leftKind, rightKind = tc.Operation, string(tc.LeftKind), string(tc.RightKind)
		action, reason, kinds = tc.Action, tc.Reason, tc.Kinds
		leftRev, rightRev = tc.LeftRev, tc.RightRev
	}

	_, err = q.ExecContext(ctx, query(engine.InsertActualNode),
		a.WCID, a.LocalRelpath, props, nullableString(a.Changelist),
		nullableString(a.ConflictOld), nullableString(a.ConflictNew), nullableString(a.ConflictWorking),
		nullableString(a.PropReject), nullableString(a.LegacyTreeConflictData),
		op, leftKind, leftRev, rightKind, rightRev, action, reason, kinds,
	)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: write actual node %s: %w", a.LocalRelpath, err))
	}
	return nil
}

// SetTextConflict records a pending three-way text conflict at relpath.
func (s *Store) SetTextConflict(ctx context.Context, q engine.Querier, wcID int64, relpath string, old, new_, working string) error {
	a, err := s.Get(ctx, q, wcID, relpath)
	if err != nil {
		return err
	}
	a.ConflictOld, a.ConflictNew, a.ConflictWorking = old, new_, working
	return s.put(ctx, q, a)
}

// ClearTextConflict resolves the text conflict at relpath, pruning the
// row if nothing else remains set.
func (s *Store) ClearTextConflict(ctx context.Context, q engine.Querier, wcID int64, relpath string) error {
	a, err := s.Get(ctx, q, wcID, relpath)
	if err != nil {
		return err
	}
	a.ConflictOld, a.ConflictNew, a.ConflictWorking = "", "", ""
	return s.put(ctx, q, a)
}

// SetPropConflict records a pending property-merge conflict at relpath.
func (s *Store) SetPropConflict(ctx context.Context, q engine.Querier, wcID int64, relpath, rejectFile string) error {
	a, err := s.Get(ctx, q, wcID, relpath)
	if err != nil {
		return err
	}
	a.PropReject = rejectFile
	return s.put(ctx, q, a)
}

// ClearPropConflict resolves the property conflict at relpath.
func (s *Store) ClearPropConflict(ctx context.Context, q engine.Querier, wcID int64, relpath string) error {
	a, err := s.Get(ctx, q, wcID, relpath)
	if err != nil {
		return err
	}
	a.PropReject = ""
	return s.put(ctx, q, a)
}

// SetTreeConflict records a typed tree conflict at relpath, replacing
// any legacy opaque blob still present from a pre-upgrade store.
func (s *Store) SetTreeConflict(ctx context.Context, q engine.Querier, wcID int64, relpath string, tc *model.TreeConflict) error {
	a, err := s.Get(ctx, q, wcID, relpath)
	if err != nil {
		return err
	}
	a.TreeConflict = tc
	a.LegacyTreeConflictData = ""
	return s.put(ctx, q, a)
}

// ClearTreeConflict resolves the tree conflict at relpath.
func (s *Store) ClearTreeConflict(ctx context.Context, q engine.Querier, wcID int64, relpath string) error {
	a, err := s.Get(ctx, q, wcID, relpath)
	if err != nil {
		return err
	}
	a.TreeConflict = nil
	return s.put(ctx, q, a)
}

// SetChangelist assigns relpath to changelist, or clears membership
// when changelist == "".
func (s *Store) SetChangelist(ctx context.Context, q engine.Querier, wcID int64, relpath, changelist string) error {
	a, err := s.Get(ctx, q, wcID, relpath)
	if err != nil {
		return err
	}
	a.Changelist = changelist
	return s.put(ctx, q, a)
}

// SetActualProperties overrides the working (unversioned-pending)
// property set at relpath independent of the node's own Properties.
func (s *Store) SetActualProperties(ctx context.Context, q engine.Querier, wcID int64, relpath string, props map[string]string) error {
	a, err := s.Get(ctx, q, wcID, relpath)
	if err != nil {
		return err
	}
	a.Properties = props
	return s.put(ctx, q, a)
}

// ListConflictVictims returns every path at or beneath relpath carrying
// any kind of unresolved conflict — the query a status walk uses to
// report text/property/tree conflict markers.
func (s *Store) ListConflictVictims(ctx context.Context, q engine.Querier, wcID int64, relpath string) ([]string, error) {
	pattern := model.SubtreeLikePattern(relpath)
	rows, err := q.QueryContext(ctx, query(engine.SelectActualConflictVictims), wcID, relpath, pattern)
	if err != nil {
		return nil, engine.Classify(fmt.Errorf("wcms: list conflict victims under %s: %w", relpath, err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("wcms: scan conflict victim under %s: %w", relpath, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ActualProps returns the user-edited property override at relpath, or
// nil when no override is recorded (the resolved node's own properties
// then apply).
func (s *Store) ActualProps(ctx context.Context, q engine.Querier, wcID int64, relpath string) (map[string]string, error) {
	row := q.QueryRowContext(ctx, query(engine.SelectActualProps), wcID, relpath)
	var blob []byte
	err := row.Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engine.Classify(fmt.Errorf("wcms: actual props %s: %w", relpath, err))
	}
	return model.DecodeProperties(blob)
}

// ConflictDetails returns the conflict fields recorded at relpath, with
// every field zero when the path carries no overlay row at all.
func (s *Store) ConflictDetails(ctx context.Context, q engine.Querier, wcID int64, relpath string) (*model.ActualNode, error) {
	a, err := s.Get(ctx, q, wcID, relpath)
	if err != nil {
		return nil, err
	}
	// Strip the non-conflict overrides so callers see only the conflict
	// state this query is about.
	a.Properties = nil
	a.Changelist = ""
	return a, nil
}

// ClearSubtree deletes every overlay row at or beneath relpath,
// conflicts and all — the actual-overlay half of a full revert.
func (s *Store) ClearSubtree(ctx context.Context, q engine.Querier, wcID int64, relpath string) error {
	pattern := model.SubtreeLikePattern(relpath)
	_, err := q.ExecContext(ctx, query(engine.DeleteActualNodeRecursive), wcID, relpath, pattern)
	if err != nil {
		return engine.Classify(fmt.Errorf("wcms: clear overlay under %s: %w", relpath, err))
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
