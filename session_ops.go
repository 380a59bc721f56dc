package wcms

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wcms/wcms/internal/engine"
	"github.com/wcms/wcms/internal/model"
)

func stmt(id engine.StmtID) string {
	text, ok := engine.Text(id)
	if !ok {
		panic(fmt.Sprintf("wcms: unregistered statement %s", id))
	}
	return text
}

// EnsureWorkcopy registers localAbspath as a wcroot if it is not one
// already and returns its stable wc_id. The returned id is what every
// component-store call takes as its wcID argument.
func (s *Session) EnsureWorkcopy(ctx context.Context, localAbspath string) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx Tx) error {
		row := tx.QueryRowContext(ctx, stmt(engine.SelectWCRoot), localAbspath)
		switch err := row.Scan(&id, new(sql.NullString)); err {
		case nil:
			return nil
		case sql.ErrNoRows:
		default:
			return engine.Classify(fmt.Errorf("wcms: look up wcroot %s: %w", localAbspath, err))
		}

		res, err := tx.ExecContext(ctx, stmt(engine.InsertWCRoot), localAbspath)
		if err != nil {
			return engine.Classify(fmt.Errorf("wcms: register wcroot %s: %w", localAbspath, err))
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// InternRepository returns the stable repo_id for (root, uuid),
// inserting a row on first reference. Repository rows are never
// mutated once written: the same root always maps to the same id.
func (s *Session) InternRepository(ctx context.Context, root, uuid string) (int64, error) {
	var repo model.Repository
	err := s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.ExecContext(ctx, stmt(engine.InsertRepository), root, uuid); err != nil {
			return engine.Classify(fmt.Errorf("wcms: intern repository %s: %w", root, err))
		}
		row := tx.QueryRowContext(ctx, stmt(engine.SelectRepository), root)
		if err := row.Scan(&repo.RepoID, &repo.Root, &repo.UUID); err != nil {
			return engine.Classify(fmt.Errorf("wcms: read repository %s: %w", root, err))
		}
		return nil
	})
	return repo.RepoID, err
}

// FullRevert restores the effective view at relpath (and everything
// beneath it) to BASE: every working-layer row is dropped and the
// actual overlay — conflicts, changelists, property overrides — is
// cleared, in one transaction.
func (s *Session) FullRevert(ctx context.Context, relpath string) error {
	if err := model.ValidateRelpath(relpath); err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx Tx) error {
		if err := s.Nodes.Revert(ctx, tx, s.WCID, relpath); err != nil {
			return err
		}
		return s.Actual.ClearSubtree(ctx, tx, s.WCID, relpath)
	})
}

// Relocate repoints every BASE row under relpath at a different
// repository and moves any server-issued lock tokens along with it, so
// lock state survives the move the way it survives node churn.
func (s *Session) Relocate(ctx context.Context, relpath string, fromRepoID, toRepoID int64) error {
	if err := model.ValidateRelpath(relpath); err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx Tx) error {
		if err := s.Nodes.SetRepository(ctx, tx, s.WCID, toRepoID, relpath); err != nil {
			return err
		}
		return s.Locks.RetargetRepoLocks(ctx, tx, fromRepoID, toRepoID)
	})
}

// DrainWorkQueue applies and removes every queued work item in FIFO
// order. Callers run this after a commit's transaction is durable, and
// again on session open when a previous process crashed with items
// still queued; the workcopy is not consistent until the queue is dry.
func (s *Session) DrainWorkQueue(ctx context.Context, apply func(kind WorkKind, payload []byte) error) error {
	return s.Queue.Drain(ctx, s.DB(), apply)
}
