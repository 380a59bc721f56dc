package nodes

import (
	"context"
	"errors"
	"testing"

	"github.com/wcms/wcms/internal/model"
)

func TestResolveInheritsFromCopiedAncestor(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	for _, n := range []*model.Node{
		{WCID: 1, LocalRelpath: "src", ParentRelpath: "", RepoID: 1, ReposPath: "src",
			Presence: model.PresenceNormal, Kind: model.KindDir, Revision: 4},
		{WCID: 1, LocalRelpath: "src/f", ParentRelpath: "src", RepoID: 1, ReposPath: "src/f",
			Presence: model.PresenceNormal, Kind: model.KindFile, Revision: 4, Checksum: "sha1:h2"},
	} {
		if err := s.ApplyBaseNode(ctx, e.DB(), n); err != nil {
			t.Fatalf("ApplyBaseNode(%q) failed: %v", n.LocalRelpath, err)
		}
	}

	if err := s.CopyFromBase(ctx, e.DB(), 1, "src", "dst", 1); err != nil {
		t.Fatalf("CopyFromBase() failed: %v", err)
	}

	// dst/f was never materialized: the resolver walks up to dst's
	// working layer and inherits the copy source's child attributes.
	got, err := s.Resolve(ctx, e.DB(), 1, "dst/f")
	if err != nil {
		t.Fatalf("Resolve(dst/f) failed: %v", err)
	}
	if got.Checksum != "sha1:h2" {
		t.Errorf("Resolve(dst/f).Checksum = %q, want sha1:h2", got.Checksum)
	}
	if got.OpDepth != 1 {
		t.Errorf("Resolve(dst/f).OpDepth = %d, want 1 (inherited from dst's layer)", got.OpDepth)
	}
	if got.LocalRelpath != "dst/f" || got.ParentRelpath != "dst" {
		t.Errorf("Resolve(dst/f) path = %q under %q, want dst/f under dst", got.LocalRelpath, got.ParentRelpath)
	}
}

func TestResolvePrefersMaterializedRow(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	n := &model.Node{WCID: 1, LocalRelpath: "a", ParentRelpath: "",
		Presence: model.PresenceNormal, Kind: model.KindFile, Revision: 2}
	if err := s.ApplyBaseNode(ctx, e.DB(), n); err != nil {
		t.Fatalf("ApplyBaseNode() failed: %v", err)
	}

	got, err := s.Resolve(ctx, e.DB(), 1, "a")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if got.OpDepth != 0 || got.Revision != 2 {
		t.Errorf("Resolve() = %+v, want the materialized BASE row", got)
	}
}

func TestResolveStopsAtDeletedAncestor(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	base := &model.Node{WCID: 1, LocalRelpath: "dir", ParentRelpath: "", RepoID: 1,
		ReposPath: "dir", Presence: model.PresenceNormal, Kind: model.KindDir, Revision: 3}
	if err := s.ApplyBaseNode(ctx, e.DB(), base); err != nil {
		t.Fatalf("ApplyBaseNode() failed: %v", err)
	}
	del := &model.Node{WCID: 1, LocalRelpath: "dir", OpDepth: 1, ParentRelpath: "",
		Kind: model.KindDir, Revision: 3}
	if err := s.ScheduleDelete(ctx, e.DB(), del); err != nil {
		t.Fatalf("ScheduleDelete() failed: %v", err)
	}

	_, err := s.Resolve(ctx, e.DB(), 1, "dir/ghost")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Resolve() under deleted ancestor error = %v, want ErrNotFound", err)
	}
}

func TestDeletionInfo(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	base := &model.Node{WCID: 1, LocalRelpath: "a", ParentRelpath: "",
		Presence: model.PresenceNormal, Kind: model.KindFile, Revision: 1}
	if err := s.ApplyBaseNode(ctx, e.DB(), base); err != nil {
		t.Fatalf("ApplyBaseNode() failed: %v", err)
	}

	if _, err := s.DeletionInfo(ctx, e.DB(), 1, "a"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("DeletionInfo() before delete error = %v, want ErrNotFound", err)
	}

	del := &model.Node{WCID: 1, LocalRelpath: "a", OpDepth: 1, ParentRelpath: "",
		Kind: model.KindFile, Revision: 1}
	if err := s.ScheduleDelete(ctx, e.DB(), del); err != nil {
		t.Fatalf("ScheduleDelete() failed: %v", err)
	}

	opDepth, err := s.DeletionInfo(ctx, e.DB(), 1, "a")
	if err != nil {
		t.Fatalf("DeletionInfo() failed: %v", err)
	}
	if opDepth != 1 {
		t.Errorf("DeletionInfo() = %d, want 1", opDepth)
	}
}

func TestSetBaseRevisionAndPresence(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	base := &model.Node{WCID: 1, LocalRelpath: "a", ParentRelpath: "",
		Presence: model.PresenceNormal, Kind: model.KindFile, Revision: 5}
	if err := s.ApplyBaseNode(ctx, e.DB(), base); err != nil {
		t.Fatalf("ApplyBaseNode() failed: %v", err)
	}

	if err := s.SetBaseRevision(ctx, e.DB(), 1, "a", 6); err != nil {
		t.Fatalf("SetBaseRevision() failed: %v", err)
	}
	if err := s.SetBasePresence(ctx, e.DB(), 1, "a", model.PresenceIncomplete); err != nil {
		t.Fatalf("SetBasePresence() failed: %v", err)
	}

	got, err := s.BaseNode(ctx, e.DB(), 1, "a")
	if err != nil {
		t.Fatalf("BaseNode() failed: %v", err)
	}
	if got.Revision != 6 || got.Presence != model.PresenceIncomplete {
		t.Errorf("BaseNode() = rev %d presence %q, want 6/incomplete", got.Revision, got.Presence)
	}

	if err := s.SetBaseRevision(ctx, e.DB(), 1, "missing", 7); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("SetBaseRevision(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSetExcludedTouchesOnlyWorkingLayers(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	base := &model.Node{WCID: 1, LocalRelpath: "a", ParentRelpath: "",
		Presence: model.PresenceNormal, Kind: model.KindDir, Revision: 1}
	if err := s.ApplyBaseNode(ctx, e.DB(), base); err != nil {
		t.Fatalf("ApplyBaseNode() failed: %v", err)
	}

	// With only a BASE row, exclusion has nothing to act on.
	if err := s.SetExcluded(ctx, e.DB(), 1, "a"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("SetExcluded() with only BASE error = %v, want ErrNotFound", err)
	}

	if err := s.CopyFromBase(ctx, e.DB(), 1, "a", "b", 1); err != nil {
		t.Fatalf("CopyFromBase() failed: %v", err)
	}
	if err := s.SetExcluded(ctx, e.DB(), 1, "b"); err != nil {
		t.Fatalf("SetExcluded() failed: %v", err)
	}

	got, err := s.WorkingNode(ctx, e.DB(), 1, "b")
	if err != nil {
		t.Fatalf("WorkingNode() failed: %v", err)
	}
	if got.Presence != model.PresenceExcluded {
		t.Errorf("WorkingNode().Presence = %q, want excluded", got.Presence)
	}
}

func TestEffectiveNodeWithLock(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	base := &model.Node{WCID: 1, LocalRelpath: "a", ParentRelpath: "", RepoID: 1,
		ReposPath: "trunk/a", Presence: model.PresenceNormal, Kind: model.KindFile, Revision: 1}
	if err := s.ApplyBaseNode(ctx, e.DB(), base); err != nil {
		t.Fatalf("ApplyBaseNode() failed: %v", err)
	}

	n, l, err := s.EffectiveNodeWithLock(ctx, e.DB(), 1, "a")
	if err != nil {
		t.Fatalf("EffectiveNodeWithLock() failed: %v", err)
	}
	if l != nil {
		t.Errorf("lock = %+v, want nil before any lock row exists", l)
	}

	if _, err := e.DB().Exec(
		`INSERT INTO lock (repo_id, repos_relpath, lock_token, lock_owner) VALUES (1, 'trunk/a', 'token-1', 'alice')`,
	); err != nil {
		t.Fatalf("insert lock row: %v", err)
	}

	n, l, err = s.EffectiveNodeWithLock(ctx, e.DB(), 1, "a")
	if err != nil {
		t.Fatalf("EffectiveNodeWithLock() after lock failed: %v", err)
	}
	if n.LocalRelpath != "a" {
		t.Errorf("node = %q, want a", n.LocalRelpath)
	}
	if l == nil || l.Token != "token-1" || l.Owner != "alice" {
		t.Errorf("lock = %+v, want token-1 held by alice", l)
	}
}

func TestRaiseOpDepth(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	base := &model.Node{WCID: 1, LocalRelpath: "a", ParentRelpath: "",
		Presence: model.PresenceNormal, Kind: model.KindDir, Revision: 1}
	if err := s.ApplyBaseNode(ctx, e.DB(), base); err != nil {
		t.Fatalf("ApplyBaseNode() failed: %v", err)
	}
	if err := s.CopyFromBase(ctx, e.DB(), 1, "a", "b/c", 2); err != nil {
		t.Fatalf("CopyFromBase() failed: %v", err)
	}

	if err := s.RaiseOpDepth(ctx, e.DB(), 1, "b/c", 2, 1); err != nil {
		t.Fatalf("RaiseOpDepth() failed: %v", err)
	}

	got, err := s.WorkingNode(ctx, e.DB(), 1, "b/c")
	if err != nil {
		t.Fatalf("WorkingNode() failed: %v", err)
	}
	if got.OpDepth != 1 {
		t.Errorf("WorkingNode().OpDepth = %d, want 1 after relabel", got.OpDepth)
	}
}
