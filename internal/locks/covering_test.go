package locks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wcms/wcms/internal/model"
)

func TestCoveringLockWalksAncestors(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	// Lock "a" one level deep: covers a and a/b, but not a/b/c.
	if err := s.Acquire(ctx, e.DB(), 1, "a", 1); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	if _, err := s.CoveringLock(ctx, e.DB(), 1, "a"); err != nil {
		t.Errorf("CoveringLock(a) = %v, want the lock itself", err)
	}
	if _, err := s.CoveringLock(ctx, e.DB(), 1, "a/b"); err != nil {
		t.Errorf("CoveringLock(a/b) = %v, want covered at depth 1", err)
	}
	if _, err := s.CoveringLock(ctx, e.DB(), 1, "a/b/c"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("CoveringLock(a/b/c) error = %v, want ErrNotFound beyond locked_levels", err)
	}
	if _, err := s.CoveringLock(ctx, e.DB(), 1, "other"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("CoveringLock(other) error = %v, want ErrNotFound", err)
	}
}

func TestCoveringLockInfiniteDepth(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	if err := s.Acquire(ctx, e.DB(), 1, "", -1); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	got, err := s.CoveringLock(ctx, e.DB(), 1, "deep/ly/nested/path")
	if err != nil {
		t.Fatalf("CoveringLock() failed: %v", err)
	}
	if got.LocalDirRelpath != "" || got.LockedLevels != -1 {
		t.Errorf("CoveringLock() = %+v, want the root's infinite lock", got)
	}
}

func TestRepoLockLifecycleAndRetarget(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	l := &model.RepoLock{
		RepoID: 1, ReposRelpath: "trunk/a", Token: "token-1",
		Owner: "alice", Comment: "wip", Date: time.Unix(1700000000, 0),
	}
	if err := s.SetRepoLock(ctx, e.DB(), l); err != nil {
		t.Fatalf("SetRepoLock() failed: %v", err)
	}

	if err := s.RetargetRepoLocks(ctx, e.DB(), 1, 2); err != nil {
		t.Fatalf("RetargetRepoLocks() failed: %v", err)
	}

	var n int
	if err := e.DB().QueryRow(`SELECT COUNT(*) FROM lock WHERE repo_id = 2`).Scan(&n); err != nil {
		t.Fatalf("count retargeted locks: %v", err)
	}
	if n != 1 {
		t.Errorf("locks under repo 2 = %d, want 1 after retarget", n)
	}

	if err := s.ClearRepoLock(ctx, e.DB(), 2, "trunk/a"); err != nil {
		t.Fatalf("ClearRepoLock() failed: %v", err)
	}
	if err := e.DB().QueryRow(`SELECT COUNT(*) FROM lock`).Scan(&n); err != nil {
		t.Fatalf("count locks: %v", err)
	}
	if n != 0 {
		t.Errorf("locks = %d, want 0 after clear", n)
	}
}
