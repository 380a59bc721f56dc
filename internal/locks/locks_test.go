package locks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/wcms/wcms/internal/engine"
	"github.com/wcms/wcms/internal/model"
	"github.com/wcms/wcms/internal/schema"
)

func newTestStore(t *testing.T) (*Store, *engine.Engine) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "wc.db")
	e, err := engine.Open(context.Background(), dbPath, engine.Options{})
	if err != nil {
		t.Fatalf("engine.Open(%q) failed: %v", dbPath, err)
	}
	t.Cleanup(func() { _ = e.Close() })
	if err := schema.Ensure(e.DB()); err != nil {
		t.Fatalf("schema.Ensure() failed: %v", err)
	}
	return NewStore(e), e
}

func TestAcquireFindRelease(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	if err := s.Acquire(ctx, e.DB(), 1, "", -1); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	got, err := s.Find(ctx, e.DB(), 1, "")
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}
	if got.LockedLevels != -1 {
		t.Errorf("LockedLevels = %d, want -1", got.LockedLevels)
	}

	if err := s.Release(ctx, e.DB(), 1, ""); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	_, err = s.Find(ctx, e.DB(), 1, "")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Find() after release error = %v, want ErrNotFound", err)
	}
}

func TestAcquireTwiceConflicts(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	if err := s.Acquire(ctx, e.DB(), 1, "a", 0); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	err := s.Acquire(ctx, e.DB(), 1, "a", 0)
	if !errors.Is(err, model.ErrConstraintViolation) {
		t.Errorf("second Acquire() error = %v, want ErrConstraintViolation", err)
	}
}

func TestSessionGuardTryLockAndWaitForRelease(t *testing.T) {
	dir := t.TempDir()
	g1 := NewSessionGuard(dir)

	ok, err := g1.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v, want true, nil", ok, err)
	}

	g2 := NewSessionGuard(dir)
	ok, err = g2.TryLock()
	if err != nil {
		t.Fatalf("second TryLock() failed: %v", err)
	}
	if ok {
		t.Fatalf("second TryLock() = true, want false while first guard holds the lock")
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- g2.WaitForRelease(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := g1.Unlock(); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}

	if err := <-done; err != nil {
		t.Errorf("WaitForRelease() = %v, want nil", err)
	}
}
