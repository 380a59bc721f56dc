package pristine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

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

func TestAddRefThenLookup(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	if err := s.AddRef(ctx, e.DB(), "sha1:abc", "md5:abc", 128); err != nil {
		t.Fatalf("AddRef() failed: %v", err)
	}
	if err := s.AddRef(ctx, e.DB(), "sha1:abc", "md5:abc", 128); err != nil {
		t.Fatalf("second AddRef() failed: %v", err)
	}

	got, err := s.LookupByChecksum(ctx, e.DB(), "sha1:abc")
	if err != nil {
		t.Fatalf("LookupByChecksum() failed: %v", err)
	}
	if got.RefCount != 2 {
		t.Errorf("RefCount = %d, want 2", got.RefCount)
	}
}

func TestLookupByChecksumNotFound(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	_, err := s.LookupByChecksum(ctx, e.DB(), "sha1:missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("LookupByChecksum() error = %v, want ErrNotFound", err)
	}
}

func TestGCRemovesUnreferencedZeroRefcountOnly(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	if err := s.AddRef(ctx, e.DB(), "sha1:dead", "md5:dead", 10); err != nil {
		t.Fatalf("AddRef() failed: %v", err)
	}
	if err := s.Release(ctx, e.DB(), "sha1:dead", 1); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	if err := s.AddRef(ctx, e.DB(), "sha1:alive", "md5:alive", 10); err != nil {
		t.Fatalf("AddRef() failed: %v", err)
	}

	removed, err := s.GC(ctx, e.DB())
	if err != nil {
		t.Fatalf("GC() failed: %v", err)
	}
	if len(removed) != 1 || removed[0] != "sha1:dead" {
		t.Errorf("GC() removed = %v, want [sha1:dead]", removed)
	}

	if _, err := s.LookupByChecksum(ctx, e.DB(), "sha1:alive"); err != nil {
		t.Errorf("LookupByChecksum(alive) after GC failed: %v", err)
	}
}
