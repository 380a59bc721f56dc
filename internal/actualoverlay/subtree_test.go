package actualoverlay

import (
	"context"
	"testing"
)

func TestActualPropsOverride(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	got, err := s.ActualProps(ctx, e.DB(), 1, "a")
	if err != nil {
		t.Fatalf("ActualProps() failed: %v", err)
	}
	if got != nil {
		t.Errorf("ActualProps() with no overlay = %v, want nil", got)
	}

	if err := s.SetActualProperties(ctx, e.DB(), 1, "a", map[string]string{"svn:eol-style": "native"}); err != nil {
		t.Fatalf("SetActualProperties() failed: %v", err)
	}

	got, err = s.ActualProps(ctx, e.DB(), 1, "a")
	if err != nil {
		t.Fatalf("ActualProps() failed: %v", err)
	}
	if got["svn:eol-style"] != "native" {
		t.Errorf("ActualProps() = %v, want the override", got)
	}
}

func TestClearSubtreeRemovesEveryOverlayRow(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	if err := s.SetChangelist(ctx, e.DB(), 1, "dir", "cl"); err != nil {
		t.Fatalf("SetChangelist(dir) failed: %v", err)
	}
	if err := s.SetPropConflict(ctx, e.DB(), 1, "dir/a", "dir/a.prej"); err != nil {
		t.Fatalf("SetPropConflict(dir/a) failed: %v", err)
	}
	if err := s.SetChangelist(ctx, e.DB(), 1, "elsewhere", "cl"); err != nil {
		t.Fatalf("SetChangelist(elsewhere) failed: %v", err)
	}

	if err := s.ClearSubtree(ctx, e.DB(), 1, "dir"); err != nil {
		t.Fatalf("ClearSubtree() failed: %v", err)
	}

	for _, p := range []string{"dir", "dir/a"} {
		got, err := s.Get(ctx, e.DB(), 1, p)
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", p, err)
		}
		if !got.IsEmpty() {
			t.Errorf("Get(%q) = %+v, want cleared", p, got)
		}
	}

	got, err := s.Get(ctx, e.DB(), 1, "elsewhere")
	if err != nil {
		t.Fatalf("Get(elsewhere) failed: %v", err)
	}
	if got.Changelist != "cl" {
		t.Errorf("Get(elsewhere).Changelist = %q, want untouched", got.Changelist)
	}
}

func TestConflictDetailsStripsNonConflictFields(t *testing.T) {
	s, e := newTestStore(t)
	ctx := context.Background()

	if err := s.SetChangelist(ctx, e.DB(), 1, "a", "cl"); err != nil {
		t.Fatalf("SetChangelist() failed: %v", err)
	}
	if err := s.SetTextConflict(ctx, e.DB(), 1, "a", "a.old", "a.new", "a.working"); err != nil {
		t.Fatalf("SetTextConflict() failed: %v", err)
	}

	got, err := s.ConflictDetails(ctx, e.DB(), 1, "a")
	if err != nil {
		t.Fatalf("ConflictDetails() failed: %v", err)
	}
	if got.ConflictOld != "a.old" || got.ConflictNew != "a.new" {
		t.Errorf("ConflictDetails() = %+v, want the text conflict", got)
	}
	if got.Changelist != "" {
		t.Errorf("ConflictDetails().Changelist = %q, want stripped", got.Changelist)
	}
}
