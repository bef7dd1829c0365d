package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareCreatesSourceTree(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src, err := m.Prepare("proj-1")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		t.Fatalf("source dir missing: %v", err)
	}
	if filepath.Base(src) != "source" {
		t.Errorf("unexpected source path %s", src)
	}
}

func TestPrepareResetsExistingTree(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src, err := m.Prepare("proj-1")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	stale := filepath.Join(src, "stale.txt")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}
	if _, err := m.Prepare("proj-1"); err != nil {
		t.Fatalf("second Prepare: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale file survived Prepare")
	}
}

func TestProjectDirRejectsUnsafeIDs(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []string{"", "..", "../evil", "a/b", "./x"} {
		if _, err := m.SourcePath(id); err == nil {
			t.Errorf("expected error for id %q", id)
		}
	}
}

func TestRemoveDeletesTree(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Prepare("proj-1"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := m.Remove("proj-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ids, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected empty workspace, got %v", ids)
	}
}

func TestListReturnsProjectIDs(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := m.Prepare(id); err != nil {
			t.Fatalf("Prepare %s: %v", id, err)
		}
	}
	ids, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 projects, got %v", ids)
	}
}
