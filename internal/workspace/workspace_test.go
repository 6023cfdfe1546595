package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareAndCleanup(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := m.Prepare()
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	nested := filepath.Join(dir, "services", "cart")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(nested, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Cleanup(dir); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected scratch dir removed, stat err=%v", err)
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outside := t.TempDir()
	if err := m.Cleanup(outside); err == nil {
		t.Fatal("expected cleanup outside root to be refused")
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatal("expected cleanup of the root itself to be refused")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("expected outside dir untouched: %v", err)
	}
}

func TestPrepareIsUnique(t *testing.T) {
	m, _ := New(t.TempDir())
	a, _ := m.Prepare()
	b, _ := m.Prepare()
	if a == b {
		t.Fatalf("expected unique scratch dirs, got %s twice", a)
	}
}
