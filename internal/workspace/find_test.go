package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFind_MarkerFile(t *testing.T) {
	tmpDir := t.TempDir()
	if err := Initialize(tmpDir); err != nil {
		t.Fatal(err)
	}

	nested := filepath.Join(tmpDir, "stages", "spec", "pending")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	root, err := Find(nested)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if root != tmpDir {
		t.Errorf("Find() = %q, want %q", root, tmpDir)
	}
}

func TestFind_BareMarkerDir(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, MarkerDir), 0755); err != nil {
		t.Fatal(err)
	}

	root, err := Find(tmpDir)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if root != tmpDir {
		t.Errorf("Find() = %q, want %q", root, tmpDir)
	}
}

func TestFind_NotFound(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := Find(tmpDir)
	if err != ErrNotFound {
		t.Errorf("Find() error = %v, want ErrNotFound", err)
	}
}

func TestFind_PrefersMarkerFileOverOuterDir(t *testing.T) {
	// Outer root has a bare .stagehand/, inner root has the full marker.
	// Find from inside the inner root must return the inner root.
	outer := t.TempDir()
	if err := os.MkdirAll(filepath.Join(outer, MarkerDir), 0755); err != nil {
		t.Fatal(err)
	}
	inner := filepath.Join(outer, "project")
	if err := os.MkdirAll(inner, 0755); err != nil {
		t.Fatal(err)
	}
	if err := Initialize(inner); err != nil {
		t.Fatal(err)
	}

	root, err := Find(inner)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if root != inner {
		t.Errorf("Find() = %q, want %q", root, inner)
	}
}

func TestIsWorkspace(t *testing.T) {
	tmpDir := t.TempDir()

	ok, err := IsWorkspace(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("IsWorkspace() = true for plain directory")
	}

	if err := Initialize(tmpDir); err != nil {
		t.Fatal(err)
	}
	ok, err = IsWorkspace(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("IsWorkspace() = false after Initialize")
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	tmpDir := t.TempDir()

	if err := Initialize(tmpDir); err != nil {
		t.Fatal(err)
	}
	if err := Initialize(tmpDir); err != nil {
		t.Errorf("second Initialize() error = %v", err)
	}
}
