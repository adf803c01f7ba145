package pathres

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestPathAccessOwnTempDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	if err := PathAccess(os.Getpid(), dir, W_OK); err != nil {
		t.Errorf("PathAccess(own temp dir, W_OK) = %v, want nil", err)
	}
	if err := PathAccess(os.Getpid(), file, R_OK|W_OK); err != nil {
		t.Errorf("PathAccess(own file, R_OK|W_OK) = %v, want nil", err)
	}
}

func TestPathAccessMissingComponent(t *testing.T) {
	dir := t.TempDir()

	err := PathAccess(os.Getpid(), filepath.Join(dir, "no", "such", "path"), R_OK)
	if err != syscall.ENOENT {
		t.Errorf("PathAccess(missing path) = %v, want ENOENT", err)
	}
}

func TestPathAccessNonDirIntermediate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	err := PathAccess(os.Getpid(), filepath.Join(file, "below"), R_OK)
	if err != syscall.ENOTDIR {
		t.Errorf("PathAccess(file/below) = %v, want ENOTDIR", err)
	}
}

func TestPathAccessDeniedMode(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root: DAC checks are bypassed via capabilities")
	}

	dir := t.TempDir()
	file := filepath.Join(dir, "ro")
	if err := os.WriteFile(file, []byte("x"), 0o400); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	err := PathAccess(os.Getpid(), file, W_OK)
	if err != syscall.EACCES {
		t.Errorf("PathAccess(read-only file, W_OK) = %v, want EACCES", err)
	}
}

func TestPathAccessEmptyPath(t *testing.T) {
	if err := PathAccess(os.Getpid(), "", R_OK); err != syscall.ENOENT {
		t.Errorf("PathAccess(\"\") = %v, want ENOENT", err)
	}
}
