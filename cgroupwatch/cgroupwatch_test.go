package cgroupwatch

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func openRootDir(t *testing.T, dir string) int {
	t.Helper()
	fd, err := unix.Open(dir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", dir, err)
	}
	return fd
}

func TestScanPopulatedTrue(t *testing.T) {
	dir := t.TempDir()
	cgDir := filepath.Join(dir, "bst.42")
	if err := os.MkdirAll(cgDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cgDir, "cgroup.events"), []byte("populated 1\nfrozen 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	dirfd := openRootDir(t, dir)
	defer unix.Close(dirfd)

	w := New(dirfd, 42)
	populated, fd, err := w.reopenAndScan()
	defer unix.Close(fd)
	if err != nil {
		t.Fatalf("reopenAndScan() failed: %v", err)
	}
	if !populated {
		t.Errorf("reopenAndScan() populated = false, want true")
	}
}

func TestScanPopulatedFalse(t *testing.T) {
	dir := t.TempDir()
	cgDir := filepath.Join(dir, "bst.42")
	if err := os.MkdirAll(cgDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cgDir, "cgroup.events"), []byte("frozen 1\npopulated 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	dirfd := openRootDir(t, dir)
	defer unix.Close(dirfd)

	w := New(dirfd, 42)
	populated, fd, err := w.reopenAndScan()
	defer unix.Close(fd)
	if err != nil {
		t.Fatalf("reopenAndScan() failed: %v", err)
	}
	if populated {
		t.Errorf("reopenAndScan() populated = true, want false (populated 0 present)")
	}
}
