package cgroupclean

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestCleanRemovesNestedDirs(t *testing.T) {
	root := t.TempDir()
	cgroupDir := filepath.Join(root, "bst.1234")
	childDir := filepath.Join(cgroupDir, "leftover")

	if err := os.MkdirAll(childDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}

	dirfd, err := unix.Open(root, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", root, err)
	}
	defer unix.Close(dirfd)

	if err := Clean(dirfd, 1234); err != nil {
		t.Fatalf("Clean() failed: %v", err)
	}

	if _, err := os.Stat(cgroupDir); !os.IsNotExist(err) {
		t.Errorf("Clean() left %s behind: %v", cgroupDir, err)
	}
}

func TestCleanMissingDirIsNotFatal(t *testing.T) {
	root := t.TempDir()

	dirfd, err := unix.Open(root, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", root, err)
	}
	defer unix.Close(dirfd)

	if err := Clean(dirfd, 9999); err != nil {
		t.Errorf("Clean() on an absent cgroup dir failed: %v", err)
	}
}
