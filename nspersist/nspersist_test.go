package nspersist

import (
	"os"
	"testing"
)

func TestPersistNoTargetsIsNoop(t *testing.T) {
	if err := Persist(os.Getpid(), Targets{}); err != nil {
		t.Errorf("Persist() with no targets failed: %v", err)
	}
}

func TestPersistRequiresRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root: bind-mount would actually be attempted")
	}

	dir := t.TempDir()
	target := dir + "/net"

	err := Persist(os.Getpid(), Targets{Net: target})
	if err == nil {
		t.Errorf("Persist() as non-root: expected a permission error, got nil")
	}
}
