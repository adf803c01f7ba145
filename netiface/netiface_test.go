package netiface

import (
	"os"
	"testing"
)

func TestCreateRequiresPrivilege(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root: veth creation would actually be attempted")
	}

	err := Create(os.Getpid(), []NIC{{Name: "bst0", PeerName: "bst0-host"}})
	if err == nil {
		t.Errorf("Create() as non-root: expected a permission error, got nil")
	}
}

func TestCreateEmptyIsNoop(t *testing.T) {
	if err := Create(os.Getpid(), nil); err != nil {
		t.Errorf("Create() with no NICs failed: %v", err)
	}
}
