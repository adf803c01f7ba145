package capability

import (
	"os"
	"testing"
)

func TestMakeCapableRejectsUnpermitted(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root: permitted set likely includes everything, test not meaningful")
	}

	err := MakeCapable(Mask{SYS_ADMIN})
	if err == nil {
		t.Errorf("MakeCapable(SYS_ADMIN) on an unprivileged process: expected error, got nil")
	}
}

func TestResetCapabilitiesNoop(t *testing.T) {
	// Dropping effective capabilities that are already empty must be a
	// harmless no-op; this exercises the unprivileged path without requiring
	// a setup that actually grants a capability.
	if err := ResetCapabilities(); err != nil {
		t.Errorf("ResetCapabilities() failed: %v", err)
	}
}
