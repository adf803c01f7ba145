package mount

import "testing"

func TestIsMountPointRoot(t *testing.T) {
	ok, err := IsMountPoint("/")
	if err != nil {
		t.Fatalf("IsMountPoint(\"/\") failed: %v", err)
	}
	if !ok {
		t.Errorf("IsMountPoint(\"/\") = false, want true")
	}
}

func TestIsMountPointTempDir(t *testing.T) {
	dir := t.TempDir()

	ok, err := IsMountPoint(dir)
	if err != nil {
		t.Fatalf("IsMountPoint(%s) failed: %v", dir, err)
	}
	if ok {
		t.Errorf("IsMountPoint(%s) = true, want false (plain tmp dir, not a mount)", dir)
	}
}

func TestPropagationRoot(t *testing.T) {
	prop, err := Propagation("/")
	if err != nil {
		t.Fatalf("Propagation(\"/\") failed: %v", err)
	}
	switch prop {
	case "shared", "private", "slave", "unbindable":
	default:
		t.Errorf("Propagation(\"/\") = %q, want one of shared/private/slave/unbindable", prop)
	}
}
