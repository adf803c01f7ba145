package fdpass

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSendRecvFD(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair() failed: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tmp, err := os.CreateTemp("", "fdpass-test")
	if err != nil {
		t.Fatalf("CreateTemp() failed: %v", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := SendFD(fds[0], int(tmp.Fd())); err != nil {
		t.Fatalf("SendFD() failed: %v", err)
	}

	got, err := RecvFD(fds[1])
	if err != nil {
		t.Fatalf("RecvFD() failed: %v", err)
	}
	defer unix.Close(got)

	want := []byte("hello-fdpass")
	if _, err := unix.Write(got, want); err != nil {
		t.Fatalf("write to received fd failed: %v", err)
	}

	got2, err := os.ReadFile(tmp.Name())
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if string(got2) != string(want) {
		t.Errorf("received fd did not refer to the same file: want %q, got %q", want, got2)
	}
}

func TestRecvFDOnClosedSocket(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair() failed: %v", err)
	}
	unix.Close(fds[0])
	defer unix.Close(fds[1])

	if _, err := RecvFD(fds[1]); err == nil {
		t.Errorf("RecvFD() on a peer-closed socket: expected error, got nil")
	}
}
