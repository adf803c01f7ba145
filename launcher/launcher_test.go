//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Run itself is exercised in an integration environment with a writable
// cgroup v2 hierarchy and namespace privileges; the tests here cover the
// pieces of the launcher that don't need either.

package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestNewSocketpairBothEndsUsable(t *testing.T) {
	sp, err := newSocketpair()
	if err != nil {
		t.Fatalf("newSocketpair: %v", err)
	}
	defer unix.Close(sp.launcherEnd)
	defer unix.Close(sp.childEnd)

	msg := []byte("x")
	if _, err := unix.Write(sp.launcherEnd, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := unix.Read(sp.childEnd, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 'x' {
		t.Fatalf("got %q, want %q", buf, msg)
	}
}

// joinCgroup's directory and procs-file handling works against any
// directory tree; only the kernel-side effect of the cgroup.procs write
// needs real cgroupfs. Seeding the procs file lets the rest be checked
// without one.
func TestJoinCgroupWritesPid(t *testing.T) {
	parent := t.TempDir()
	pid := os.Getpid()

	cgDir := filepath.Join(parent, fmt.Sprintf("bst.%d", pid))
	if err := os.Mkdir(cgDir, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	procs := filepath.Join(cgDir, "cgroup.procs")
	if err := os.WriteFile(procs, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	dirfd, err := joinCgroup(parent, pid)
	if err != nil {
		t.Fatalf("joinCgroup: %v", err)
	}
	defer unix.Close(dirfd)

	got, err := os.ReadFile(procs)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := fmt.Sprintf("%d\n", pid)
	if string(got) != want {
		t.Errorf("cgroup.procs = %q, want %q", got, want)
	}

	// The returned fd must reference the parent directory, so the helper
	// can resolve bst.<pid> under it.
	var st unix.Stat_t
	if err := unix.Fstat(dirfd, &st); err != nil {
		t.Fatalf("Fstat(dirfd): %v", err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		t.Errorf("dirfd does not reference a directory")
	}
}

func TestJoinCgroupMissingProcsFileFails(t *testing.T) {
	parent := t.TempDir()

	// No cgroup.procs seeded: mkdir succeeds but the pid write must fail,
	// as it would on a filesystem that isn't cgroupfs.
	if _, err := joinCgroup(parent, os.Getpid()); err == nil {
		t.Errorf("joinCgroup on a plain directory: expected error, got nil")
	}
}
