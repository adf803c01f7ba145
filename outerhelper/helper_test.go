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

package outerhelper

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestReadPidAndWriteOKRoundtrip(t *testing.T) {
	sv, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	launcherEnd, childEnd := sv[0], sv[1]
	defer unix.Close(launcherEnd)
	defer unix.Close(childEnd)

	h := &Helper{controlFd: launcherEnd}
	if err := h.SendPid(4242); err != nil {
		t.Fatalf("SendPid: %v", err)
	}

	pid, err := readPidFd(childEnd)
	if err != nil {
		t.Fatalf("readPidFd: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("readPidFd = %d, want 4242", pid)
	}

	if err := writeOKFd(childEnd); err != nil {
		t.Fatalf("writeOKFd: %v", err)
	}
	if err := h.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestBurnWritesExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fake_map")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("seeding fake map file: %v", err)
	}

	buf := []byte("0 1000 1\n")
	if err := burn(path, buf); err != nil {
		t.Fatalf("burn: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if string(got) != string(buf) {
		t.Fatalf("burned content = %q, want %q", got, buf)
	}
}
