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

package ptyrelay

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestOpenPTYRoot(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root to open /dev/pts/ptmx reliably in this test environment")
	}

	master, slave, err := openPTY()
	if err != nil {
		t.Fatalf("openPTY: %v", err)
	}
	defer unix.Close(master)
	defer unix.Close(slave)

	if master < 0 || slave < 0 {
		t.Fatalf("openPTY returned invalid fds: master=%d slave=%d", master, slave)
	}
}

func TestSetupSkipsTermiosOnNonTTYStdin(t *testing.T) {
	// Setup must not fail or touch termios when stdin isn't a terminal;
	// the test harness's stdin is typically a pipe, which exercises this
	// path without requiring root.
	p, err := Setup(1)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer p.Cleanup()

	if p.stdinIsTTY {
		t.Skip("test stdin happens to be a tty in this environment")
	}
	if p.origTermios != nil {
		t.Fatalf("origTermios should be nil when stdin is not a tty")
	}
}

func TestBuildPollsetOmitsClosedEdges(t *testing.T) {
	p, err := Setup(1)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer p.Cleanup()

	p.stdinOpen = false
	p.termOpen = false

	fds := p.buildPollset()
	for _, f := range fds {
		if int(f.Fd) == p.stdin {
			t.Fatalf("closed stdin edge should not appear in pollset")
		}
	}
}
