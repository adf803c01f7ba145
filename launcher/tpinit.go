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

package launcher

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nestybox/bst/ptyrelay"
)

// Fixed fd slots tpInitMain inherits from the launcher: the pty setup
// socket and the read end of the "outer helper is done" ready pipe.
const (
	tpPtySetupFd = 3
	tpReadyFd    = 4
)

// tpInitMain is the reexec entrypoint for the target process. It opens
// its pty, hands the master back to the launcher, then blocks until the
// outer helper has finished its privileged setup before exec'ing the
// caller's payload. It must not call setgroups/setuid/setgid before that
// point, and it never does: the payload exec inherits whatever
// credentials the namespace entry and id-map burn already established.
func tpInitMain() {
	if err := ptyrelay.ChildSetup(tpPtySetupFd); err != nil {
		fmt.Fprintf(os.Stderr, "bst-tp-init: %v\n", err)
		os.Exit(1)
	}

	var b [1]byte
	if n, err := unix.Read(tpReadyFd, b[:]); err != nil || n != 1 {
		fmt.Fprintln(os.Stderr, "bst-tp-init: outer helper setup did not complete")
		os.Exit(1)
	}
	unix.Close(tpReadyFd)

	argv := os.Args[1:]
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "bst-tp-init: no payload to exec")
		os.Exit(1)
	}

	if err := unix.Exec(argv[0], argv, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "bst-tp-init: exec %q: %v\n", argv[0], err)
		os.Exit(1)
	}
}
