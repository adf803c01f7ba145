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

// Package sigforward relays a signal observed by the PTY relay's signalfd
// onward to the target process, the "sig_forward" external collaborator
// the relay's event loop calls for every signal it doesn't handle locally.
package sigforward

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// To sends sig to the target process pid. SIGCHLD is ordinarily not
// forwarded by callers (the relay returns control to its caller instead),
// but To itself has no opinion on which signals are meaningful to forward.
func To(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("sigforward: kill(%d, %s) failed: %w", pid, sig, err)
	}
	return nil
}
