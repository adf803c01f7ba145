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
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nestybox/bst/fdpass"
)

// ChildSetup runs in the target process, immediately after it has entered
// its namespaces and before its payload is exec'd. It allocates a pty,
// sends the master fd back to the launcher over setupSock, then makes the
// slave its controlling terminal and wires it onto stdin/stdout/stderr.
func ChildSetup(setupSock int) error {
	master, slave, err := openPTY()
	if err != nil {
		return err
	}

	if err := fdpass.SendFD(setupSock, master); err != nil {
		unix.Close(master)
		unix.Close(slave)
		return fmt.Errorf("ptyrelay: sending pty master to launcher: %w", err)
	}
	unix.Close(master)

	if _, err := unix.Setsid(); err != nil {
		unix.Close(slave)
		return fmt.Errorf("ptyrelay: setsid failed: %w", err)
	}

	if err := unix.IoctlSetInt(slave, unix.TIOCSCTTY, 0); err != nil {
		unix.Close(slave)
		return fmt.Errorf("ptyrelay: TIOCSCTTY failed: %w", err)
	}

	for _, std := range []int{unix.Stdin, unix.Stdout, unix.Stderr} {
		if err := unix.Dup2(slave, std); err != nil {
			return fmt.Errorf("ptyrelay: dup2(slave, %d) failed: %w", std, err)
		}
	}
	if slave > unix.Stderr {
		unix.Close(slave)
	}

	return nil
}
