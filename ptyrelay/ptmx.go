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

// Package ptyrelay brokers the target process's controlling terminal: the
// TP child allocates a pty master and passes it back to the launcher over
// the setup socket, and the launcher relays stdio to/from it in raw mode,
// forwarding signals and window-size changes.
package ptyrelay

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// openPTY allocates a pseudoterminal via /dev/pts/ptmx, clears its kernel lock,
// and fetches the slave side, returning (master, slave). It falls back to
// TIOCGPTN when the running kernel is too old to understand TIOCGPTPEER.
func openPTY() (master int, slave int, err error) {
	master, err = unix.Open("/dev/pts/ptmx", unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return -1, -1, fmt.Errorf("ptyrelay: opening /dev/pts/ptmx: %w", err)
	}

	locked := 0
	if res, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(master), unix.TIOCSPTLCK, uintptr(unsafe.Pointer(&locked))); int(res) == -1 {
		unix.Close(master)
		return -1, -1, fmt.Errorf("ptyrelay: TIOCSPTLCK failed: %w", errno)
	}

	peer, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(master), unix.TIOCGPTPEER, uintptr(unix.O_RDWR|unix.O_NOCTTY))
	if int(peer) == -1 {
		if errno != syscall.EINVAL && errno != syscall.ENOTTY {
			unix.Close(master)
			return -1, -1, fmt.Errorf("ptyrelay: TIOCGPTPEER failed: %w", errno)
		}

		n, err := unix.IoctlGetInt(master, unix.TIOCGPTN)
		if err != nil {
			unix.Close(master)
			return -1, -1, fmt.Errorf("ptyrelay: TIOCGPTN failed: %w", err)
		}
		name := fmt.Sprintf("/dev/pts/%d", n)
		fd, err := unix.Open(name, unix.O_RDWR|unix.O_NOCTTY, 0)
		if err != nil {
			unix.Close(master)
			return -1, -1, fmt.Errorf("ptyrelay: opening %s: %w", name, err)
		}
		return master, fd, nil
	}

	return master, int(peer), nil
}

func getWinsize(fd int) (*unix.Winsize, error) {
	return unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
}

func setWinsize(fd int, ws *unix.Winsize) error {
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, ws)
}
