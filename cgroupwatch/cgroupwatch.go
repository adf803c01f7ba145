//
// Copyright 2023 Nestybox Inc.
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

// Package cgroupwatch reaps an ephemeral cgroup once its last process
// exits, by edge-triggered polling of its cgroup.events file. It replaces
// the polling design of the file-removal monitor this codebase used to
// carry: cgroup.events doesn't support seeking meaningfully, so the fd
// must be closed and reopened on every wake rather than read in place.
package cgroupwatch

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nestybox/bst/cgroupclean"
)

// maxEventsLine bounds a single cgroup.events line; a line of this many
// bytes or more is a protocol error, since the kernel never emits lines
// anywhere near this long.
const maxEventsLine = 256

// Watcher observes a single cgroup directory fd until it's empty, then
// cleans it up and exits.
type Watcher struct {
	dirfd   int
	rootPid int
}

// New returns a Watcher for the cgroup directory referenced by dirfd,
// which the caller must have received (and now exclusively owns) via
// fdpass.RecvFD. rootPid names the "bst.<rootPid>" cgroup within dirfd.
func New(dirfd int, rootPid int) *Watcher {
	return &Watcher{dirfd: dirfd, rootPid: rootPid}
}

// Run becomes its own session leader (so it's immune to the launcher's
// process-group signals), then blocks until the cgroup empties, cleans it
// up, and returns. It's meant to be the entire body of a detached,
// orphaned process; the caller should exit immediately after Run returns.
func (w *Watcher) Run() error {
	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("cgroupwatch: setsid failed: %w", err)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("cgroupwatch: epoll_create1 failed: %w", err)
	}
	defer unix.Close(epfd)

	// Initial check: the cgroup may already be empty by the time we get
	// scheduled, in which case there's no wake to wait for.
	populated, eventsFd, err := w.reopenAndScan()
	if err != nil {
		return err
	}

	for populated {
		if err := w.armEdge(epfd, eventsFd); err != nil {
			unix.Close(eventsFd)
			return err
		}

		if err := w.waitForWake(epfd); err != nil {
			unix.Close(eventsFd)
			return err
		}

		unix.Close(eventsFd)

		// cgroup.events must be reopened to observe the post-wake state:
		// it's a pseudo-file whose content doesn't refresh under a
		// held-open descriptor the way a regular file would.
		populated, eventsFd, err = w.reopenAndScan()
		if err != nil {
			return err
		}
	}

	unix.Close(eventsFd)
	return cgroupclean.Clean(w.dirfd, w.rootPid)
}

// reopenAndScan opens a fresh cgroup.events fd and scans it for the
// current populated state, per the "reopen on every wake" discipline.
func (w *Watcher) reopenAndScan() (populated bool, fd int, err error) {
	fd, err = w.openEvents()
	if err != nil {
		return false, -1, fmt.Errorf("cgroupwatch: opening cgroup.events: %w", err)
	}

	populated, err = w.scanPopulated(fd)
	if err != nil {
		unix.Close(fd)
		return false, -1, err
	}

	return populated, fd, nil
}

func (w *Watcher) armEdge(epfd, eventsFd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(eventsFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, eventsFd, &ev); err != nil {
		return fmt.Errorf("cgroupwatch: epoll_ctl(ADD) failed: %w", err)
	}
	return nil
}

// waitForWake blocks until cgroup.events reports an edge, retrying
// transparently across EINTR and spurious zero-event returns.
func (w *Watcher) waitForWake(epfd int) error {
	events := make([]unix.EpollEvent, 1)
	for {
		n, err := unix.EpollWait(epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("cgroupwatch: epoll_wait failed: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}

func (w *Watcher) openEvents() (int, error) {
	name := fmt.Sprintf("bst.%d/cgroup.events", w.rootPid)
	return unix.Openat(w.dirfd, name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

// scanPopulated reads every line of the cgroup.events fd, returning
// whether the cgroup is still populated. Ordering of lines within the file
// isn't guaranteed, so every line must be inspected; only a "populated 0"
// line ever clears it, and a later "frozen 1" on the same read doesn't
// resurrect it.
func (w *Watcher) scanPopulated(fd int) (bool, error) {
	buf := make([]byte, maxEventsLine*4)
	n, err := unix.Pread(fd, buf, 0)
	if err != nil {
		return false, fmt.Errorf("cgroupwatch: reading cgroup.events: %w", err)
	}

	populated := true
	for _, line := range strings.Split(string(buf[:n]), "\n") {
		if len(line) >= maxEventsLine {
			return false, fmt.Errorf("cgroupwatch: cgroup.events line exceeds %d bytes", maxEventsLine)
		}
		switch line {
		case "populated 0":
			populated = false
		case "populated 1":
			populated = true
		}
	}

	return populated, nil
}
