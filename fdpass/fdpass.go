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

// Package fdpass sends and receives a single open file descriptor across a
// SOCK_STREAM unix socket using SCM_RIGHTS ancillary data. It's the only
// mechanism by which a privileged fd (a cgroup directory, a pty master)
// crosses a fork() boundary in this codebase.
package fdpass

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// dummy is the one byte of ordinary payload that always accompanies the
// ancillary data; SCM_RIGHTS cannot be sent on its own, and both ends treat
// the byte itself as opaque.
const dummy = 0

// SendFD transmits fd to the peer connected to sock, along with one byte of
// dummy payload. The caller retains ownership of fd; closing it locally
// after a successful send is the caller's choice (the launcher keeps its
// cgroup dir fd open until Run returns, for example).
func SendFD(sock int, fd int) error {
	rights := unix.UnixRights(fd)

	if err := unix.Sendmsg(sock, []byte{dummy}, rights, nil, 0); err != nil {
		return fmt.Errorf("fdpass: sendmsg failed: %w", err)
	}

	return nil
}

// RecvFD reads one byte plus a single SCM_RIGHTS control message off sock
// and returns the received file descriptor. Any of: a short read, a missing
// or malformed control message, or more than one descriptor is treated as
// fatal, per the transport's one-fd-per-message discipline.
func RecvFD(sock int) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(sock, buf, oob, 0)
	if err != nil {
		return -1, fmt.Errorf("fdpass: recvmsg failed: %w", err)
	}
	if n == 0 {
		return -1, fmt.Errorf("fdpass: recvmsg: peer closed (EOF)")
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("fdpass: failed to parse control message: %w", err)
	}
	if len(msgs) != 1 {
		return -1, fmt.Errorf("fdpass: expected exactly one control message, got %d", len(msgs))
	}

	hdr := msgs[0].Header
	if hdr.Level != unix.SOL_SOCKET || hdr.Type != unix.SCM_RIGHTS {
		return -1, fmt.Errorf("fdpass: unexpected control message level=%d type=%d", hdr.Level, hdr.Type)
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, fmt.Errorf("fdpass: failed to parse SCM_RIGHTS: %w", err)
	}
	if len(fds) != 1 {
		return -1, fmt.Errorf("fdpass: expected exactly one fd, got %d", len(fds))
	}

	return fds[0], nil
}
