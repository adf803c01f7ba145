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
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/nestybox/bst/fdpass"
	"github.com/nestybox/bst/sigforward"
)

const spliceChunk = 1 << 16

// Parent is the launcher-side half of the relay: a process-wide singleton
// constructed by Setup and torn down by Cleanup, which restores the
// caller's termios exactly once. Re-entrant construction is not supported;
// Setup must be called at most once per process.
type Parent struct {
	tpPid int

	termFd int
	sigFd  int

	inPipe  [2]int
	outPipe [2]int

	stdin, stdout int

	origTermios *unix.Termios
	stdinIsTTY  bool

	stdinOpen, inpipeOpen, termOpen, outpipeOpen bool
}

// Setup snapshots stdin's termios (if it is a tty) and switches it to raw
// mode, preserving the original output-processing flags (c_oflag) so
// relayed output keeps whatever post-processing (e.g. ONLCR) the terminal
// already had configured. It also blocks all signals and opens a signalfd
// over the result, and allocates the two decoupling pipes used by the
// splice event loop.
func Setup(tpPid int) (*Parent, error) {
	p := &Parent{
		tpPid:       tpPid,
		termFd:      -1,
		stdin:       unix.Stdin,
		stdout:      unix.Stdout,
		stdinOpen:   true,
		termOpen:    false,
		outpipeOpen: true,
	}

	if term.IsTerminal(p.stdin) {
		orig, err := unix.IoctlGetTermios(p.stdin, unix.TCGETS)
		if err != nil {
			return nil, fmt.Errorf("ptyrelay: reading stdin termios: %w", err)
		}
		p.origTermios = orig
		p.stdinIsTTY = true

		raw := *orig
		raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
		raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
		raw.Cflag &^= unix.CSIZE | unix.PARENB
		raw.Cflag |= unix.CS8
		raw.Cc[unix.VMIN] = 1
		raw.Cc[unix.VTIME] = 0
		// Deliberately leave raw.Oflag untouched: clearing OPOST here
		// would disturb output post-processing the terminal already had
		// configured (e.g. ONLCR).
		if err := unix.IoctlSetTermios(p.stdin, unix.TCSETS, &raw); err != nil {
			return nil, fmt.Errorf("ptyrelay: setting stdin raw mode: %w", err)
		}
	}

	sigFd, err := newSignalFd()
	if err != nil {
		if p.stdinIsTTY {
			unix.IoctlSetTermios(p.stdin, unix.TCSETS, p.origTermios)
		}
		return nil, err
	}
	p.sigFd = sigFd

	if err := unix.Pipe2(p.inPipe[:], unix.O_CLOEXEC); err != nil {
		unix.Close(sigFd)
		return nil, fmt.Errorf("ptyrelay: creating inpipe: %w", err)
	}
	if err := unix.Pipe2(p.outPipe[:], unix.O_CLOEXEC); err != nil {
		unix.Close(sigFd)
		unix.Close(p.inPipe[0])
		unix.Close(p.inPipe[1])
		return nil, fmt.Errorf("ptyrelay: creating outpipe: %w", err)
	}
	p.inpipeOpen = true

	return p, nil
}

// newSignalFd blocks every signal on the calling thread and returns a
// signalfd reading the full set, so signal delivery composes with poll
// instead of racing an async handler.
func newSignalFd() (int, error) {
	var full unix.Sigset_t
	for i := range full.Val {
		full.Val[i] = ^uint64(0)
	}

	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &full, nil); err != nil {
		return -1, fmt.Errorf("ptyrelay: blocking signals: %w", err)
	}

	fd, err := unix.Signalfd(-1, &full, unix.SFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("ptyrelay: signalfd failed: %w", err)
	}
	return fd, nil
}

// ReceiveMaster receives the pty master fd sent by the TP over sock (the
// pty-dedicated socketpair the launcher shares with the TP, distinct from
// the outer helper's control socket) and
// clears OPOST on it, so bytes relayed from the TP's output are not given
// an extra round of newline translation by the pty line discipline itself.
func (p *Parent) ReceiveMaster(sock int) error {
	fd, err := fdpass.RecvFD(sock)
	if err != nil {
		return fmt.Errorf("ptyrelay: receiving pty master: %w", err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("ptyrelay: reading master termios: %w", err)
	}
	termios.Oflag &^= unix.OPOST
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		unix.Close(fd)
		return fmt.Errorf("ptyrelay: clearing OPOST on master: %w", err)
	}

	p.termFd = fd
	p.termOpen = true
	p.syncWinsize()

	return nil
}

func (p *Parent) syncWinsize() {
	if !p.stdinIsTTY {
		return
	}
	if ws, err := getWinsize(p.stdin); err == nil {
		setWinsize(p.termFd, ws)
	}
}

// Run polls the read side of the relay (the signalfd, stdin, the inpipe,
// the pty master and the outpipe) until a SIGCHLD is observed on the
// signalfd, at which point it returns true so the caller can reap the TP
// and tear the relay down. Write readiness of the destinations is not
// polled: each splice is issued with SPLICE_F_NONBLOCK, and an EAGAIN
// leaves the data in its source for a later pass. Each edge's
// EOF clears its ready bits and closes the originating pipe end so later
// polls don't spin on a dead descriptor.
func (p *Parent) Run() (sigchld bool, err error) {
	for {
		fds := p.buildPollset()
		if len(fds) == 0 {
			return false, nil
		}

		n, perr := unix.Poll(fds, -1)
		if perr != nil {
			if perr == unix.EINTR {
				continue
			}
			return false, fmt.Errorf("ptyrelay: poll failed: %w", perr)
		}
		if n == 0 {
			continue
		}

		idx := indexPollset(fds)

		// POLLHUP/POLLERR count as readable: the splice that follows is
		// what turns them into an observed EOF on the edge.
		ready := func(i int) bool {
			return fds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0
		}

		if fd, ok := idx[p.sigFd]; ok && fds[fd].Revents&unix.POLLIN != 0 {
			done, err := p.handleSignal()
			if err != nil {
				return false, err
			}
			if done {
				return true, nil
			}
		}

		if p.stdinOpen && p.inpipeOpen {
			if fd, ok := idx[p.stdin]; ok && ready(fd) {
				eof := false
				p.spliceEdge(p.stdin, p.inPipe[1], &eof)
				if eof {
					// stdin EOF: queue an EOT so the pty line discipline
					// sees end-of-input, then close the write end so the
					// inpipe edge itself drains to EOF once relayed.
					unix.Write(p.inPipe[1], []byte{0x04})
					closeFd(&p.inPipe[1])
					p.stdinOpen = false
				}
			}
		}
		if p.inpipeOpen && p.termOpen {
			if fd, ok := idx[p.inPipe[0]]; ok && ready(fd) {
				eof := false
				p.spliceEdge(p.inPipe[0], p.termFd, &eof)
				if eof {
					closeFd(&p.inPipe[0])
					p.inpipeOpen = false
				}
			}
		}
		if p.termOpen && p.outpipeOpen {
			if fd, ok := idx[p.termFd]; ok && ready(fd) {
				p.spliceTermRead()
			}
		}
		if p.outpipeOpen {
			if fd, ok := idx[p.outPipe[0]]; ok && ready(fd) {
				eof := false
				p.spliceEdge(p.outPipe[0], p.stdout, &eof)
				if eof {
					closeFd(&p.outPipe[0])
					p.outpipeOpen = false
				}
			}
		}
	}
}

// buildPollset assembles the current poll(2) fd set from whichever edges
// are still open; an edge that hit EOF is omitted so the loop stops
// waking for it.
func (p *Parent) buildPollset() []unix.PollFd {
	var fds []unix.PollFd
	fds = append(fds, unix.PollFd{Fd: int32(p.sigFd), Events: unix.POLLIN})
	if p.stdinOpen {
		fds = append(fds, unix.PollFd{Fd: int32(p.stdin), Events: unix.POLLIN})
	}
	if p.inpipeOpen {
		fds = append(fds, unix.PollFd{Fd: int32(p.inPipe[0]), Events: unix.POLLIN})
	}
	if p.termOpen {
		fds = append(fds, unix.PollFd{Fd: int32(p.termFd), Events: unix.POLLIN})
	}
	if p.outpipeOpen {
		fds = append(fds, unix.PollFd{Fd: int32(p.outPipe[0]), Events: unix.POLLIN})
	}
	return fds
}

// closeFd closes *fd if it is still open and marks it closed, so edge
// teardown and Cleanup never double-close a descriptor.
func closeFd(fd *int) {
	if *fd >= 0 {
		unix.Close(*fd)
		*fd = -1
	}
}

func indexPollset(fds []unix.PollFd) map[int]int {
	m := make(map[int]int, len(fds))
	for i, f := range fds {
		m[int(f.Fd)] = i
	}
	return m
}

// spliceEdge moves up to spliceChunk bytes from src to dst. On EOF (a
// zero-length splice) *eofOut is set and the caller decides what the edge
// transitioning to closed means for it.
func (p *Parent) spliceEdge(src, dst int, eofOut *bool) {
	n, err := unix.Splice(src, nil, dst, nil, spliceChunk, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		*eofOut = true
		return
	}
	if n == 0 {
		*eofOut = true
	}
}

// spliceTermRead is spliceEdge specialized for reading the pty master: EIO
// is the ordinary signal that the slave side has closed and is tolerated
// silently rather than surfaced as an error.
func (p *Parent) spliceTermRead() {
	_, err := unix.Splice(p.termFd, nil, p.outPipe[1], nil, spliceChunk, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		if err == unix.EIO {
			p.termOpen = false
			return
		}
		p.termOpen = false
	}
}

// handleSignal drains one signalfd_siginfo and either handles it locally
// (SIGWINCH) or forwards it to the TP. It returns true when the observed
// signal is SIGCHLD, telling Run to return control to its caller for
// reaping; the sending pid is not checked against the TP's.
func (p *Parent) handleSignal() (bool, error) {
	var info unix.SignalfdSiginfo
	size := int(unsafe.Sizeof(info))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&info)), size)
	n, err := unix.Read(p.sigFd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("ptyrelay: reading signalfd: %w", err)
	}
	if n != size {
		return false, fmt.Errorf("ptyrelay: short signalfd read: %d bytes", n)
	}

	sig := syscall.Signal(info.Signo)

	// SIGWINCH is only meaningful to handle locally when stdin is a tty
	// whose size can be mirrored; otherwise it's forwarded like any other
	// signal.
	if sig == unix.SIGWINCH && p.stdinIsTTY {
		p.syncWinsize()
		return false, nil
	}
	if sig == unix.SIGCHLD {
		return true, nil
	}

	if err := sigforward.To(p.tpPid, sig); err != nil {
		return false, err
	}
	return false, nil
}

// Cleanup restores stdin's original termios (if it was a tty) and closes
// every fd the relay owns. It must run exactly once, on the exit path
// following Setup, regardless of how Run returned.
func (p *Parent) Cleanup() {
	if p.stdinIsTTY && p.origTermios != nil {
		unix.IoctlSetTermios(p.stdin, unix.TCSETS, p.origTermios)
	}
	closeFd(&p.termFd)
	closeFd(&p.sigFd)
	closeFd(&p.inPipe[0])
	closeFd(&p.inPipe[1])
	closeFd(&p.outPipe[0])
	closeFd(&p.outPipe[1])
}
