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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/containers/storage/pkg/reexec"
	"golang.org/x/sys/unix"

	"github.com/nestybox/bst/fdpass"
)

// Helper is the launcher's handle on a running outer helper process. It
// owns the launcher-side end of the control socket for the lifetime of
// the setup handshake; the caller must eventually call Wait.
type Helper struct {
	cmd       *exec.Cmd
	controlFd int
}

// Spawn reexecs the outer helper, hands it cfg over a config pipe, and
// returns a handle through which the launcher drives the rest of the
// setup protocol. The child's fd 3 is the config pipe's read end; fd 4
// is its end of the control socket.
func Spawn(cfg Config) (*Helper, error) {
	configR, configW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("outerhelper: creating config pipe: %w", err)
	}
	defer configR.Close()

	sv, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		configW.Close()
		return nil, fmt.Errorf("outerhelper: creating control socketpair: %w", err)
	}
	launcherEnd, childEnd := sv[0], sv[1]
	childSock := os.NewFile(uintptr(childEnd), "bst-outer-helper-control")

	cmd := reexec.Command(ReexecHelper)
	cmd.ExtraFiles = []*os.File{configR, childSock}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		configW.Close()
		unix.Close(launcherEnd)
		childSock.Close()
		return nil, fmt.Errorf("outerhelper: starting helper: %w", err)
	}
	childSock.Close()

	if err := json.NewEncoder(configW).Encode(cfg); err != nil {
		configW.Close()
		unix.Close(launcherEnd)
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("outerhelper: sending configuration: %w", err)
	}
	configW.Close()

	return &Helper{cmd: cmd, controlFd: launcherEnd}, nil
}

// SendPid tells the helper which process to operate on. It must be
// called exactly once, before any other control-socket exchange.
func (h *Helper) SendPid(pid int) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(pid))
	n, err := unix.Write(h.controlFd, buf)
	if err != nil {
		return fmt.Errorf("outerhelper: sending target pid: %w", err)
	}
	if n != 4 {
		return fmt.Errorf("outerhelper: short write sending target pid: %d bytes", n)
	}
	return nil
}

// SendCgroupFd hands the target's cgroup directory fd to the helper so it
// can pass it along to the detached cgroup watcher. Callers must only
// invoke this when the configuration sent to Spawn set CgroupEnabled.
func (h *Helper) SendCgroupFd(dirfd int) error {
	if err := fdpass.SendFD(h.controlFd, dirfd); err != nil {
		return fmt.Errorf("outerhelper: sending cgroup dirfd: %w", err)
	}
	return nil
}

// Sync blocks until the helper reports that every privileged setup step
// configured for this run has completed. An error here means the target
// process must not be allowed to proceed past its synchronization point.
func (h *Helper) Sync() error {
	buf := make([]byte, 4)
	n, err := unix.Read(h.controlFd, buf)
	if err != nil {
		return fmt.Errorf("outerhelper: waiting for setup to complete: %w", err)
	}
	if n != 4 {
		return fmt.Errorf("outerhelper: helper exited before completing setup")
	}
	if binary.LittleEndian.Uint32(buf) != okSentinel {
		return fmt.Errorf("outerhelper: unexpected sentinel from helper")
	}
	return nil
}

// Close releases the launcher's end of the control socket. It does not
// wait for the helper process; call Wait for that.
func (h *Helper) Close() error {
	return unix.Close(h.controlFd)
}

// Wait blocks until the helper process exits.
func (h *Helper) Wait() error {
	return h.cmd.Wait()
}
