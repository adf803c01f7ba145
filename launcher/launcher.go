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

// Package launcher wires the capability gate, fd passing, id-map engine,
// outer helper, cgroup watcher, ns persistence, and pty relay into the
// end-to-end control flow: fork the outer helper, create the target
// process under the requested namespaces, hand its pid to the helper,
// wait for the privileged setup barrier, then relay its terminal until
// it exits.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/containers/storage/pkg/reexec"
	"golang.org/x/sys/unix"

	"github.com/nestybox/bst/outerhelper"
	"github.com/nestybox/bst/ptyrelay"
)

// reexecTPInit is the os.Args[0] value under which the target process
// bootstraps its own pty before exec'ing the caller's payload.
const reexecTPInit = "bst-tp-init"

func init() {
	reexec.Register(reexecTPInit, tpInitMain)
}

// Options describes one sandboxed invocation.
type Options struct {
	// Argv is the payload and its arguments, exec'd inside the target
	// process once the privileged setup barrier clears.
	Argv []string

	// CloneFlags are the CLONE_NEW* namespace bits the target process
	// unshares at creation time.
	CloneFlags uintptr

	// CgroupParentDir, if non-empty, is a cgroup v2 directory under which
	// a "bst.<pid>" cgroup is created for the target process and watched
	// for emptying after it exits.
	CgroupParentDir string

	Helper outerhelper.Config

	Log *logrus.Logger
}

// Run drives one sandboxed invocation to completion and returns the
// target process's exit status.
func Run(opts Options) (int, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	ptySock, err := newSocketpair()
	if err != nil {
		return -1, errors.Wrap(err, "creating pty setup socketpair")
	}
	defer unix.Close(ptySock.launcherEnd)

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return -1, errors.Wrap(err, "creating ready pipe")
	}
	defer readyW.Close()

	helper, err := outerhelper.Spawn(opts.Helper)
	if err != nil {
		return -1, errors.Wrap(err, "spawning outer helper")
	}
	defer helper.Close()

	tpCmd := reexec.Command(append([]string{reexecTPInit}, opts.Argv...)...)
	tpCmd.ExtraFiles = []*os.File{
		os.NewFile(uintptr(ptySock.childEnd), "bst-pty-setup"),
		readyR,
	}
	tpCmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: opts.CloneFlags,
	}
	// Stdin/stdout/stderr are left unset: the target's pty child setup
	// replaces them with its own slave before anything reads or writes.

	if err := tpCmd.Start(); err != nil {
		return -1, errors.Wrap(err, "starting target process")
	}
	unix.Close(ptySock.childEnd)
	readyR.Close()

	pid := tpCmd.Process.Pid
	log.WithField("pid", pid).Debug("launcher: target process created")

	var cgroupDirfd = -1
	if opts.CgroupParentDir != "" {
		cgroupDirfd, err = joinCgroup(opts.CgroupParentDir, pid)
		if err != nil {
			killAndWait(tpCmd)
			return -1, errors.Wrap(err, "joining cgroup")
		}
		defer unix.Close(cgroupDirfd)
	}

	if err := helper.SendPid(pid); err != nil {
		killAndWait(tpCmd)
		return -1, errors.Wrap(err, "sending target pid to outer helper")
	}

	if cgroupDirfd >= 0 {
		if err := helper.SendCgroupFd(cgroupDirfd); err != nil {
			killAndWait(tpCmd)
			return -1, errors.Wrap(err, "sending cgroup fd to outer helper")
		}
	}

	if err := helper.Sync(); err != nil {
		killAndWait(tpCmd)
		return -1, errors.Wrap(err, "waiting for outer helper setup")
	}

	if _, err := readyW.Write([]byte{0}); err != nil {
		killAndWait(tpCmd)
		return -1, errors.Wrap(err, "releasing target process")
	}
	readyW.Close()

	parent, err := ptyrelay.Setup(pid)
	if err != nil {
		killAndWait(tpCmd)
		return -1, errors.Wrap(err, "setting up pty relay")
	}
	defer parent.Cleanup()

	if err := parent.ReceiveMaster(ptySock.launcherEnd); err != nil {
		killAndWait(tpCmd)
		return -1, errors.Wrap(err, "receiving pty master")
	}

	if _, err := parent.Run(); err != nil {
		log.WithError(err).Warn("launcher: pty relay error")
	}

	if err := helper.Wait(); err != nil {
		log.WithError(err).Debug("launcher: outer helper exited with error")
	}

	if err := tpCmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, errors.Wrap(err, "reaping target process")
	}
	return 0, nil
}

func killAndWait(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

type socketpair struct {
	launcherEnd int
	childEnd    int
}

func newSocketpair() (*socketpair, error) {
	sv, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &socketpair{launcherEnd: sv[0], childEnd: sv[1]}, nil
}

// joinCgroup creates "bst.<pid>" under parentDir, moves pid into it, and
// returns a dirfd on parentDir for the caller to hand to the outer
// helper, which passes it on to the detached cgroup watcher.
// The directory can only be named after pid once pid is known, so the
// move happens just after the target process starts rather than
// atomically at clone time.
func joinCgroup(parentDir string, pid int) (int, error) {
	name := fmt.Sprintf("bst.%d", pid)
	path := parentDir + "/" + name
	if err := os.Mkdir(path, 0o755); err != nil && !os.IsExist(err) {
		return -1, err
	}

	procsPath := path + "/cgroup.procs"
	f, err := os.OpenFile(procsPath, os.O_WRONLY, 0)
	if err != nil {
		return -1, err
	}
	_, err = f.WriteString(fmt.Sprintf("%d\n", pid))
	f.Close()
	if err != nil {
		return -1, err
	}

	dirfd, err := unix.Open(parentDir, unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return dirfd, nil
}
