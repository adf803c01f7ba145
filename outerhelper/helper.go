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
	"runtime"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/containers/storage/pkg/reexec"
	"golang.org/x/sys/unix"

	"github.com/nestybox/bst/capability"
	"github.com/nestybox/bst/cgroupwatch"
	"github.com/nestybox/bst/fdpass"
	"github.com/nestybox/bst/idmap"
	"github.com/nestybox/bst/netiface"
	"github.com/nestybox/bst/nspersist"
)

func init() {
	reexec.Register(ReexecHelper, helperMain)
	reexec.Register(ReexecCgroupWatch, cgroupWatchMain)
}

// configFd and controlFd are the fixed ExtraFiles slots Spawn wires up:
// fd 3 carries the JSON Config, fd 4 the control socket.
const (
	configFd  = 3
	controlFd = 4
)

// pathMax bounds the length of a persisted namespace path, matching the
// kernel's own PATH_MAX; a longer path is a configuration error rather
// than a syscall failure worth attempting.
const pathMax = 4096

// helperMain is the reexec entrypoint for the outer helper. It never
// returns: every exit path is os.Exit, since by the time it runs there is
// no longer a Go caller to propagate an error to, only the process exit
// code and a stderr diagnostic.
func helperMain() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var empty unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &empty, nil); err != nil {
		fatal("clearing signal mask", err)
	}
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		fatal("setting PDEATHSIG", err)
	}

	cfg, err := readConfig()
	if err != nil {
		fatal("reading configuration", err)
	}

	pid, err := readPid()
	if err != nil {
		// The launcher died before writing the pid; it has presumably
		// already reported the failure itself. Exit silently.
		os.Exit(1)
	}
	logrus.WithField("pid", pid).Debug("outer helper: got target pid")

	if cfg.CgroupEnabled {
		dirfd, err := fdpass.RecvFD(controlFd)
		if err != nil {
			fatal("receiving cgroup directory fd", err)
		}
		if err := spawnCgroupWatcher(dirfd, pid); err != nil {
			fatal("spawning cgroup watcher", err)
		}
	}

	if cfg.UnshareUser {
		if err := setupIDMaps(cfg, pid); err != nil {
			fatal("setting up id maps", err)
		}
	}

	if len(cfg.Persist) > 0 {
		if err := setupNsPersist(cfg, pid); err != nil {
			fatal("persisting namespaces", err)
		}
	}

	if cfg.UnshareNet {
		if err := setupNics(cfg, pid); err != nil {
			fatal("creating nics", err)
		}
	}

	if err := writeOK(); err != nil {
		fatal("signaling setup complete", err)
	}

	os.Exit(0)
}

func fatal(op string, err error) {
	fmt.Fprintf(os.Stderr, "bst-outer-helper: %s: %v\n", op, err)
	os.Exit(1)
}

func readConfig() (Config, error) {
	f := os.NewFile(configFd, "bst-outer-helper-config")
	if f == nil {
		return Config{}, fmt.Errorf("config fd %d not open", configFd)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readPid() (int, error) {
	return readPidFd(controlFd)
}

func readPidFd(fd int) (int, error) {
	buf := make([]byte, 4)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, err
	}
	if n != 4 {
		return 0, fmt.Errorf("short read: %d bytes", n)
	}
	return int(binary.LittleEndian.Uint32(buf)), nil
}

func writeOK() error {
	return writeOKFd(controlFd)
}

func writeOKFd(fd int) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, okSentinel)
	n, err := unix.Write(fd, buf)
	if err != nil {
		return err
	}
	if n != 4 {
		return fmt.Errorf("short write: %d bytes", n)
	}
	return nil
}

const okSentinel = 0x4f4b0000 // "OK" padded; the exact bit pattern is arbitrary, only its presence matters

func setupIDMaps(cfg Config, pid int) error {
	if err := capability.MakeCapable(capability.MaskIDMap); err != nil {
		return err
	}
	defer capability.ResetCapabilities()

	curUID, err := idmap.ParseFile("/proc/self/uid_map")
	if err != nil {
		return errors.Wrap(err, "reading /proc/self/uid_map")
	}
	curGID, err := idmap.ParseFile("/proc/self/gid_map")
	if err != nil {
		return errors.Wrap(err, "reading /proc/self/gid_map")
	}

	subuid, err := idmap.ParseSubidFile("/etc/subuid", cfg.OwnerUID)
	if err != nil {
		return errors.Wrap(err, "reading /etc/subuid")
	}
	subgid, err := idmap.ParseSubidFile("/etc/subgid", cfg.OwnerGID)
	if err != nil {
		return errors.Wrap(err, "reading /etc/subgid")
	}

	uidBuf, err := idmap.Resolve(idmap.KindUID, cfg.UIDDesired, subuid, curUID, cfg.OwnerUID)
	if err != nil {
		return err
	}
	gidBuf, err := idmap.Resolve(idmap.KindGID, cfg.GIDDesired, subgid, curGID, cfg.OwnerGID)
	if err != nil {
		return err
	}

	if err := burn(fmt.Sprintf("/proc/%d/uid_map", pid), uidBuf); err != nil {
		return errors.Wrapf(err, "burning uid_map for pid %d", pid)
	}
	if err := burn(fmt.Sprintf("/proc/%d/gid_map", pid), gidBuf); err != nil {
		return errors.Wrapf(err, "burning gid_map for pid %d", pid)
	}

	return nil
}

// burn opens path and issues exactly one write of buf before closing it.
// The kernel rejects a second write to uid_map/gid_map, so buffering the
// whole map and writing it in a single syscall is load-bearing, not an
// optimization.
func burn(path string, buf []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := f.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(buf))
	}
	return nil
}

func setupNsPersist(cfg Config, pid int) error {
	for _, target := range cfg.Persist {
		if len(target) >= pathMax {
			return fmt.Errorf("persist target %q exceeds PATH_MAX", target)
		}
	}

	if err := capability.MakeCapable(capability.MaskNsPers); err != nil {
		return err
	}
	defer capability.ResetCapabilities()

	return nspersist.Persist(pid, cfg.Persist)
}

func setupNics(cfg Config, pid int) error {
	if len(cfg.Nics) == 0 {
		return nil
	}

	if err := capability.MakeCapable(capability.MaskNet); err != nil {
		return err
	}
	defer capability.ResetCapabilities()

	return netiface.Create(pid, cfg.Nics)
}

// spawnCgroupWatcher hands dirfd to a freshly reexec'd, detached cgroup
// watcher process over a dedicated socketpair, then returns
// without waiting for it: the watcher is deliberately orphaned so it can
// keep observing the cgroup after both the helper and the launcher exit.
func spawnCgroupWatcher(dirfd int, rootPid int) error {
	sv, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("creating watcher socketpair: %w", err)
	}
	helperEnd, watcherEnd := sv[0], sv[1]

	cmd := reexec.Command(ReexecCgroupWatch, strconv.Itoa(rootPid))
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(watcherEnd), "bst-cgroup-watch-sock")}
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr

	if err := cmd.Start(); err != nil {
		unix.Close(helperEnd)
		unix.Close(watcherEnd)
		return fmt.Errorf("starting cgroup watcher: %w", err)
	}
	unix.Close(watcherEnd)

	if err := fdpass.SendFD(helperEnd, dirfd); err != nil {
		unix.Close(helperEnd)
		return fmt.Errorf("sending cgroup dirfd to watcher: %w", err)
	}
	unix.Close(helperEnd)

	// Deliberately not cmd.Wait()'d: the watcher outlives this process.

	return nil
}

// cgroupWatchMain is the reexec entrypoint for the cgroup watcher.
func cgroupWatchMain() {
	rootPid, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bst-cgroup-watch: invalid root pid argument %q: %v\n", os.Args[1], err)
		os.Exit(1)
	}

	const watchSockFd = 3
	dirfd, err := fdpass.RecvFD(watchSockFd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bst-cgroup-watch: receiving cgroup dirfd: %v\n", err)
		os.Exit(1)
	}
	unix.Close(watchSockFd)

	if err := cgroupwatch.New(dirfd, rootPid).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "bst-cgroup-watch: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
