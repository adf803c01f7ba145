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

// Package nspersist bind-mounts a target process's /proc/<pid>/ns/<name>
// files onto caller-chosen paths, so a namespace outlives the process that
// created it and tools like nsenter can re-enter it later.
package nspersist

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nestybox/bst/mount"
	"github.com/nestybox/bst/pathres"
)

// Namespace is the fixed short name the kernel uses under /proc/<pid>/ns/.
// The set and spelling are part of the on-disk contract: tools re-entering
// a persisted path rely on it matching what nsenter expects.
type Namespace string

const (
	User   Namespace = "user"
	Mount  Namespace = "mnt"
	Net    Namespace = "net"
	Pid    Namespace = "pid"
	Uts    Namespace = "uts"
	Ipc    Namespace = "ipc"
	Cgroup Namespace = "cgroup"
	Time   Namespace = "time"
)

// All lists every namespace type persist can be asked to bind-mount, in the
// fixed order the outer helper processes them.
var All = []Namespace{User, Mount, Net, Pid, Uts, Ipc, Cgroup, Time}

// Targets maps each namespace type to the caller-chosen path it should be
// persisted at; a namespace absent from the map is left untouched.
type Targets map[Namespace]string

// Persist bind-mounts /proc/<pid>/ns/<ns> onto target for every entry in
// targets. A namespace type the running kernel doesn't support (ENOENT on
// the source) is tolerated and simply skipped. Any other failure is fatal
// and leaves no empty placeholder file behind for the namespace that
// failed.
func Persist(pid int, targets Targets) error {
	for _, ns := range All {
		target, ok := targets[ns]
		if !ok {
			continue
		}
		if err := persistOne(pid, ns, target); err != nil {
			return err
		}
	}
	return nil
}

func persistOne(pid int, ns Namespace, target string) error {
	source := fmt.Sprintf("/proc/%d/ns/%s", pid, ns)

	if err := pathres.PathAccess(os.Getpid(), filepath.Dir(target), pathres.W_OK); err != nil {
		return errors.Wrapf(err, "persisting %s namespace at %s: destination directory not writable", ns, target)
	}

	// A target that's already a mountpoint holds someone's persisted
	// namespace (nsfs never shares the parent's device ID); stacking a
	// second bind mount on it would strand the first.
	if mounted, err := mount.IsMountPoint(target); err == nil && mounted {
		return fmt.Errorf("persisting %s namespace at %s: target already has a mount on it", ns, target)
	}

	if err := unix.Mknod(target, unix.S_IFREG|0o644, 0); err != nil && err != unix.EEXIST {
		return errors.Wrapf(err, "creating ns persist target %s", target)
	}

	err := unix.Mount(source, target, "", unix.MS_BIND, "")
	if err == nil {
		return nil
	}

	if err == unix.ENOENT {
		// This kernel doesn't implement the ns type; remove the empty
		// placeholder we just created and move on.
		os.Remove(target)
		return nil
	}

	os.Remove(target)

	if err == unix.EINVAL {
		prop, propErr := mount.Propagation(target)
		if propErr == nil && prop != "private" {
			return fmt.Errorf("persisting %s namespace at %s: destination not on a private mount (propagation=%s)", ns, target, prop)
		}
		return fmt.Errorf("persisting %s namespace at %s: destination not on a private mount", ns, target)
	}

	return errors.Wrapf(err, "bind-mounting %s onto %s", source, target)
}
