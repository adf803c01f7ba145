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

// Package cgroupclean removes the ephemeral cgroup the cgroup watcher was
// told to observe, once it's empty. It's the "cgroup_clean(dirfd, root_pid)"
// external collaborator the cgroup watcher calls on seeing "populated 0".
package cgroupclean

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Clean removes the "bst.<rootPid>" cgroup directory reachable from dirfd,
// along with any child cgroups it contains. Directories are removed
// depth-first since the kernel refuses to rmdir a cgroup with children.
func Clean(dirfd int, rootPid int) error {
	name := fmt.Sprintf("bst.%d", rootPid)

	path, err := fdPath(dirfd, name)
	if err != nil {
		return fmt.Errorf("cgroupclean: resolving %s: %w", name, err)
	}

	if err := removeTree(path); err != nil {
		return fmt.Errorf("cgroupclean: removing %s: %w", path, err)
	}

	return nil
}

// fdPath resolves name relative to the directory referenced by dirfd via
// /proc/self/fd, since the cgroupfs VFS offers no dirfd-relative rmdir.
func fdPath(dirfd int, name string) (string, error) {
	link := fmt.Sprintf("/proc/self/fd/%d", dirfd)
	dir, err := os.Readlink(link)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func removeTree(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := removeTree(filepath.Join(path, e.Name())); err != nil {
			return err
		}
	}

	if err := unix.Rmdir(path); err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}
