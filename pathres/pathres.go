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

// Package pathres checks whether a process can access a path, emulating
// the kernel's path_resolution(7) walk: every intermediate component needs
// search permission, the final component needs the requested mode, and
// symlinks are followed up to the kernel's nesting limit. It is used to
// turn an otherwise opaque bind-mount or mknod failure on a namespace
// persist target into a configuration error naming the inaccessible path.
package pathres

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// symlinkMax matches the kernel's limit on nested symlink resolution.
const symlinkMax = 40

// AccessMode is the access being checked, in the access(2) bit layout.
type AccessMode uint32

const (
	R_OK AccessMode = 0x4
	W_OK AccessMode = 0x2
	X_OK AccessMode = 0x1
)

// cred is the subset of a process's credentials that the kernel consults
// during permission checks, plus its root and cwd as procfs paths so the
// walk sees the same filesystem view the process does.
type cred struct {
	root   string
	cwd    string
	euid   int
	egid   int
	groups []int
	capEff uint64
}

// PathAccess reports whether the process with the given pid can access
// path with the given mode. Relative paths are resolved against the
// process's cwd, absolute ones against its root. The error is nil on
// success, or the errno the kernel itself would produce: ENOENT for a
// missing component, ENOTDIR for a non-directory intermediate, EACCES for
// a permission failure, ELOOP for runaway symlinks.
func PathAccess(pid int, path string, mode AccessMode) error {
	c, err := loadCred(pid)
	if err != nil {
		return err
	}
	return c.walk(path, mode)
}

func loadCred(pid int) (*cred, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c := &cred{
		root: fmt.Sprintf("/proc/%d/root", pid),
		cwd:  fmt.Sprintf("/proc/%d/cwd", pid),
	}

	s := bufio.NewScanner(f)
	for s.Scan() {
		key, val, ok := strings.Cut(s.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(val)

		switch key {
		case "Uid":
			// real, effective, saved, fs
			if len(fields) != 4 {
				return nil, fmt.Errorf("pathres: malformed Uid line in /proc/%d/status", pid)
			}
			if c.euid, err = strconv.Atoi(fields[1]); err != nil {
				return nil, err
			}
		case "Gid":
			if len(fields) != 4 {
				return nil, fmt.Errorf("pathres: malformed Gid line in /proc/%d/status", pid)
			}
			if c.egid, err = strconv.Atoi(fields[1]); err != nil {
				return nil, err
			}
		case "Groups":
			for _, g := range fields {
				n, err := strconv.Atoi(g)
				if err != nil {
					return nil, err
				}
				c.groups = append(c.groups, n)
			}
		case "CapEff":
			if len(fields) != 1 {
				return nil, fmt.Errorf("pathres: malformed CapEff line in /proc/%d/status", pid)
			}
			if c.capEff, err = strconv.ParseUint(fields[0], 16, 64); err != nil {
				return nil, err
			}
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *cred) walk(path string, mode AccessMode) error {
	if path == "" {
		return syscall.ENOENT
	}
	if len(path)+1 > syscall.PathMax {
		return syscall.ENAMETOOLONG
	}

	cur := c.cwd
	if filepath.IsAbs(path) {
		cur = c.root
	}

	components := strings.Split(path, "/")
	linkCnt := 0

	for i, comp := range components {
		final := i == len(components)-1

		switch comp {
		case "", ".":
			continue
		case "..":
			parent := filepath.Dir(cur)
			if !strings.HasPrefix(parent, c.root) {
				parent = c.root
			}
			cur = parent
		default:
			cur = filepath.Join(cur, comp)
		}

		var err error
		cur, err = c.resolveLinks(cur, &linkCnt)
		if err != nil {
			return err
		}

		fi, err := os.Stat(cur)
		if err != nil {
			return syscall.ENOENT
		}
		if !final && !fi.IsDir() {
			return syscall.ENOTDIR
		}

		want := mode
		if !final {
			want = X_OK
		}
		ok, err := c.permits(fi, want)
		if err != nil || !ok {
			return syscall.EACCES
		}
	}

	return nil
}

// resolveLinks follows path while it names a symlink, bounded by the same
// nesting limit the kernel applies. The process root itself is never
// followed even though procfs presents it as a link.
func (c *cred) resolveLinks(path string, linkCnt *int) (string, error) {
	for path != c.root {
		fi, err := os.Lstat(path)
		if err != nil {
			return "", syscall.ENOENT
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			return path, nil
		}
		if *linkCnt >= symlinkMax {
			return "", syscall.ELOOP
		}
		*linkCnt++
		target, err := os.Readlink(path)
		if err != nil {
			return "", syscall.ENOENT
		}
		path = target
	}
	return path, nil
}

// permits applies the kernel's permission check order to one inode: owner
// bits, then group bits (effective gid or any supplementary group), then
// other bits, then the DAC-bypassing capabilities. Only the first of the
// three permission classes that matches the caller is consulted.
func (c *cred) permits(fi os.FileInfo, mode AccessMode) (bool, error) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("pathres: no Stat_t behind FileInfo")
	}

	fperm := uint32(fi.Mode().Perm())
	want := uint32(mode)

	owner := int(st.Uid) == c.euid
	if owner {
		if want&(fperm>>6&07) == want {
			return true, nil
		}
	}

	inGroup := int(st.Gid) == c.egid
	for _, g := range c.groups {
		if inGroup {
			break
		}
		inGroup = g == int(st.Gid)
	}
	if inGroup && !owner {
		if want&(fperm>>3&07) == want {
			return true, nil
		}
	}

	if !owner && !inGroup && want&(fperm&07) == want {
		return true, nil
	}

	if c.capEff&(1<<unix.CAP_DAC_OVERRIDE) != 0 {
		// CAP_DAC_OVERRIDE bypasses read and write checks always, and
		// execute checks for directories or files with any execute bit.
		if fi.IsDir() || mode&X_OK == 0 || fperm&0111 != 0 {
			return true, nil
		}
	}

	if c.capEff&(1<<unix.CAP_DAC_READ_SEARCH) != 0 {
		// CAP_DAC_READ_SEARCH bypasses file read checks and directory
		// read/search checks.
		if fi.IsDir() && mode&W_OK == 0 {
			return true, nil
		}
		if !fi.IsDir() && mode == R_OK {
			return true, nil
		}
	}

	return false, nil
}
