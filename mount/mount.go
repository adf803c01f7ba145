// Package mount provides small self-contained helpers for inspecting the
// mount table, used by nspersist to diagnose bind-mount failures without
// pulling in a full mount-tree library.
package mount

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// IsMountPoint reports whether path has a mount on it, by comparing its
// device ID against its parent's instead of parsing /proc/self/mountinfo.
// That comparison cannot see same-filesystem bind mounts, but it does see
// the case nspersist cares about: a namespace file bind-mounted onto a
// regular file sits on nsfs, whose device ID never matches the parent's.
func IsMountPoint(path string) (bool, error) {
	if path == "/" {
		return true, nil
	}

	st, err := statDev(path)
	if err != nil {
		return false, err
	}
	parent, err := statDev(filepath.Dir(path))
	if err != nil {
		return false, err
	}

	return st != parent, nil
}

func statDev(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no Stat_t behind FileInfo for %s", path)
	}
	return uint64(st.Dev), nil
}

// Propagation reports the propagation mode (shared, private, slave, unbindable)
// of the mount that covers the given path, by scanning /proc/self/mountinfo for
// the longest mount-point prefix match. It's used to turn a bare EINVAL from
// a bind-mount attempt into the human-readable "destination not on a private
// mount" diagnosis called for by ns persistence.
func Propagation(path string) (string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", err
	}
	defer f.Close()

	best := ""
	bestProp := "unknown"

	s := bufio.NewScanner(f)
	for s.Scan() {
		// mountinfo fields are separated by " - "; everything before it is
		// "id parent major:minor root mountpoint opts opt-fields..."
		line := s.Text()
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		mountpoint := fields[4]
		if !strings.HasPrefix(path, mountpoint) {
			continue
		}
		if len(mountpoint) < len(best) {
			continue
		}
		best = mountpoint

		prop := "private"
		for _, opt := range fields[6:] {
			if opt == "-" {
				break
			}
			switch {
			case strings.HasPrefix(opt, "shared:"):
				prop = "shared"
			case strings.HasPrefix(opt, "master:"):
				prop = "slave"
			case opt == "unbindable":
				prop = "unbindable"
			}
		}
		bestProp = prop
	}

	if err := s.Err(); err != nil {
		return "", err
	}

	return bestProp, nil
}
