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

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/nestybox/bst/idmap"
	"github.com/nestybox/bst/launcher"
	"github.com/nestybox/bst/netiface"
	"github.com/nestybox/bst/nspersist"
	"github.com/nestybox/bst/outerhelper"
)

// flags holds the raw CLI surface; toOptions turns it into the
// structured launcher.Options the launcher actually consumes. Everything
// after "--" belongs to the payload and is passed through untouched.
type flags struct {
	unshareUser, unshareMount, unshareNet bool
	unsharePid, unshareUts, unshareIpc    bool
	unshareCgroup, unshareTime            bool

	uidMaps, gidMaps []string
	persist          []string
	nics             []string

	cgroupParent string
	verbose      bool
}

func (f *flags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.BoolVar(&f.unshareUser, "unshare-user", false, "unshare the user namespace")
	fl.BoolVar(&f.unshareMount, "unshare-mount", false, "unshare the mount namespace")
	fl.BoolVar(&f.unshareNet, "unshare-net", false, "unshare the network namespace")
	fl.BoolVar(&f.unsharePid, "unshare-pid", false, "unshare the pid namespace")
	fl.BoolVar(&f.unshareUts, "unshare-uts", false, "unshare the uts namespace")
	fl.BoolVar(&f.unshareIpc, "unshare-ipc", false, "unshare the ipc namespace")
	fl.BoolVar(&f.unshareCgroup, "unshare-cgroup", false, "unshare the cgroup namespace")
	fl.BoolVar(&f.unshareTime, "unshare-time", false, "unshare the time namespace")

	fl.StringArrayVar(&f.uidMaps, "uid-map", nil, "inner:outer:length, repeatable; omit for a default map")
	fl.StringArrayVar(&f.gidMaps, "gid-map", nil, "inner:outer:length, repeatable; omit for a default map")
	fl.StringArrayVar(&f.persist, "persist", nil, "ns=path, repeatable (ns one of user,mnt,net,pid,uts,ipc,cgroup,time)")
	fl.StringArrayVar(&f.nics, "nic", nil, "name:peer:mtu, repeatable")

	fl.StringVar(&f.cgroupParent, "cgroup-parent", "", "cgroup v2 directory under which to create and watch bst.<pid>")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")
}

func (f *flags) toOptions(argv []string) (*launcher.Options, error) {
	uidDesired, err := parseRanges(f.uidMaps)
	if err != nil {
		return nil, fmt.Errorf("--uid-map: %w", err)
	}
	gidDesired, err := parseRanges(f.gidMaps)
	if err != nil {
		return nil, fmt.Errorf("--gid-map: %w", err)
	}

	persist, err := parsePersist(f.persist)
	if err != nil {
		return nil, fmt.Errorf("--persist: %w", err)
	}

	nics, err := parseNics(f.nics)
	if err != nil {
		return nil, fmt.Errorf("--nic: %w", err)
	}

	cfg := outerhelper.Config{
		UnshareUser:   f.unshareUser,
		UnshareNet:    f.unshareNet,
		CgroupEnabled: f.cgroupParent != "",
		OwnerUID:      idmap.Id{Num: uint32(os.Getuid())},
		OwnerGID:      idmap.Id{Num: uint32(os.Getgid())},
		UIDDesired:    uidDesired,
		GIDDesired:    gidDesired,
		Persist:       persist,
		Nics:          nics,
	}

	return &launcher.Options{
		Argv:            argv,
		CloneFlags:      f.cloneFlags(),
		CgroupParentDir: f.cgroupParent,
		Helper:          cfg,
	}, nil
}

func (f *flags) cloneFlags() uintptr {
	var flags uintptr
	if f.unshareUser {
		flags |= unix.CLONE_NEWUSER
	}
	if f.unshareMount {
		flags |= unix.CLONE_NEWNS
	}
	if f.unshareNet {
		flags |= unix.CLONE_NEWNET
	}
	if f.unsharePid {
		flags |= unix.CLONE_NEWPID
	}
	if f.unshareUts {
		flags |= unix.CLONE_NEWUTS
	}
	if f.unshareIpc {
		flags |= unix.CLONE_NEWIPC
	}
	if f.unshareCgroup {
		flags |= unix.CLONE_NEWCGROUP
	}
	if f.unshareTime {
		flags |= unix.CLONE_NEWTIME
	}
	return flags
}

// parseRanges parses repeated "inner:outer:length" flags into an IdMap.
func parseRanges(specs []string) (idmap.IdMap, error) {
	var ranges []idmap.Range
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 {
			return idmap.IdMap{}, fmt.Errorf("malformed range %q, want inner:outer:length", spec)
		}
		inner, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return idmap.IdMap{}, fmt.Errorf("malformed inner id in %q: %w", spec, err)
		}
		outer, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return idmap.IdMap{}, fmt.Errorf("malformed outer id in %q: %w", spec, err)
		}
		length, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return idmap.IdMap{}, fmt.Errorf("malformed length in %q: %w", spec, err)
		}
		ranges = append(ranges, idmap.Range{Inner: uint32(inner), Outer: uint32(outer), Length: uint32(length)})
	}
	return idmap.New(ranges...), nil
}

// parsePersist parses repeated "ns=path" flags into nspersist.Targets.
func parsePersist(specs []string) (nspersist.Targets, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	targets := make(nspersist.Targets, len(specs))
	for _, spec := range specs {
		ns, path, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q, want ns=path", spec)
		}
		targets[nspersist.Namespace(ns)] = path
	}
	return targets, nil
}

// parseNics parses repeated "name:peer:mtu" flags into NIC descriptors.
func parseNics(specs []string) ([]netiface.NIC, error) {
	var nics []netiface.NIC
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed nic %q, want name:peer:mtu", spec)
		}
		mtu, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("malformed mtu in %q: %w", spec, err)
		}
		nics = append(nics, netiface.NIC{Name: parts[0], PeerName: parts[1], MTU: mtu})
	}
	return nics, nil
}
