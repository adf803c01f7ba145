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

// Package outerhelper implements the sibling process that, while still
// holding host credentials, installs the target process's uid/gid maps,
// persists its namespace files, and creates its virtual network
// interfaces: the privileged steps the launcher itself must not perform
// once it has unshared its own user namespace.
package outerhelper

import (
	"github.com/nestybox/bst/idmap"
	"github.com/nestybox/bst/netiface"
	"github.com/nestybox/bst/nspersist"
)

// ReexecHelper and ReexecCgroupWatch are the os.Args[0] values the launcher
// registers with reexec, dispatching to helperMain/cgroupWatchMain before
// cobra ever sees them, the same hidden-subcommand technique as a forkexec
// helper, minus the cgo.
const (
	ReexecHelper      = "bst-outer-helper"
	ReexecCgroupWatch = "bst-cgroup-watch"
)

// Config is the outer helper's entire configuration, handed down over a
// pipe (fd 3) as JSON before the control-socket protocol begins. It
// holds everything known before the target process exists; the target
// pid and the control fd arrive over the wire instead.
type Config struct {
	UnshareUser   bool
	UnshareNet    bool
	CgroupEnabled bool

	OwnerUID idmap.Id
	OwnerGID idmap.Id

	UIDDesired idmap.IdMap
	GIDDesired idmap.IdMap

	Persist nspersist.Targets
	Nics    []netiface.NIC
}
