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

// Package netiface creates the TP's virtual network interfaces over a
// route-netlink (NETLINK_ROUTE) socket, stamping each link's target network
// namespace to the TP's pid as it's instantiated. This is the concrete
// collaborator behind the outer helper's "for each NIC descriptor, stamp
// netns_pid = tp and instantiate it via RTM_NEWLINK".
package netiface

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// NIC describes one virtual network interface to create inside the TP's
// network namespace. Name is the interface as seen by the TP; for a veth
// pair, PeerName names the host-side end left behind in the caller's
// namespace. Bringing the TP-facing end up and addressing it is left to
// the TP itself once it has entered its network namespace.
type NIC struct {
	Name     string
	PeerName string
	MTU      int
}

// Create instantiates each NIC as a veth pair whose TP-facing end is moved
// into the network namespace of process tp, and whose host-facing end
// stays in the namespace the caller is currently in. Errors are
// context-prefixed with the interface name and are all fatal; there's no
// partial-success notion for a single NIC request.
func Create(tp int, nics []NIC) error {
	for _, n := range nics {
		if err := createOne(tp, n); err != nil {
			return errors.Wrapf(err, "creating nic %s", n.Name)
		}
	}
	return nil
}

func createOne(tp int, n NIC) error {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = n.PeerName
	if n.MTU > 0 {
		attrs.MTU = n.MTU
	}

	veth := &netlink.Veth{
		LinkAttrs: attrs,
		PeerName:  n.Name,
		// PeerNamespace moves the TP-facing end of the pair into the
		// target process's network namespace as part of the same
		// RTM_NEWLINK request that creates the link.
		PeerNamespace: netlink.NsPid(tp),
	}

	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("netlink LinkAdd failed: %w", err)
	}

	hostLink, err := netlink.LinkByName(n.PeerName)
	if err != nil {
		return fmt.Errorf("looking up host-side link %s: %w", n.PeerName, err)
	}
	if err := netlink.LinkSetUp(hostLink); err != nil {
		return fmt.Errorf("bringing up host-side link %s: %w", n.PeerName, err)
	}

	return nil
}
