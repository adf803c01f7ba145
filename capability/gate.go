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

// Package capability provides scoped raise/drop of individual Linux
// capabilities around privileged syscalls. A privileged step raises
// exactly the mask it needs from the process's permitted set, performs
// its syscalls, and drops back to an empty effective set before anything
// else runs.
package capability

import (
	"fmt"

	cap "github.com/syndtr/gocapability/capability"
)

// Cap is one Linux capability, re-exported so callers don't import the
// underlying library directly.
type Cap = cap.Cap

// The capabilities the privileged setup steps need, under their stable
// kernel names.
const (
	SETUID       = cap.CAP_SETUID
	SETGID       = cap.CAP_SETGID
	DAC_OVERRIDE = cap.CAP_DAC_OVERRIDE
	NET_ADMIN    = cap.CAP_NET_ADMIN
	SYS_ADMIN    = cap.CAP_SYS_ADMIN
	SYS_PTRACE   = cap.CAP_SYS_PTRACE
)

// Mask is the set of capabilities raised and dropped as a unit around one
// privileged step.
type Mask []Cap

// Capability masks used by the outer helper's privileged steps. Each step
// raises exactly the mask it needs and drops it before returning, never
// leaving an elevated effective set across a suspension point.
var (
	MaskIDMap  = Mask{SETUID, SETGID, DAC_OVERRIDE}
	MaskNsPers = Mask{SYS_ADMIN, SYS_PTRACE}
	MaskNet    = Mask{NET_ADMIN}
)

// MakeCapable raises the capabilities in mask into the calling process's
// effective set. Every capability in mask must already be present in the
// process's permitted set (inherited from the binary's file capabilities
// or from running as root); MakeCapable never grows the permitted set
// itself.
func MakeCapable(mask Mask) error {
	caps, err := cap.NewPid2(0)
	if err != nil {
		return fmt.Errorf("capability: failed to query process: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("capability: failed to load process capabilities: %w", err)
	}

	for _, c := range mask {
		if !caps.Get(cap.PERMITTED, c) {
			return fmt.Errorf("capability: %s is not in the permitted set", c)
		}
	}

	caps.Set(cap.EFFECTIVE, mask...)
	if err := caps.Apply(cap.CAPS); err != nil {
		return fmt.Errorf("capability: failed to raise %v: %w", mask, err)
	}
	return nil
}

// ResetCapabilities drops every capability from the calling process's
// effective set, leaving the permitted set intact so a later MakeCapable
// can still raise from it. It must be called on every exit path following
// a MakeCapable, including error paths; a raised capability left in
// place past its privileged step is a latent privilege-escalation defect.
func ResetCapabilities() error {
	caps, err := cap.NewPid2(0)
	if err != nil {
		return fmt.Errorf("capability: failed to query process: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("capability: failed to load process capabilities: %w", err)
	}

	caps.Clear(cap.EFFECTIVE)
	if err := caps.Apply(cap.CAPS); err != nil {
		return fmt.Errorf("capability: failed to drop effective capabilities: %w", err)
	}
	return nil
}
