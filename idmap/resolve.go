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

package idmap

import "fmt"

// Kind distinguishes uid from gid mappings only for error-message wording;
// the algorithm is identical for both.
type Kind string

const (
	KindUID Kind = "uid"
	KindGID Kind = "gid"
)

func (k Kind) plural() string {
	if k == KindUID {
		return "uids"
	}
	return "gids"
}

func (k Kind) subidFile() string {
	if k == KindUID {
		return "/etc/subuid"
	}
	return "/etc/subgid"
}

// Resolve combines desired, subids, and curIdMap into the map that gets
// burned into the target process's uid_map or gid_map, per the three-input
// algorithm: desired's inner ids are authoritative and its outer ids are as
// the caller sees them; subids is what the caller is allowed to use;
// curIdMap translates the caller's own view of the host id space into
// host-absolute ids.
func Resolve(kind Kind, desired, subids, curIdMap IdMap, owner Id) ([]byte, error) {
	curNorm, err := curIdMap.Normalize(SortByOuter, false)
	if err != nil {
		return nil, fmt.Errorf("idmap: malformed current %s_map: %w", kind, err)
	}

	subNorm, err := subids.Normalize(SortByOuter, true)
	if err != nil {
		return nil, fmt.Errorf("idmap: malformed %s allocation: %w", kind, err)
	}

	var result IdMap

	if !desired.Empty() {
		desiredNorm, err := desired.Normalize(SortByInner, true)
		if err != nil {
			return nil, fmt.Errorf("idmap: malformed desired %s map: %w", kind, err)
		}

		// The caller's own id is implicitly mappable even when no subid
		// file entry covers it.
		allowed := IdMap{Ranges: append([]Range{{Outer: owner.Num, Length: 1}}, subNorm.Ranges...)}
		allowed, err = allowed.Normalize(SortByOuter, true)
		if err != nil {
			return nil, fmt.Errorf("idmap: malformed %s allocation: %w", kind, err)
		}

		permitted := allowed.identityView()
		result = desiredNorm.Project(permitted)

		desiredCount, desiredOverflow := desiredNorm.Count()
		resultCount, resultOverflow := result.Count()

		if desiredOverflow || resultOverflow {
			return nil, fmt.Errorf("idmap: too many %s to map", kind.plural())
		}
		if resultCount != desiredCount {
			return nil, fmt.Errorf(
				"cannot map desired %s map: some %s are not in the %s allowed in %s",
				kind, kind.plural(), kind.plural(), kind.subidFile())
		}
	} else {
		result = Generate(subNorm, owner)
	}

	hostAbsolute := result.Project(curNorm)

	return hostAbsolute.Format()
}
