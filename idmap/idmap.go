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

// Package idmap parses /etc/sub{u,g}id and /proc/*/[ug]id_map, and projects
// a caller's desired id mapping against the subids it's entitled to and the
// id map the caller itself already lives under, producing the map that gets
// burned into the target process's uid_map/gid_map.
package idmap

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// MaxUserMappings mirrors the kernel's per-namespace id map line limit.
const MaxUserMappings = 340

// IdMapMax bounds the formatted buffer written into uid_map/gid_map.
const IdMapMax = 16384

// Id identifies a host user or group, by number and (optionally) by name;
// both forms are accepted when matching a subid file's owner column.
type Id struct {
	Num  uint32
	Name string
}

// Range is one id-map line: Inner is the id as seen inside the target
// namespace, Outer is the id as seen in the enclosing namespace, and Length
// is the count of consecutive ids the range covers. A zero Length range is
// considered absent.
type Range struct {
	Inner  uint32
	Outer  uint32
	Length uint32
}

// Empty reports whether the range covers zero ids.
func (r Range) Empty() bool {
	return r.Length == 0
}

// InnerEnd returns the exclusive end of the inner span.
func (r Range) InnerEnd() uint64 {
	return uint64(r.Inner) + uint64(r.Length)
}

// OuterEnd returns the exclusive end of the outer span.
func (r Range) OuterEnd() uint64 {
	return uint64(r.Outer) + uint64(r.Length)
}

// SortField selects which side of a Range Normalize sorts and merges by.
type SortField int

const (
	// SortByOuter is used for host-side (subid, current-process) maps.
	SortByOuter SortField = iota
	// SortByInner is used for TP-side (desired) maps.
	SortByInner
)

// IdMap is an ordered collection of ranges, operated on as a set-like
// structure per the normalize/project/generate/format algebra below.
type IdMap struct {
	Ranges []Range
}

// New builds an IdMap from the given ranges, verbatim (unnormalized).
func New(ranges ...Range) IdMap {
	return IdMap{Ranges: append([]Range(nil), ranges...)}
}

// Empty reports whether the map has no non-zero-length range.
func (m IdMap) Empty() bool {
	for _, r := range m.Ranges {
		if !r.Empty() {
			return false
		}
	}
	return true
}

// Count returns the total number of ids covered by the map. overflow is
// true if that total exceeds what a uint32 id space can hold.
func (m IdMap) Count() (total uint64, overflow bool) {
	for _, r := range m.Ranges {
		total += uint64(r.Length)
	}
	return total, total > math.MaxUint32
}

// Normalize drops zero-length ranges, sorts the rest by the given field
// and, if mergeAdjacent is true, merges adjacent/overlapping ranges. If
// mergeAdjacent is false, any overlap found after sorting is treated as an
// ill-formed map and reported as an error instead of silently merged; this
// is the discipline used when loading a process's own uid_map/gid_map,
// which the kernel guarantees is already disjoint.
func (m IdMap) Normalize(sortBy SortField, mergeAdjacent bool) (IdMap, error) {
	ranges := make([]Range, 0, len(m.Ranges))
	for _, r := range m.Ranges {
		if !r.Empty() {
			ranges = append(ranges, r)
		}
	}

	key := func(r Range) uint64 {
		if sortBy == SortByInner {
			return uint64(r.Inner)
		}
		return uint64(r.Outer)
	}

	sort.SliceStable(ranges, func(i, j int) bool {
		return key(ranges[i]) < key(ranges[j])
	})

	var out []Range
	for _, r := range ranges {
		if len(out) == 0 {
			out = append(out, r)
			continue
		}

		last := &out[len(out)-1]
		lastEnd := key(*last) + uint64(last.Length)
		curStart := key(r)

		if curStart < lastEnd {
			if !mergeAdjacent {
				return IdMap{}, fmt.Errorf("idmap: overlapping ranges at %v and %v", *last, r)
			}
			// Overlap: extend the merged range to cover both, recomputing
			// the non-sorted side (Outer when sorting by Inner and vice
			// versa) only when the merge is a pure adjacency (no offset
			// skew); a skewed overlap is itself ill-formed.
			skew := int64(r.Outer) - int64(r.Inner) - (int64(last.Outer) - int64(last.Inner))
			if skew != 0 {
				return IdMap{}, fmt.Errorf("idmap: conflicting overlapping ranges at %v and %v", *last, r)
			}
			end := curStart + uint64(r.Length)
			if end > lastEnd {
				last.Length = uint32(end - key(*last))
			}
			continue
		}

		if curStart == lastEnd && !mergeAdjacent {
			out = append(out, r)
			continue
		}
		if curStart == lastEnd {
			skew := int64(r.Outer) - int64(r.Inner) - (int64(last.Outer) - int64(last.Inner))
			if skew == 0 {
				last.Length += r.Length
				continue
			}
		}

		out = append(out, r)
	}

	return IdMap{Ranges: out}, nil
}

// Project clips each range in m to the portion whose Outer value falls
// within some range s of through, and rewrites the surviving portion's
// Outer to s.Inner + (r.Outer - s.Outer). Ranges with no intersection are
// dropped entirely. through is expected to already be normalized and
// sorted by Outer.
func (m IdMap) Project(through IdMap) IdMap {
	var out []Range

	for _, r := range m.Ranges {
		if r.Empty() {
			continue
		}

		rStart, rEnd := uint64(r.Outer), r.OuterEnd()

		for _, s := range through.Ranges {
			if s.Empty() {
				continue
			}
			sStart, sEnd := uint64(s.Outer), s.OuterEnd()

			lo := rStart
			if sStart > lo {
				lo = sStart
			}
			hi := rEnd
			if sEnd < hi {
				hi = sEnd
			}
			if lo >= hi {
				continue
			}

			newOuter := uint64(s.Inner) + (lo - sStart)
			newInner := uint64(r.Inner) + (lo - rStart)

			out = append(out, Range{
				Inner:  uint32(newInner),
				Outer:  uint32(newOuter),
				Length: uint32(hi - lo),
			})
		}
	}

	return IdMap{Ranges: out}
}

// identityView returns a copy of m with each range's Outer copied onto its
// Inner, turning a host-allocation view into an identity view suitable as
// the "through" argument of Project when the caller wants desired ids
// checked against what it's permitted to use, expressed in its own
// (caller-relative) coordinate space.
func (m IdMap) identityView() IdMap {
	out := make([]Range, len(m.Ranges))
	for i, r := range m.Ranges {
		out[i] = Range{Inner: r.Outer, Outer: r.Outer, Length: r.Length}
	}
	return IdMap{Ranges: out}
}

// Generate produces a default map that pins id's own number to inner 0 and
// assigns successive inner ids to the subid ranges allocated to id.
func Generate(subids IdMap, id Id) IdMap {
	ranges := []Range{{Inner: 0, Outer: id.Num, Length: 1}}

	next := uint64(1)
	for _, s := range subids.Ranges {
		if s.Empty() {
			continue
		}
		ranges = append(ranges, Range{
			Inner:  uint32(next),
			Outer:  s.Outer,
			Length: s.Length,
		})
		next += uint64(s.Length)
	}

	return IdMap{Ranges: ranges}
}

// Format renders the map as lines of "<inner> <outer> <length>\n", sorted
// by Inner, bounded by IdMapMax bytes.
func (m IdMap) Format() ([]byte, error) {
	norm, err := m.Normalize(SortByInner, true)
	if err != nil {
		return nil, err
	}
	if len(norm.Ranges) > MaxUserMappings {
		return nil, fmt.Errorf("idmap: %d ranges exceed the kernel's %d-line map limit", len(norm.Ranges), MaxUserMappings)
	}

	var b strings.Builder
	for _, r := range norm.Ranges {
		fmt.Fprintf(&b, "%d %d %d\n", r.Inner, r.Outer, r.Length)
	}

	if b.Len() > IdMapMax {
		return nil, fmt.Errorf("idmap: formatted map exceeds %d bytes", IdMapMax)
	}

	return []byte(b.String()), nil
}

// Parse reads a map in "<inner> <outer> <length>" line format, as found in
// /proc/<pid>/{uid,gid}_map. Blank lines are skipped; anything else that
// doesn't parse as exactly three whitespace-separated integers is an error.
func Parse(r *bufio.Reader) (IdMap, error) {
	var ranges []Range

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return IdMap{}, fmt.Errorf("idmap: malformed line %q: want 3 fields, got %d", line, len(fields))
		}

		inner, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return IdMap{}, fmt.Errorf("idmap: malformed inner id %q: %w", fields[0], err)
		}
		outer, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return IdMap{}, fmt.Errorf("idmap: malformed outer id %q: %w", fields[1], err)
		}
		length, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return IdMap{}, fmt.Errorf("idmap: malformed length %q: %w", fields[2], err)
		}
		if inner > math.MaxUint32 || outer > math.MaxUint32 || length > math.MaxUint32 {
			return IdMap{}, fmt.Errorf("idmap: line %q overflows a 32-bit id", line)
		}

		ranges = append(ranges, Range{Inner: uint32(inner), Outer: uint32(outer), Length: uint32(length)})
	}
	if err := scanner.Err(); err != nil {
		return IdMap{}, err
	}

	return IdMap{Ranges: ranges}, nil
}

// ParseFile is a convenience wrapper around Parse for /proc/*/[ug]id_map.
func ParseFile(path string) (IdMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return IdMap{}, err
	}
	defer f.Close()

	return Parse(bufio.NewReader(f))
}
