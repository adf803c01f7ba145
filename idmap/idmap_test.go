package idmap

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func newReader(b []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(b))
}

func identityMap() IdMap {
	// approximates the full host id space as seen by a process with no
	// user namespace of its own: [0, 2^32) -> [0, 2^32).
	return New(Range{Inner: 0, Outer: 0, Length: 0xffffffff})
}

func TestResolveDefaultMapping(t *testing.T) {
	subids := New(Range{Outer: 100000, Length: 65536})
	owner := Id{Num: 1000, Name: "alice"}

	out, err := Resolve(KindUID, IdMap{}, subids, identityMap(), owner)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	want := "0 1000 1\n1 100000 65536\n"
	if string(out) != want {
		t.Errorf("Resolve() = %q, want %q", out, want)
	}
}

func TestResolveDesiredOutsideSubidsFails(t *testing.T) {
	subids := New(Range{Outer: 100000, Length: 65536})
	owner := Id{Num: 1000}

	desired := New(
		Range{Inner: 0, Outer: 0, Length: 1},
		Range{Inner: 1, Outer: 1, Length: 10},
	)

	_, err := Resolve(KindUID, desired, subids, identityMap(), owner)
	if err == nil {
		t.Fatalf("Resolve() with out-of-range desired map: expected error, got nil")
	}
	if !strings.Contains(err.Error(), "not in the uids allowed in /etc/subuid") {
		t.Errorf("Resolve() error = %q, want it to mention /etc/subuid", err)
	}
}

func TestResolveDesiredWithinSubidsSucceeds(t *testing.T) {
	subids := New(Range{Outer: 100000, Length: 65536})
	owner := Id{Num: 1000}

	desired := New(Range{Inner: 0, Outer: 100000, Length: 10})

	out, err := Resolve(KindUID, desired, subids, identityMap(), owner)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	want := "0 100000 10\n"
	if string(out) != want {
		t.Errorf("Resolve() = %q, want %q", out, want)
	}
}

func TestNormalizeRejectsOverlapWhenNotMerging(t *testing.T) {
	m := New(
		Range{Inner: 0, Outer: 0, Length: 10},
		Range{Inner: 5, Outer: 5, Length: 10},
	)

	if _, err := m.Normalize(SortByInner, false); err == nil {
		t.Errorf("Normalize(mergeAdjacent=false) on overlapping ranges: expected error, got nil")
	}
}

func TestNormalizeMergesAdjacent(t *testing.T) {
	m := New(
		Range{Inner: 10, Outer: 10, Length: 5},
		Range{Inner: 0, Outer: 0, Length: 10},
	)

	norm, err := m.Normalize(SortByInner, true)
	if err != nil {
		t.Fatalf("Normalize() failed: %v", err)
	}
	if len(norm.Ranges) != 1 {
		t.Fatalf("Normalize() merged ranges = %v, want a single [0,15) range", norm.Ranges)
	}
	if norm.Ranges[0].Length != 15 {
		t.Errorf("Normalize() merged length = %d, want 15", norm.Ranges[0].Length)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	m := New(
		Range{Inner: 0, Outer: 1000, Length: 1},
		Range{Inner: 1, Outer: 100000, Length: 65536},
	)

	buf, err := m.Format()
	if err != nil {
		t.Fatalf("Format() failed: %v", err)
	}

	reparsed, err := Parse(newReader(buf))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	normOrig, _ := m.Normalize(SortByInner, true)
	normReparsed, _ := reparsed.Normalize(SortByInner, true)

	if len(normOrig.Ranges) != len(normReparsed.Ranges) {
		t.Fatalf("round trip changed range count: %v vs %v", normOrig.Ranges, normReparsed.Ranges)
	}
	for i := range normOrig.Ranges {
		if normOrig.Ranges[i] != normReparsed.Ranges[i] {
			t.Errorf("round trip mismatch at %d: %v vs %v", i, normOrig.Ranges[i], normReparsed.Ranges[i])
		}
	}
}

func TestCountOverflow(t *testing.T) {
	m := New(
		Range{Inner: 0, Outer: 0, Length: 0xffffffff},
		Range{Inner: 0xffffffff, Outer: 0xffffffff, Length: 1},
	)
	if _, overflow := m.Count(); !overflow {
		t.Errorf("Count() overflow = false, want true")
	}
}
