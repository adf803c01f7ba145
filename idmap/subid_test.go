package idmap

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSubidFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subuid")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestParseSubidFile(t *testing.T) {
	path := writeSubidFile(t, "# comment\n\nalice:100000:65536\n1001:200000:65536\nbob:300000:65536\n")

	m, err := ParseSubidFile(path, Id{Num: 1000, Name: "alice"})
	if err != nil {
		t.Fatalf("ParseSubidFile() failed: %v", err)
	}
	if len(m.Ranges) != 1 || m.Ranges[0] != (Range{Outer: 100000, Length: 65536}) {
		t.Errorf("ParseSubidFile() by name = %v, want a single 100000:65536 range", m.Ranges)
	}

	m, err = ParseSubidFile(path, Id{Num: 1001, Name: "carol"})
	if err != nil {
		t.Fatalf("ParseSubidFile() failed: %v", err)
	}
	if len(m.Ranges) != 1 || m.Ranges[0] != (Range{Outer: 200000, Length: 65536}) {
		t.Errorf("ParseSubidFile() by number = %v, want a single 200000:65536 range", m.Ranges)
	}

	m, err = ParseSubidFile(path, Id{Num: 9999, Name: "dave"})
	if err != nil {
		t.Fatalf("ParseSubidFile() failed: %v", err)
	}
	if len(m.Ranges) != 0 {
		t.Errorf("ParseSubidFile() for unknown owner = %v, want none", m.Ranges)
	}
}

func TestParseSubidFileMalformed(t *testing.T) {
	path := writeSubidFile(t, "alice:100000\n")
	if _, err := ParseSubidFile(path, Id{Num: 1000}); err == nil {
		t.Errorf("ParseSubidFile() on malformed line: expected error, got nil")
	}
}

func TestParseSubidFileOverflow(t *testing.T) {
	path := writeSubidFile(t, "alice:4294967290:100\n")
	if _, err := ParseSubidFile(path, Id{Num: 1000, Name: "alice"}); err == nil {
		t.Errorf("ParseSubidFile() on overflowing start+count: expected error, got nil")
	}
}
