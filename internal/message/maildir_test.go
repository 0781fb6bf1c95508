package message

import (
	"os"
	"path/filepath"
	"testing"
)

func TestComputeMaildirInfoOrdersLettersASCII(t *testing.T) {
	info := ComputeMaildirInfo(FlagSeen | FlagFlagged | FlagDeleted)
	if info != ":2,FST" {
		t.Fatalf("got %q, want :2,FST", info)
	}
}

func TestComputeMaildirInfoNoFlags(t *testing.T) {
	if info := ComputeMaildirInfo(0); info != ":2," {
		t.Fatalf("got %q", info)
	}
}

func TestParseMaildirInfoRoundTrip(t *testing.T) {
	flags := FlagSeen | FlagAnswered
	name := "1700000000.M123P456.host" + ComputeMaildirInfo(flags)
	got := parseMaildirInfo(name)
	if got != flags {
		t.Fatalf("got %d, want %d", got, flags)
	}
}

func TestParseMaildirInfoNoSuffix(t *testing.T) {
	if got := parseMaildirInfo("1700000000.M123P456.host"); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestFromMaildirFileInfersFlagsFromFilename(t *testing.T) {
	dir := t.TempDir()
	name := "1700000000.M1P1.host" + ComputeMaildirInfo(FlagSeen)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("Subject: hi\r\n\r\nbody"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, err := FromMaildirFile(path)
	if err != nil {
		t.Fatalf("FromMaildirFile: %v", err)
	}
	if m.Flags&FlagSeen == 0 {
		t.Fatalf("expected FlagSeen set, got flags=%d", m.Flags)
	}
	if m.Subject() != "hi" {
		t.Fatalf("got subject %q", m.Subject())
	}
}

func TestFromMaildirFileNewHasNoFlags(t *testing.T) {
	dir := t.TempDir()
	name := "1700000000.M1P1.host"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("Subject: hi\r\n\r\nbody"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	m, err := FromMaildirFile(path)
	if err != nil {
		t.Fatalf("FromMaildirFile: %v", err)
	}
	if m.Flags != 0 {
		t.Fatalf("expected no flags for a file with no info suffix, got %d", m.Flags)
	}
}
