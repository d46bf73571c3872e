package logbook

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestAppendAndTail(t *testing.T) {
	lb, err := ForCeremony(filepath.Join(t.TempDir(), "cer-1"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	lb.Append(LevelInfo, "ceremony convened")
	lb.Appendf(LevelWarn, "worker %s lost", "wrk-1")
	lb.Append(LevelError, "task failed")
	lines, err := lb.Tail(2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "worker wrk-1 lost") {
		t.Fatalf("unexpected first line: %s", lines[0])
	}
	if !strings.Contains(lines[1], "ERROR") {
		t.Fatalf("missing level: %s", lines[1])
	}
}

func TestTailMissingFile(t *testing.T) {
	lb, err := New(filepath.Join(t.TempDir(), "journal.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	lines, err := lb.Tail(10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if lines != nil {
		t.Fatalf("expected no lines, got %v", lines)
	}
}
