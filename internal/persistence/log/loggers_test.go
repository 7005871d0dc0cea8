package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJournalWritesAcrossRotationAndReopen(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 5, 1, 10, 59, 0, 0, time.UTC)

	j := NewJournal(dir)
	j.w.now = func() time.Time { return clock }
	if err := j.Write(JournalEntry{Action: "append", OperationID: "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := j.Write(JournalEntry{Action: "append", OperationID: "b", Digests: map[string]string{"Terrain_0_0": "x"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening within the same hour must not clobber the existing file.
	j = NewJournal(dir)
	j.w.now = func() time.Time { return clock }
	if err := j.Write(JournalEntry{Action: "undo"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := ListJournalFiles(JournalDir(dir))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{
		"journal-2026-05-01-10.jsonl.zst",
		"journal-2026-05-01-11.jsonl.zst",
		"journal-2026-05-01-11.1.jsonl.zst",
	}
	if len(files) != len(want) {
		t.Fatalf("files=%v", files)
	}
	for i, f := range files {
		if filepath.Base(f) != want[i] {
			t.Fatalf("file %d = %s want %s", i, filepath.Base(f), want[i])
		}
	}

	entries, err := ReadJournal(JournalDir(dir))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries=%d want=3", len(entries))
	}
	if entries[0].OperationID != "a" || entries[1].Digests["Terrain_0_0"] != "x" || entries[2].Action != "undo" {
		t.Fatalf("entries out of order: %+v", entries)
	}
	if entries[2].Time.IsZero() {
		t.Fatalf("time not stamped")
	}
}

func TestReadJournalMissingDir(t *testing.T) {
	if _, err := ReadJournal(filepath.Join(t.TempDir(), "nope")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
