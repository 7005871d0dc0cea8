package main

import (
	"path/filepath"
	"strings"
	"testing"

	plog "terrastamp.ai/internal/persistence/log"
	"terrastamp.ai/internal/world"
)

func TestLastDigestsResetOnRebuildAndClear(t *testing.T) {
	entries := []plog.JournalEntry{
		{Action: "apply", Digests: map[string]string{"A": "1", "B": "1"}},
		{Action: "apply", Digests: map[string]string{"A": "2"}},
		{Action: "rebuild", Tiles: []string{"A"}, Digests: map[string]string{"A": "3"}},
		{Action: "delete"},
	}
	got := lastDigests(entries)
	if len(got) != 1 || got["A"] != "3" {
		t.Fatalf("lastDigests = %v", got)
	}

	entries = append(entries, plog.JournalEntry{Action: "clear"})
	if got := lastDigests(entries); len(got) != 0 {
		t.Fatalf("after clear = %v", got)
	}
}

func TestCompareDigests(t *testing.T) {
	if d := compareDigests(map[string]string{"A": "1"}, map[string]string{"A": "1"}); len(d) != 0 {
		t.Fatalf("equal maps differ: %v", d)
	}
	if d := compareDigests(map[string]string{"A": "1"}, map[string]string{"A": ""}); len(d) != 0 {
		t.Fatalf("undigested tile compared: %v", d)
	}
	d := compareDigests(map[string]string{"A": "1", "C": "1"}, map[string]string{"A": "2", "B": "1"})
	if len(d) != 3 || !strings.HasPrefix(d[0], "A: digest mismatch") {
		t.Fatalf("diffs = %v", d)
	}
}

func TestExportHeights(t *testing.T) {
	w := world.New()
	if _, err := w.CreateGrid(world.GridRequest{XTiles: 2, ZTiles: 1, TileSize: 8, TileHeight: 4, Resolution: 5}); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	dir := t.TempDir()
	files, err := exportHeights(w, dir, "r32", 3)
	if err != nil {
		t.Fatalf("exportHeights: %v", err)
	}
	if len(files) != 2 || files[0] != filepath.Join(dir, "Terrain_0_0.r32") {
		t.Fatalf("files = %v", files)
	}
	if _, err := exportHeights(w, dir, "bmp", 0); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}
