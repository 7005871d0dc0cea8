package tuning

import (
	"os"
	"path/filepath"
	"testing"

	"terrastamp.ai/internal/session"
	"terrastamp.ai/internal/world"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := []byte(`
undo_depth: 8
world:
  tile_size: 512
  sea_level: 12.5
  streaming:
    enabled: true
    load_radius: 700
`)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	tu, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.UndoDepth != 8 || tu.StampWorkers != 4 || tu.World.TileHeight != 600 {
		t.Fatalf("tuning = %+v", tu)
	}
	if !tu.World.Streaming.Enabled || tu.World.Streaming.LoadRadius != 700 {
		t.Fatalf("streaming = %+v", tu.World.Streaming)
	}

	ws := tu.WorldSettings(session.WorldSettings{Grid: world.GridRequest{XTiles: 3, ZTiles: 1}})
	if ws.Grid.XTiles != 3 || ws.Grid.TileSize != 512 || ws.Grid.Resolution != world.DefaultResolution || ws.SeaLevel != 12.5 {
		t.Fatalf("world settings = %+v", ws)
	}
	if !ws.Grid.Streaming.Enabled {
		t.Fatalf("streaming defaults not applied")
	}

	cfg := tu.SessionConfig(nil)
	if cfg.Dir != "./data" || cfg.UndoDepth != 8 {
		t.Fatalf("session config = %+v", cfg)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("undo_depth: [1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error")
	}
}

func TestShippedConfigLoads(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.World.Resolution != 65 || tu.World.SeaLevel != 40 {
		t.Fatalf("tuning = %+v", tu.World)
	}
}
