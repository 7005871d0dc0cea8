package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"terrastamp.ai/internal/terrain/noise"
	"terrastamp.ai/internal/world"
)

func TestSnapshotRoundTrip(t *testing.T) {
	w := world.New()
	_, err := w.CreateGrid(world.GridRequest{
		XTiles: 2, ZTiles: 2, TileSize: 32, TileHeight: 80, Resolution: 9,
		BaseNoise: &noise.Params{Seed: 11, Frequency: 0.1, Octaves: 2},
	})
	if err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	w.SetSeaLevel(world.SeaWorldMap, 12)
	w.AddBiome(world.Biome{ID: "forest", Center: mgl64.Vec2{10, 10}, Radius: 4})
	weights := make([]float64, 81)
	weights[40] = 0.75
	if err := w.PaintLayer("Terrain_1_1", "grass", weights); err != nil {
		t.Fatalf("PaintLayer: %v", err)
	}
	shift := mgl64.Vec3{-64, 0, 32}
	w.ShiftOrigin(shift)

	path := filepath.Join(t.TempDir(), "world.snap.zst")
	if err := WriteSnapshot(path, Capture(w, Header{Operations: 3, LogDigest: "abc"})); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Version != Version || h.Operations != 3 || h.LogDigest != "abc" {
		t.Fatalf("header = %+v", h)
	}

	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	got, err := snap.Restore()
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(got.Tiles()) != 4 {
		t.Fatalf("restored %d tiles", len(got.Tiles()))
	}
	for _, name := range w.TileNames() {
		a, _ := w.Tile(name)
		b, ok := got.Tile(name)
		if !ok {
			t.Fatalf("missing tile %s", name)
		}
		if a.Grid.Digest() != b.Grid.Digest() {
			t.Fatalf("%s digest differs", name)
		}
	}
	tile, _ := got.Tile("Terrain_1_1")
	if tile.Layers["grass"][40] != 0.75 {
		t.Fatalf("painted layer lost")
	}
	if got.SeaLevel(world.SeaWorldMap) != 12 {
		t.Fatalf("sea level lost")
	}
	if _, ok := got.BiomeWeight("forest", mgl64.Vec2{10, 10}); !ok {
		t.Fatalf("biome lost")
	}
	if got.OriginOffset() != shift {
		t.Fatalf("origin offset = %v", got.OriginOffset())
	}
}
