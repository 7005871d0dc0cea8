package world

import (
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"terrastamp.ai/internal/terrain/noise"
)

func TestCreateGridExtents(t *testing.T) {
	w := New()
	tiles, err := w.CreateGrid(GridRequest{XTiles: 2, ZTiles: 1, TileSize: 1024, TileHeight: 600, Resolution: 9})
	if err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	if len(tiles) != 2 {
		t.Fatalf("expected 2 tiles, got %d", len(tiles))
	}
	if tiles[0].Name != "Terrain_0_0" || tiles[1].Name != "Terrain_1_0" {
		t.Fatalf("names = %s, %s", tiles[0].Name, tiles[1].Name)
	}
	min := mgl64.Vec2{math.Inf(1), math.Inf(1)}
	max := mgl64.Vec2{math.Inf(-1), math.Inf(-1)}
	for _, tile := range tiles {
		lo, hi := tile.Bounds()
		min = mgl64.Vec2{math.Min(min.X(), lo.X()), math.Min(min.Y(), lo.Y())}
		max = mgl64.Vec2{math.Max(max.X(), hi.X()), math.Max(max.Y(), hi.Y())}
		if tile.Grid.HeightScale() != 600 {
			t.Fatalf("%s height range %v", tile.Name, tile.Grid.HeightScale())
		}
	}
	if got := max.Sub(min); got.X() != 2048 || got.Y() != 1024 {
		t.Fatalf("combined extents %v, want 2048x1024", got)
	}
	if e := w.Extents(); e.X() != 2048 || e.Y() != 1024 {
		t.Fatalf("Extents() = %v", e)
	}
}

func TestCreateGridRejectsBadRequests(t *testing.T) {
	w := New()
	for _, req := range []GridRequest{
		{XTiles: 0, ZTiles: 3, TileSize: 10, TileHeight: 10},
		{XTiles: 2, ZTiles: -1, TileSize: 10, TileHeight: 10},
	} {
		if _, err := w.CreateGrid(req); !errors.Is(err, ErrEmptyGrid) {
			t.Fatalf("expected ErrEmptyGrid for %+v, got %v", req, err)
		}
	}
	if _, err := w.CreateGrid(GridRequest{XTiles: 1, ZTiles: 1}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if w.HasTerrain() {
		t.Fatalf("rejected request left tiles behind")
	}

	if _, err := w.CreateGrid(GridRequest{XTiles: 1, ZTiles: 1, TileSize: 10, TileHeight: 10, Resolution: 3}); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	if _, err := w.CreateGrid(GridRequest{XTiles: 1, ZTiles: 1, TileSize: 10, TileHeight: 10}); !errors.Is(err, ErrTerrainExists) {
		t.Fatalf("expected ErrTerrainExists, got %v", err)
	}
	w.Destroy()
	if _, err := w.CreateGrid(GridRequest{XTiles: 1, ZTiles: 1, TileSize: 10, TileHeight: 10, Resolution: 3}); err != nil {
		t.Fatalf("CreateGrid after Destroy: %v", err)
	}
}

func TestBaseNoiseIsSeamlessAcrossTiles(t *testing.T) {
	w := New()
	_, err := w.CreateGrid(GridRequest{
		XTiles: 2, ZTiles: 1, TileSize: 64, TileHeight: 100, Resolution: 17,
		BaseNoise: &noise.Params{Seed: 4, Frequency: 0.05, Octaves: 3},
	})
	if err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	a, _ := w.Tile("Terrain_0_0")
	b, _ := w.Tile("Terrain_1_0")
	for z := 0; z < a.Grid.Depth; z++ {
		if a.Grid.At(a.Grid.Width-1, z) != b.Grid.At(0, z) {
			t.Fatalf("shared edge differs at z=%d", z)
		}
	}
}

func TestStreamingStatesAndOriginShift(t *testing.T) {
	w := New()
	_, err := w.CreateGrid(GridRequest{
		XTiles: 4, ZTiles: 1, TileSize: 100, TileHeight: 50, Resolution: 3,
		Streaming: StreamingOptions{Enabled: true, LoadRadius: 60, ColliderRadius: 160, OriginShiftThreshold: 250},
	})
	if err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	changed := w.UpdateStreaming(mgl64.Vec2{50, 50})
	if len(changed) != 3 {
		t.Fatalf("changed = %v", changed)
	}
	want := map[string]StreamState{
		"Terrain_0_0": StreamLoaded,
		"Terrain_1_0": StreamColliderOnly,
		"Terrain_2_0": StreamUnloaded,
		"Terrain_3_0": StreamUnloaded,
	}
	for name, st := range want {
		tile, _ := w.Tile(name)
		if tile.State != st {
			t.Fatalf("%s: state %s want %s", name, tile.State, st)
		}
	}

	if _, ok := w.OriginShift(mgl64.Vec3{200, 0, 0}); ok {
		t.Fatalf("shift below threshold")
	}
	shift, ok := w.OriginShift(mgl64.Vec3{320, 0, 10})
	if !ok || shift.X() != -300 || shift.Z() != 0 {
		t.Fatalf("shift = %v ok=%v", shift, ok)
	}
	tile, _ := w.Tile("Terrain_3_0")
	if tile.Grid.Origin.X() != 0 {
		t.Fatalf("tile 3 origin after shift = %v", tile.Grid.Origin)
	}
	if w.OriginOffset().X() != -300 {
		t.Fatalf("offset = %v", w.OriginOffset())
	}
}

func TestSeaLevelIsReferenceOnly(t *testing.T) {
	w := New()
	if _, err := w.CreateGrid(GridRequest{XTiles: 1, ZTiles: 1, TileSize: 10, TileHeight: 200, Resolution: 3, BaseHeight: 0.25}); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	tile, _ := w.Tile("Terrain_0_0")
	before := tile.Grid.Digest()
	w.SetSeaLevel(SeaRegular, 50)
	w.SetSeaLevel(SeaWorldMap, 100)
	if tile.Grid.Digest() != before {
		t.Fatalf("sea level rewrote heights")
	}
	if got := w.NormalizedSeaLevel(tile, SeaRegular); got != 0.25 {
		t.Fatalf("regular sea level normalized = %v", got)
	}
	if got := w.NormalizedSeaLevel(tile, SeaWorldMap); got != 0.5 {
		t.Fatalf("world map sea level normalized = %v", got)
	}
}

func TestFlattenPaintAndBiomes(t *testing.T) {
	w := New()
	if _, err := w.CreateGrid(GridRequest{XTiles: 2, ZTiles: 2, TileSize: 10, TileHeight: 100, Resolution: 3}); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	if _, err := w.FlattenAll([]string{"Terrain_1_1", "nope"}, 10); !errors.Is(err, ErrUnknownTile) {
		t.Fatalf("expected ErrUnknownTile, got %v", err)
	}
	flat, err := w.FlattenAll([]string{"Terrain_1_1"}, 25)
	if err != nil || len(flat) != 1 {
		t.Fatalf("FlattenAll: %v", err)
	}
	if g := flat[0].Grid; g.MinHeight() != 0.25 || g.MaxHeight() != 0.25 {
		t.Fatalf("flattened min/max %v/%v", g.MinHeight(), g.MaxHeight())
	}
	if err := w.PaintLayer("Terrain_0_0", "rock", []float64{1}); !errors.Is(err, ErrLayerShape) {
		t.Fatalf("expected ErrLayerShape, got %v", err)
	}

	w.AddBiome(Biome{ID: "desert", Center: mgl64.Vec2{0, 0}, Radius: 5, Falloff: 5})
	if v, ok := w.BiomeWeight("desert", mgl64.Vec2{7.5, 0}); !ok || v != 0.5 {
		t.Fatalf("falloff weight = %v %v", v, ok)
	}
	if _, ok := w.BiomeWeight("tundra", mgl64.Vec2{}); ok {
		t.Fatalf("unknown biome reported ok")
	}
	if got := w.TilesIn(mgl64.Vec2{12, 12}, mgl64.Vec2{15, 15}); len(got) != 1 || got[0].Name != "Terrain_1_1" {
		t.Fatalf("TilesIn = %v", got)
	}
}
