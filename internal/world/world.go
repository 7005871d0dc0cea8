package world

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"terrastamp.ai/internal/terrain/heightgrid"
	"terrastamp.ai/internal/terrain/mask"
	"terrastamp.ai/internal/terrain/noise"
)

var (
	ErrEmptyGrid     = errors.New("world: grid request has no tiles")
	ErrBadRequest    = errors.New("world: invalid grid request")
	ErrTerrainExists = errors.New("world: terrain already exists")
	ErrUnknownTile   = errors.New("world: unknown tile")
	ErrLayerShape    = errors.New("world: layer does not match tile resolution")
)

type StreamState string

const (
	StreamLoaded       StreamState = "loaded"
	StreamUnloaded     StreamState = "unloaded"
	StreamColliderOnly StreamState = "collider_only"
)

type Tile struct {
	Name  string
	X, Z  int
	Grid  *heightgrid.Grid
	State StreamState
	// Layers holds painted weights by layer name, shaped like Grid.
	Layers map[string][]float64
}

func TileName(x, z int) string { return fmt.Sprintf("Terrain_%d_%d", x, z) }

// Bounds is the tile's world XZ rectangle.
func (t *Tile) Bounds() (min, max mgl64.Vec2) {
	o := t.Grid.Origin
	s := t.Grid.Size
	return mgl64.Vec2{o.X(), o.Z()}, mgl64.Vec2{o.X() + s.X(), o.Z() + s.Z()}
}

func (t *Tile) Center() mgl64.Vec2 {
	min, max := t.Bounds()
	return min.Add(max).Mul(0.5)
}

// World owns the tile grid plus the world-wide reference data that masks and
// operations read: sea levels, biome regions and the floating origin.
type World struct {
	req   GridRequest
	tiles map[string]*Tile
	order []string

	seaLevel     map[SeaContext]float64
	biomes       map[string]Biome
	originOffset mgl64.Vec3
}

func New() *World {
	return &World{
		tiles:    map[string]*Tile{},
		seaLevel: map[SeaContext]float64{},
		biomes:   map[string]Biome{},
	}
}

func (w *World) HasTerrain() bool { return len(w.tiles) > 0 }

// Request returns the request the current grid was created from.
func (w *World) Request() GridRequest { return w.req }

// CreateGrid builds an XTiles x ZTiles grid of identical, contiguous tiles.
// The request is validated completely before any tile exists.
func (w *World) CreateGrid(req GridRequest) ([]*Tile, error) {
	if req.XTiles <= 0 || req.ZTiles <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrEmptyGrid, req.XTiles, req.ZTiles)
	}
	if req.TileSize <= 0 || req.TileHeight <= 0 {
		return nil, fmt.Errorf("%w: tile size %v, height %v", ErrBadRequest, req.TileSize, req.TileHeight)
	}
	if w.HasTerrain() {
		return nil, ErrTerrainExists
	}
	req.applyDefaults()

	size := mgl64.Vec3{req.TileSize, req.TileHeight, req.TileSize}
	tiles := make([]*Tile, 0, req.XTiles*req.ZTiles)
	for z := 0; z < req.ZTiles; z++ {
		for x := 0; x < req.XTiles; x++ {
			origin := req.Origin.Add(mgl64.Vec3{float64(x) * req.TileSize, 0, float64(z) * req.TileSize})
			g, err := heightgrid.New(req.Resolution, req.Resolution, origin, size)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
			}
			fillBase(g, req)
			tiles = append(tiles, &Tile{
				Name:   TileName(x, z),
				X:      x,
				Z:      z,
				Grid:   g,
				State:  StreamLoaded,
				Layers: map[string][]float64{},
			})
		}
	}

	w.req = req
	w.originOffset = mgl64.Vec3{}
	for _, t := range tiles {
		w.tiles[t.Name] = t
		w.order = append(w.order, t.Name)
	}
	return tiles, nil
}

func fillBase(g *heightgrid.Grid, req GridRequest) {
	if req.BaseNoise == nil {
		g.Fill(req.BaseHeight)
		g.RecomputeMinMax()
		return
	}
	for z := 0; z < g.Depth; z++ {
		for x := 0; x < g.Width; x++ {
			p := g.LocalToWorld(x, z)
			g.Set(x, z, noise.Sample(*req.BaseNoise, p.X(), p.Y()))
		}
	}
	g.RecomputeMinMax()
}

// Restore installs previously built tiles, e.g. from a snapshot. Every tile
// must match req's shape.
func (w *World) Restore(req GridRequest, tiles []*Tile) error {
	if w.HasTerrain() {
		return ErrTerrainExists
	}
	if len(tiles) != req.XTiles*req.ZTiles || len(tiles) == 0 {
		return fmt.Errorf("%w: %d tiles for %dx%d", ErrBadRequest, len(tiles), req.XTiles, req.ZTiles)
	}
	sorted := append([]*Tile(nil), tiles...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Z != sorted[j].Z {
			return sorted[i].Z < sorted[j].Z
		}
		return sorted[i].X < sorted[j].X
	})
	for _, t := range sorted {
		if t.Grid == nil || t.Grid.Width != req.Resolution || t.Grid.Depth != req.Resolution {
			return fmt.Errorf("%w: tile %s shape", ErrBadRequest, t.Name)
		}
		if t.Layers == nil {
			t.Layers = map[string][]float64{}
		}
	}
	w.req = req
	for _, t := range sorted {
		w.tiles[t.Name] = t
		w.order = append(w.order, t.Name)
	}
	// Tiles carry their shifted origins; the offset is whatever separates the
	// first tile from where CreateGrid placed it.
	first := sorted[0]
	placed := req.Origin.Add(mgl64.Vec3{float64(first.X) * req.TileSize, 0, float64(first.Z) * req.TileSize})
	w.originOffset = first.Grid.Origin.Sub(placed)
	return nil
}

// Destroy removes all tiles. Sea levels and biomes are kept.
func (w *World) Destroy() {
	w.tiles = map[string]*Tile{}
	w.order = nil
	w.req = GridRequest{}
	w.originOffset = mgl64.Vec3{}
}

func (w *World) Tile(name string) (*Tile, bool) {
	t, ok := w.tiles[name]
	return t, ok
}

// Grid implements undo.Grids.
func (w *World) Grid(name string) (*heightgrid.Grid, bool) {
	t, ok := w.tiles[name]
	if !ok {
		return nil, false
	}
	return t.Grid, true
}

// Tiles returns tiles in row-major order (z, then x).
func (w *World) Tiles() []*Tile {
	out := make([]*Tile, 0, len(w.order))
	for _, name := range w.order {
		out = append(out, w.tiles[name])
	}
	return out
}

func (w *World) TileNames() []string {
	return append([]string(nil), w.order...)
}

// Lookup resolves names to tiles, failing on the first unknown name.
func (w *World) Lookup(names []string) ([]*Tile, error) {
	out := make([]*Tile, 0, len(names))
	for _, name := range names {
		t, ok := w.tiles[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTile, name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Extents is the world size covered by the grid along x and z.
func (w *World) Extents() mgl64.Vec2 {
	if !w.HasTerrain() {
		return mgl64.Vec2{}
	}
	return mgl64.Vec2{float64(w.req.XTiles) * w.req.TileSize, float64(w.req.ZTiles) * w.req.TileSize}
}

// TilesIn returns the tiles whose bounds intersect the given rectangle.
func (w *World) TilesIn(min, max mgl64.Vec2) []*Tile {
	var out []*Tile
	for _, t := range w.Tiles() {
		tmin, tmax := t.Bounds()
		if tmax.X() < min.X() || tmin.X() > max.X() || tmax.Y() < min.Y() || tmin.Y() > max.Y() {
			continue
		}
		out = append(out, t)
	}
	return out
}

// FlattenAll sets every sample of the named tiles (all tiles when names is
// empty) to height meters above each tile's base.
func (w *World) FlattenAll(names []string, height float64) ([]*Tile, error) {
	tiles := w.Tiles()
	if len(names) > 0 {
		var err error
		if tiles, err = w.Lookup(names); err != nil {
			return nil, err
		}
	}
	for _, t := range tiles {
		t.Grid.Fill(height / t.Grid.HeightScale())
		t.Grid.RecomputeMinMax()
	}
	return tiles, nil
}

// PaintLayer stores painted weights for a tile, replacing any previous paint.
func (w *World) PaintLayer(tile, layer string, weights []float64) error {
	t, ok := w.tiles[tile]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTile, tile)
	}
	if len(weights) != t.Grid.Len() {
		return fmt.Errorf("%w: %d weights for %d samples", ErrLayerShape, len(weights), t.Grid.Len())
	}
	buf := make([]float64, len(weights))
	for i, v := range weights {
		buf[i] = heightgrid.Clamp01(v)
	}
	t.Layers[layer] = buf
	return nil
}

// EraseLayer removes a painted layer from a tile. Erasing a layer that was
// never painted is not an error.
func (w *World) EraseLayer(tile, layer string) error {
	t, ok := w.tiles[tile]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTile, tile)
	}
	delete(t.Layers, layer)
	return nil
}

// Layers and SetLayers implement undo.LayerStore.
func (w *World) Layers(tile string) map[string][]float64 {
	if t, ok := w.tiles[tile]; ok {
		return t.Layers
	}
	return nil
}

func (w *World) SetLayers(tile string, layers map[string][]float64) {
	if t, ok := w.tiles[tile]; ok {
		t.Layers = layers
	}
}

// MaskContext is the read-only view a mask stack evaluates against.
func (w *World) MaskContext(t *Tile, sc SeaContext) mask.Context {
	return mask.Context{
		Grid:     t.Grid,
		Layers:   t.Layers,
		Biomes:   w,
		SeaLevel: w.NormalizedSeaLevel(t, sc),
	}
}

// Stats summarises the world's height range in meters.
func (w *World) Stats() (min, max float64) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, t := range w.tiles {
		min = math.Min(min, t.Grid.WorldMin())
		max = math.Max(max, t.Grid.WorldMax())
	}
	return min, max
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
