package world

import (
	"github.com/go-gl/mathgl/mgl64"

	"terrastamp.ai/internal/terrain/heightgrid"
)

// SeaContext selects which sea level a consumer reads. Both are reference
// planes only; changing them never rewrites tile heights.
type SeaContext string

const (
	SeaRegular  SeaContext = "regular"
	SeaWorldMap SeaContext = "world_map"
)

// SetSeaLevel sets the sea level in world meters for one context.
func (w *World) SetSeaLevel(sc SeaContext, meters float64) {
	if sc == "" {
		sc = SeaRegular
	}
	w.seaLevel[sc] = meters
}

func (w *World) SeaLevel(sc SeaContext) float64 {
	if sc == "" {
		sc = SeaRegular
	}
	return w.seaLevel[sc]
}

// NormalizedSeaLevel expresses the sea level in t's normalized height range.
func (w *World) NormalizedSeaLevel(t *Tile, sc SeaContext) float64 {
	g := t.Grid
	return (w.SeaLevel(sc) - g.Origin.Y()) / g.HeightScale()
}

// Biome is a circular world region with a soft edge.
type Biome struct {
	ID      string     `json:"id"`
	Center  mgl64.Vec2 `json:"center"`
	Radius  float64    `json:"radius"`
	Falloff float64    `json:"falloff,omitempty"`
}

func (w *World) AddBiome(b Biome) {
	w.biomes[b.ID] = b
}

func (w *World) RemoveBiome(id string) {
	delete(w.biomes, id)
}

func (w *World) Biomes() []Biome {
	out := make([]Biome, 0, len(w.biomes))
	for _, id := range sortedKeys(w.biomes) {
		out = append(out, w.biomes[id])
	}
	return out
}

// BiomeWeight implements mask.BiomeSampler: 1 inside the radius, fading to 0
// across Falloff. ok is false for an unknown biome.
func (w *World) BiomeWeight(id string, p mgl64.Vec2) (float64, bool) {
	b, ok := w.biomes[id]
	if !ok {
		return 0, false
	}
	d := p.Sub(b.Center).Len()
	if d <= b.Radius {
		return 1, true
	}
	if b.Falloff <= 0 {
		return 0, true
	}
	return heightgrid.Clamp01(1 - (d-b.Radius)/b.Falloff), true
}
