package session

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"terrastamp.ai/internal/terrain/heightgrid"
	"terrastamp.ai/internal/terrain/noise"
	"terrastamp.ai/internal/world"
)

// SpawnPoint is a world position handed to placement consumers.
type SpawnPoint struct {
	Tile     string     `json:"tile"`
	Position mgl64.Vec3 `json:"position"`
}

// spawnPoints picks eligible samples of t. Acceptance is hashed from global
// sample coordinates, so results do not depend on tile order, and samples on
// a shared edge belong to the tile with the lower index.
func spawnPoints(w *world.World, t *world.Tile, sp *SpawnSettings) []SpawnPoint {
	g := t.Grid
	req := w.Request()
	density := heightgrid.Clamp01(sp.Density)
	if density == 0 {
		return nil
	}
	layer := t.Layers[sp.Layer]
	if len(layer) != g.Len() {
		layer = nil
	}
	sea := w.SeaLevel(sp.SeaContext)

	maxX, maxZ := g.Width-1, g.Depth-1
	if t.X < req.XTiles-1 {
		maxX--
	}
	if t.Z < req.ZTiles-1 {
		maxZ--
	}

	var out []SpawnPoint
	for z := 0; z <= maxZ; z++ {
		for x := 0; x <= maxX; x++ {
			p := density
			if layer != nil {
				p *= layer[g.Index(x, z)]
			}
			gx := t.X*(g.Width-1) + x
			gz := t.Z*(g.Depth-1) + z
			if unit(noise.Hash2(sp.Seed, gx, gz)) >= p {
				continue
			}
			h := g.Origin.Y() + g.At(x, z)*g.HeightScale()
			if sp.MinHeight != 0 && h < sp.MinHeight {
				continue
			}
			if sp.MaxHeight != 0 && h > sp.MaxHeight {
				continue
			}
			if sp.AboveSea && h <= sea {
				continue
			}
			if sp.MaxSlope > 0 && g.SlopeDegrees(x, z) > sp.MaxSlope {
				continue
			}
			xz := g.LocalToWorld(x, z)
			out = append(out, SpawnPoint{Tile: t.Name, Position: mgl64.Vec3{xz.X(), h, xz.Y()}})
		}
	}
	return out
}

func unit(h uint64) float64 {
	return float64(h>>11) / math.Exp2(53)
}
