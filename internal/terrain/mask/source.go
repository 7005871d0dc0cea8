package mask

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"terrastamp.ai/internal/terrain/heightgrid"
	"terrastamp.ai/internal/terrain/noise"
)

type SourceKind string

const (
	SourceConstant   SourceKind = "constant"
	SourceBitmap     SourceKind = "bitmap"
	SourceNoise      SourceKind = "noise"
	SourceLayer      SourceKind = "layer"
	SourceBiome      SourceKind = "biome"
	SourceTileHeight SourceKind = "tile_height"
	SourceSlope      SourceKind = "slope"
)

// Bitmap is a single-channel image with values in [0,1], row-major.
type Bitmap struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Data   []float64 `json:"data"`
}

func (b *Bitmap) valid() bool {
	return b != nil && b.Width >= 2 && b.Height >= 2 && len(b.Data) == b.Width*b.Height
}

// Placement positions a bitmap in world space (XZ plane).
type Placement struct {
	CenterX  float64 `json:"center_x"`
	CenterZ  float64 `json:"center_z"`
	SizeX    float64 `json:"size_x"`
	SizeZ    float64 `json:"size_z"`
	Rotation float64 `json:"rotation,omitempty"`
}

func (p Placement) Center() mgl64.Vec2 { return mgl64.Vec2{p.CenterX, p.CenterZ} }

// UV maps a world position into placement-local coordinates; ok is false outside.
func (p Placement) UV(world mgl64.Vec2) (u, v float64, ok bool) {
	if p.SizeX <= 0 || p.SizeZ <= 0 {
		return 0, 0, false
	}
	local := world.Sub(p.Center())
	if p.Rotation != 0 {
		local = mgl64.Rotate2D(-mgl64.DegToRad(p.Rotation)).Mul2x1(local)
	}
	u = local.X()/p.SizeX + 0.5
	v = local.Y()/p.SizeZ + 0.5
	return u, v, u >= 0 && u <= 1 && v >= 0 && v <= 1
}

// Bounds returns the axis-aligned world rectangle covered by the placement.
func (p Placement) Bounds() (min, max mgl64.Vec2) {
	hx, hz := p.SizeX/2, p.SizeZ/2
	corners := []mgl64.Vec2{{-hx, -hz}, {hx, -hz}, {hx, hz}, {-hx, hz}}
	rot := mgl64.Rotate2D(mgl64.DegToRad(p.Rotation))
	min = mgl64.Vec2{math.Inf(1), math.Inf(1)}
	max = mgl64.Vec2{math.Inf(-1), math.Inf(-1)}
	for _, c := range corners {
		w := rot.Mul2x1(c).Add(p.Center())
		min = mgl64.Vec2{math.Min(min.X(), w.X()), math.Min(min.Y(), w.Y())}
		max = mgl64.Vec2{math.Max(max.X(), w.X()), math.Max(max.Y(), w.Y())}
	}
	return min, max
}

// Source produces a node's raw samples.
type Source struct {
	Kind      SourceKind    `json:"kind"`
	Value     float64       `json:"value,omitempty"`
	Bitmap    *Bitmap       `json:"bitmap,omitempty"`
	Placement *Placement    `json:"placement,omitempty"`
	Noise     *noise.Params `json:"noise,omitempty"`
	Layer     string        `json:"layer,omitempty"`
	Biome     string        `json:"biome,omitempty"`
}

// BiomeSampler resolves world-biome membership weights.
type BiomeSampler interface {
	BiomeWeight(id string, p mgl64.Vec2) (float64, bool)
}

// Context is the read-only tile state a mask stack is evaluated against.
type Context struct {
	Grid   *heightgrid.Grid
	Layers map[string][]float64
	Biomes BiomeSampler
	// SeaLevel is normalized into the tile's height range.
	SeaLevel float64
}

// Raw evaluates a source alone, without any node processing. ok is false
// when the source is missing or unusable.
func Raw(ctx Context, s *Source) ([]float64, bool) {
	g := ctx.Grid
	buf := make([]float64, g.Width*g.Depth)
	if !s.raw(ctx, buf) {
		return nil, false
	}
	return buf, true
}

// raw fills buf from the source; ok is false when the source is missing or
// unusable, in which case the caller substitutes a neutral buffer.
func (s *Source) raw(ctx Context, buf []float64) bool {
	if s == nil {
		return false
	}
	g := ctx.Grid
	switch s.Kind {
	case SourceConstant:
		v := heightgrid.Clamp01(s.Value)
		for i := range buf {
			buf[i] = v
		}
		return true

	case SourceBitmap:
		if !s.Bitmap.valid() {
			return false
		}
		bm := s.Bitmap
		for z := 0; z < g.Depth; z++ {
			for x := 0; x < g.Width; x++ {
				var u, v float64
				if s.Placement != nil {
					var ok bool
					u, v, ok = s.Placement.UV(g.LocalToWorld(x, z))
					if !ok {
						buf[g.Index(x, z)] = 0
						continue
					}
				} else {
					u = float64(x) / float64(g.Width-1)
					v = float64(z) / float64(g.Depth-1)
				}
				buf[g.Index(x, z)] = heightgrid.Clamp01(heightgrid.Bilinear(bm.Data, bm.Width, bm.Height, u, v))
			}
		}
		return true

	case SourceNoise:
		if s.Noise == nil {
			return false
		}
		for z := 0; z < g.Depth; z++ {
			for x := 0; x < g.Width; x++ {
				p := g.LocalToWorld(x, z)
				buf[g.Index(x, z)] = noise.Sample(*s.Noise, p.X(), p.Y())
			}
		}
		return true

	case SourceLayer:
		layer, ok := ctx.Layers[s.Layer]
		if !ok || len(layer) != len(buf) {
			return false
		}
		for i, v := range layer {
			buf[i] = heightgrid.Clamp01(v)
		}
		return true

	case SourceBiome:
		if ctx.Biomes == nil || s.Biome == "" {
			return false
		}
		if _, ok := ctx.Biomes.BiomeWeight(s.Biome, g.LocalToWorld(0, 0)); !ok {
			return false
		}
		for z := 0; z < g.Depth; z++ {
			for x := 0; x < g.Width; x++ {
				w, _ := ctx.Biomes.BiomeWeight(s.Biome, g.LocalToWorld(x, z))
				buf[g.Index(x, z)] = heightgrid.Clamp01(w)
			}
		}
		return true

	case SourceTileHeight:
		copy(buf, g.Samples())
		return true

	case SourceSlope:
		for z := 0; z < g.Depth; z++ {
			for x := 0; x < g.Width; x++ {
				buf[g.Index(x, z)] = g.SlopeDegrees(x, z) / 90
			}
		}
		return true
	}
	return false
}
