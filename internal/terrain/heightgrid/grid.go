package heightgrid

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

var ErrBadShape = errors.New("heightgrid: bad shape")

// Grid is a tile's height buffer. Samples are normalized into the tile's
// declared height range [0,1]; Size.Y() is that range in meters.
type Grid struct {
	Width int
	Depth int

	// Origin is the world-space position of sample (0,0).
	Origin mgl64.Vec3
	// Size is tile width, height range and tile depth in world units.
	Size mgl64.Vec3
	// Rotation about the Y axis in degrees.
	Rotation float64

	samples []float64

	minH, maxH float64
}

func New(width, depth int, origin, size mgl64.Vec3) (*Grid, error) {
	if width < 2 || depth < 2 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadShape, width, depth)
	}
	if size.X() <= 0 || size.Z() <= 0 || size.Y() <= 0 {
		return nil, fmt.Errorf("%w: size %v", ErrBadShape, size)
	}
	return &Grid{
		Width:   width,
		Depth:   depth,
		Origin:  origin,
		Size:    size,
		samples: make([]float64, width*depth),
	}, nil
}

func (g *Grid) Index(x, z int) int { return x + z*g.Width }

func (g *Grid) Len() int { return len(g.samples) }

func (g *Grid) At(x, z int) float64 {
	return g.samples[g.Index(clampInt(x, 0, g.Width-1), clampInt(z, 0, g.Depth-1))]
}

// Set writes a sample clamped into [0,1]. Callers must RecomputeMinMax afterwards.
func (g *Grid) Set(x, z int, v float64) {
	g.samples[g.Index(x, z)] = Clamp01(v)
}

// Samples returns the live backing slice (row-major, x fastest).
func (g *Grid) Samples() []float64 { return g.samples }

func (g *Grid) Fill(v float64) {
	v = Clamp01(v)
	for i := range g.samples {
		g.samples[i] = v
	}
	g.minH, g.maxH = v, v
}

// RecomputeMinMax clamps every sample into range and refreshes the cached extremes.
func (g *Grid) RecomputeMinMax() {
	if len(g.samples) == 0 {
		g.minH, g.maxH = 0, 0
		return
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range g.samples {
		if math.IsNaN(v) {
			v = 0
		}
		v = Clamp01(v)
		g.samples[i] = v
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	g.minH, g.maxH = lo, hi
}

func (g *Grid) MinHeight() float64 { return g.minH }
func (g *Grid) MaxHeight() float64 { return g.maxH }

// HeightScale is the declared height range in meters.
func (g *Grid) HeightScale() float64 { return g.Size.Y() }

func (g *Grid) WorldMin() float64 { return g.Origin.Y() + g.minH*g.Size.Y() }
func (g *Grid) WorldMax() float64 { return g.Origin.Y() + g.maxH*g.Size.Y() }

// CellSize is the world distance between neighbouring samples along x and z.
func (g *Grid) CellSize() (float64, float64) {
	return g.Size.X() / float64(g.Width-1), g.Size.Z() / float64(g.Depth-1)
}

// Sample returns the bilinear height at normalized coordinates u,v in [0,1].
func (g *Grid) Sample(u, v float64) float64 {
	return Bilinear(g.samples, g.Width, g.Depth, u, v)
}

// LocalToWorld returns the world XZ position of sample (x,z).
func (g *Grid) LocalToWorld(x, z int) mgl64.Vec2 {
	u := float64(x) / float64(g.Width-1)
	v := float64(z) / float64(g.Depth-1)
	local := mgl64.Vec2{u * g.Size.X(), v * g.Size.Z()}
	if g.Rotation != 0 {
		local = mgl64.Rotate2D(mgl64.DegToRad(g.Rotation)).Mul2x1(local)
	}
	return mgl64.Vec2{g.Origin.X() + local.X(), g.Origin.Z() + local.Y()}
}

// WorldToUV maps a world XZ position into this tile's normalized coordinates.
// ok is false when the point lies outside the tile.
func (g *Grid) WorldToUV(p mgl64.Vec2) (u, v float64, ok bool) {
	local := mgl64.Vec2{p.X() - g.Origin.X(), p.Y() - g.Origin.Z()}
	if g.Rotation != 0 {
		local = mgl64.Rotate2D(-mgl64.DegToRad(g.Rotation)).Mul2x1(local)
	}
	u = local.X() / g.Size.X()
	v = local.Y() / g.Size.Z()
	return u, v, u >= 0 && u <= 1 && v >= 0 && v <= 1
}

func (g *Grid) Clone() *Grid {
	c := *g
	c.samples = make([]float64, len(g.samples))
	copy(c.samples, g.samples)
	return &c
}

// CopyFrom replaces the samples with other's; shapes must match.
func (g *Grid) CopyFrom(other *Grid) error {
	if other.Width != g.Width || other.Depth != g.Depth {
		return fmt.Errorf("%w: copy %dx%d into %dx%d", ErrBadShape, other.Width, other.Depth, g.Width, g.Depth)
	}
	copy(g.samples, other.samples)
	g.RecomputeMinMax()
	return nil
}

// Digest hashes the shape and samples.
func (g *Grid) Digest() string {
	h := sha256.New()
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(g.Width))
	h.Write(tmp[:])
	binary.LittleEndian.PutUint64(tmp[:], uint64(g.Depth))
	h.Write(tmp[:])
	for _, v := range g.samples {
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
		h.Write(tmp[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Bilinear samples a width x depth buffer at normalized coordinates.
func Bilinear(buf []float64, width, depth int, u, v float64) float64 {
	fx := Clamp01(u) * float64(width-1)
	fz := Clamp01(v) * float64(depth-1)
	x0 := int(math.Floor(fx))
	z0 := int(math.Floor(fz))
	x1 := clampInt(x0+1, 0, width-1)
	z1 := clampInt(z0+1, 0, depth-1)
	tx := fx - float64(x0)
	tz := fz - float64(z0)
	a := Lerp(buf[x0+z0*width], buf[x1+z0*width], tx)
	b := Lerp(buf[x0+z1*width], buf[x1+z1*width], tx)
	return Lerp(a, b, tz)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
