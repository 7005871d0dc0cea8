package heightgrid

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

const codecVersion = 1

// header: version u32, width u32, depth u32, origin 3xf64, size 3xf64, rotation f64
const headerLen = 4 + 4 + 4 + 7*8

// Encode serializes the grid into a self-contained little-endian buffer.
func (g *Grid) Encode() []byte {
	out := make([]byte, headerLen+8*len(g.samples))
	binary.LittleEndian.PutUint32(out[0:], codecVersion)
	binary.LittleEndian.PutUint32(out[4:], uint32(g.Width))
	binary.LittleEndian.PutUint32(out[8:], uint32(g.Depth))
	off := 12
	for _, f := range []float64{
		g.Origin.X(), g.Origin.Y(), g.Origin.Z(),
		g.Size.X(), g.Size.Y(), g.Size.Z(),
		g.Rotation,
	} {
		binary.LittleEndian.PutUint64(out[off:], math.Float64bits(f))
		off += 8
	}
	for _, v := range g.samples {
		binary.LittleEndian.PutUint64(out[off:], math.Float64bits(v))
		off += 8
	}
	return out
}

// Decode rebuilds a grid from Encode output, min/max recomputed.
func Decode(b []byte) (*Grid, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: short buffer (%d bytes)", ErrBadShape, len(b))
	}
	if v := binary.LittleEndian.Uint32(b[0:]); v != codecVersion {
		return nil, fmt.Errorf("heightgrid: unsupported codec version %d", v)
	}
	w := int(binary.LittleEndian.Uint32(b[4:]))
	d := int(binary.LittleEndian.Uint32(b[8:]))
	if len(b) != headerLen+8*w*d {
		return nil, fmt.Errorf("%w: payload length %d for %dx%d", ErrBadShape, len(b), w, d)
	}
	f := func(i int) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b[12+8*i:])) }
	g, err := New(w, d, mgl64.Vec3{f(0), f(1), f(2)}, mgl64.Vec3{f(3), f(4), f(5)})
	if err != nil {
		return nil, err
	}
	g.Rotation = f(6)
	off := headerLen
	for i := range g.samples {
		g.samples[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
		off += 8
	}
	g.RecomputeMinMax()
	return g, nil
}

// RestoreSamples overwrites samples from an encoded buffer of the same shape.
func (g *Grid) RestoreSamples(b []byte) error {
	src, err := Decode(b)
	if err != nil {
		return err
	}
	return g.CopyFrom(src)
}
