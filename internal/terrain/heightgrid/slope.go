package heightgrid

import "math"

// SlopeDegrees is the steepness at (x,z) from central differences in world units.
func (g *Grid) SlopeDegrees(x, z int) float64 {
	return SlopeDegrees(g.samples, g.Width, g.Depth, g.Size.Y(), g.Size.X()/float64(g.Width-1), g.Size.Z()/float64(g.Depth-1), x, z)
}

// SlopeDegrees computes steepness for an arbitrary normalized buffer.
func SlopeDegrees(buf []float64, width, depth int, heightScale, cellX, cellZ float64, x, z int) float64 {
	at := func(ix, iz int) float64 {
		return buf[clampInt(ix, 0, width-1)+clampInt(iz, 0, depth-1)*width]
	}
	dx := (at(x+1, z) - at(x-1, z)) * heightScale / (2 * cellX)
	dz := (at(x, z+1) - at(x, z-1)) * heightScale / (2 * cellZ)
	return math.Atan(math.Hypot(dx, dz)) * 180 / math.Pi
}
