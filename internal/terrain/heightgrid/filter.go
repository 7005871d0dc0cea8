package heightgrid

// BoxBlur blurs a width x depth buffer in place with a separable box filter,
// clamping at the edges.
func BoxBlur(buf []float64, width, depth, radius int) {
	if radius <= 0 || len(buf) == 0 {
		return
	}
	tmp := make([]float64, len(buf))
	win := float64(2*radius + 1)
	for z := 0; z < depth; z++ {
		row := z * width
		for x := 0; x < width; x++ {
			sum := 0.0
			for k := -radius; k <= radius; k++ {
				sum += buf[clampInt(x+k, 0, width-1)+row]
			}
			tmp[x+row] = sum / win
		}
	}
	for z := 0; z < depth; z++ {
		for x := 0; x < width; x++ {
			sum := 0.0
			for k := -radius; k <= radius; k++ {
				sum += tmp[x+clampInt(z+k, 0, depth-1)*width]
			}
			buf[x+z*width] = sum / win
		}
	}
}

// Neighbours4 lists the in-bounds 4-connected neighbours of index i.
func Neighbours4(i, width, depth int, out []int) []int {
	out = out[:0]
	x, z := i%width, i/width
	if x > 0 {
		out = append(out, i-1)
	}
	if x < width-1 {
		out = append(out, i+1)
	}
	if z > 0 {
		out = append(out, i-width)
	}
	if z < depth-1 {
		out = append(out, i+width)
	}
	return out
}
