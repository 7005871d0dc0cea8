package ops

import (
	"context"
	"math"

	"terrastamp.ai/internal/terrain/curve"
	"terrastamp.ai/internal/terrain/heightgrid"
)

// Contrast exaggerates height relative to a local average. FeatureSize is the
// neighbourhood in world units; Strength 0 leaves the tile unchanged.
type Contrast struct {
	FeatureSize float64 `json:"feature_size"`
	Strength    float64 `json:"strength"`
}

// Terrace quantizes height into Count bands. Bevel is the fraction of each band
// that ramps smoothly into the next one.
type Terrace struct {
	Count int     `json:"count"`
	Bevel float64 `json:"bevel,omitempty"`
}

type SharpenRidges struct {
	Iterations  int     `json:"iterations"`
	MixStrength float64 `json:"mix_strength"`
}

type HeightTransform struct {
	Curve curve.Curve `json:"curve"`
}

type PowerOf struct {
	Exponent float64 `json:"exponent"`
}

// Smooth blurs by Radius samples. Verticality in [-1,1] biases the blur:
// negative flattens steep slopes harder, positive preserves them.
type Smooth struct {
	Radius      int     `json:"radius"`
	Verticality float64 `json:"verticality,omitempty"`
}

func (*Contrast) Kind() Kind        { return KindContrast }
func (*Terrace) Kind() Kind         { return KindTerrace }
func (*SharpenRidges) Kind() Kind   { return KindSharpenRidges }
func (*HeightTransform) Kind() Kind { return KindHeightTransform }
func (*PowerOf) Kind() Kind         { return KindPowerOf }
func (*Smooth) Kind() Kind          { return KindSmooth }

func (o *Contrast) apply(_ context.Context, a *applier) error {
	if o.FeatureSize <= 0 || o.Strength == 0 {
		return nil
	}
	cellX, _ := a.g.CellSize()
	radius := int(math.Round(o.FeatureSize / cellX))
	if radius < 1 {
		radius = 1
	}
	blur := append([]float64(nil), a.h...)
	heightgrid.BoxBlur(blur, a.g.Width, a.g.Depth, radius)
	for i, h := range a.h {
		v := blur[i] + (h-blur[i])*(1+o.Strength)
		a.h[i] = heightgrid.Clamp01(blend(h, v, a.weight(i)))
	}
	return nil
}

func (o *Terrace) apply(_ context.Context, a *applier) error {
	if o.Count < 2 {
		return nil
	}
	n := float64(o.Count)
	bevel := heightgrid.Clamp01(o.Bevel)
	for i, h := range a.h {
		a.h[i] = heightgrid.Clamp01(blend(h, terrace(h, n, bevel), a.weight(i)))
	}
	return nil
}

func terrace(h, n, bevel float64) float64 {
	pos := heightgrid.Clamp01(h) * n
	band := math.Min(math.Floor(pos), n-1)
	lo := band / (n - 1)
	if bevel <= 0 || band >= n-1 {
		return lo
	}
	t := pos - band
	start := 1 - bevel
	if t <= start {
		return lo
	}
	s := (t - start) / bevel
	s = s * s * (3 - 2*s)
	return heightgrid.Lerp(lo, (band+1)/(n-1), s)
}

func (o *SharpenRidges) apply(ctx context.Context, a *applier) error {
	if o.Iterations <= 0 || o.MixStrength == 0 {
		return nil
	}
	w, d := a.g.Width, a.g.Depth
	prev := make([]float64, len(a.h))
	for it := 0; it < o.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		copy(prev, a.h)
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				i := x + z*w
				sum, cnt := 0.0, 0
				for dz := -1; dz <= 1; dz++ {
					for dx := -1; dx <= 1; dx++ {
						nx, nz := x+dx, z+dz
						if (dx == 0 && dz == 0) || nx < 0 || nz < 0 || nx >= w || nz >= d {
							continue
						}
						sum += prev[nx+nz*w]
						cnt++
					}
				}
				// above the neighbourhood average is ridge, below is valley
				diff := prev[i] - sum/float64(cnt)
				a.h[i] = heightgrid.Clamp01(prev[i] + diff*o.MixStrength*a.weight(i))
			}
		}
		a.progress("sharpen", it+1, o.Iterations)
	}
	return nil
}

func (o *HeightTransform) apply(_ context.Context, a *applier) error {
	if o.Curve.IsIdentity() {
		return nil
	}
	remap := o.Curve.Evaluator()
	for i, h := range a.h {
		a.h[i] = heightgrid.Clamp01(blend(h, remap(h), a.weight(i)))
	}
	return nil
}

func (o *PowerOf) apply(_ context.Context, a *applier) error {
	if o.Exponent <= 0 || o.Exponent == 1 {
		return nil
	}
	for i, h := range a.h {
		a.h[i] = heightgrid.Clamp01(blend(h, math.Pow(heightgrid.Clamp01(h), o.Exponent), a.weight(i)))
	}
	return nil
}

func (o *Smooth) apply(_ context.Context, a *applier) error {
	if o.Radius <= 0 {
		return nil
	}
	w, d := a.g.Width, a.g.Depth
	blur := append([]float64(nil), a.h...)
	heightgrid.BoxBlur(blur, w, d, o.Radius)
	v := math.Max(-1, math.Min(1, o.Verticality))
	cellX, cellZ := a.g.CellSize()
	orig := append([]float64(nil), a.h...)
	for z := 0; z < d; z++ {
		for x := 0; x < w; x++ {
			i := x + z*w
			f := 1.0
			if v != 0 {
				s := heightgrid.SlopeDegrees(orig, w, d, a.g.HeightScale(), cellX, cellZ, x, z) / 90
				if v < 0 {
					f = heightgrid.Lerp(1, s, -v)
				} else {
					f = heightgrid.Lerp(1, 1-s, v)
				}
			}
			a.h[i] = heightgrid.Clamp01(blend(orig[i], blur[i], a.weight(i)*f))
		}
	}
	return nil
}
