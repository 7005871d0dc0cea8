package ops

import (
	"context"
	"math"

	"terrastamp.ai/internal/terrain/heightgrid"
)

// StampHeight values are normalized into the tile's height range.

type RaiseHeight struct {
	StampHeight float64 `json:"stamp_height"`
}

type LowerHeight struct {
	StampHeight float64 `json:"stamp_height"`
}

type BlendHeight struct {
	StampHeight   float64 `json:"stamp_height"`
	BlendStrength float64 `json:"blend_strength"`
}

type SetHeight struct {
	StampHeight float64 `json:"stamp_height"`
}

// AddHeight and SubtractHeight share one signed parameter in meters. The sign
// decides which of the two is applied; see ResolveAbsoluteHeight.
type AddHeight struct {
	Meters float64 `json:"meters"`
}

type SubtractHeight struct {
	Meters float64 `json:"meters"`
}

// MixHeight blends toward the stamp with a biased crossover. MidPoint is the
// weight that yields a 50% mix; Strength scales the result up to 2 and 0
// leaves the tile untouched. Both default when absent from a settings payload.
type MixHeight struct {
	StampHeight float64 `json:"stamp_height"`
	MidPoint    float64 `json:"mid_point"`
	Strength    float64 `json:"strength"`
}

func (*RaiseHeight) Kind() Kind    { return KindRaiseHeight }
func (*LowerHeight) Kind() Kind    { return KindLowerHeight }
func (*BlendHeight) Kind() Kind    { return KindBlendHeight }
func (*SetHeight) Kind() Kind      { return KindSetHeight }
func (*AddHeight) Kind() Kind      { return KindAddHeight }
func (*SubtractHeight) Kind() Kind { return KindSubtractHeight }
func (*MixHeight) Kind() Kind      { return KindMixHeight }

// ResolveAbsoluteHeight reclassifies Add/Subtract by the sign of Meters:
// positive is always AddHeight, negative always SubtractHeight, zero is left
// as chosen. Other kinds pass through. Applying it twice changes nothing.
func ResolveAbsoluteHeight(f Feature) Feature {
	switch v := f.(type) {
	case *AddHeight:
		if v.Meters < 0 {
			return &SubtractHeight{Meters: v.Meters}
		}
	case *SubtractHeight:
		if v.Meters > 0 {
			return &AddHeight{Meters: v.Meters}
		}
	}
	return f
}

func (o *RaiseHeight) apply(_ context.Context, a *applier) error {
	for i, h := range a.h {
		v := blend(h, a.stamp(i, o.StampHeight), a.weight(i))
		a.h[i] = heightgrid.Clamp01(math.Max(h, v))
	}
	return nil
}

func (o *LowerHeight) apply(_ context.Context, a *applier) error {
	for i, h := range a.h {
		v := blend(h, a.stamp(i, o.StampHeight), a.weight(i))
		a.h[i] = heightgrid.Clamp01(math.Min(h, v))
	}
	return nil
}

func (o *BlendHeight) apply(_ context.Context, a *applier) error {
	strength := heightgrid.Clamp01(o.BlendStrength)
	for i, h := range a.h {
		a.h[i] = heightgrid.Clamp01(blend(h, a.stamp(i, o.StampHeight), a.weight(i)*strength))
	}
	return nil
}

func (o *SetHeight) apply(_ context.Context, a *applier) error {
	for i, h := range a.h {
		a.h[i] = heightgrid.Clamp01(blend(h, a.stamp(i, o.StampHeight), a.weight(i)))
	}
	return nil
}

func (o *AddHeight) apply(_ context.Context, a *applier) error {
	offsetMeters(a, o.Meters)
	return nil
}

func (o *SubtractHeight) apply(_ context.Context, a *applier) error {
	offsetMeters(a, o.Meters)
	return nil
}

func offsetMeters(a *applier, meters float64) {
	scale := a.g.HeightScale()
	if meters == 0 || scale <= 0 {
		return
	}
	delta := meters / scale
	for i, h := range a.h {
		a.h[i] = heightgrid.Clamp01(h + delta*a.weight(i))
	}
}

func (o *MixHeight) apply(_ context.Context, a *applier) error {
	mid := math.Min(math.Max(o.MidPoint, 0.01), 0.99)
	if o.MidPoint == 0 {
		mid = 0.5
	}
	strength := math.Min(o.Strength, 2)
	if strength <= 0 {
		return nil
	}
	// exponent maps mid to 0.5: mid^k = 0.5
	k := math.Log(0.5) / math.Log(mid)
	for i, h := range a.h {
		w := a.weight(i)
		f := heightgrid.Clamp01(math.Pow(w, k) * strength)
		a.h[i] = heightgrid.Clamp01(blend(h, a.stamp(i, o.StampHeight), f))
	}
	return nil
}
