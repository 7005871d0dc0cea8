package mask

import (
	"math"

	"terrastamp.ai/internal/terrain/curve"
	"terrastamp.ai/internal/terrain/heightgrid"
)

type CombineMode string

const (
	CombineMultiply CombineMode = "multiply"
	CombineAdd      CombineMode = "add"
	CombineSubtract CombineMode = "subtract"
	CombineMin      CombineMode = "min"
	CombineMax      CombineMode = "max"
)

// Node is one entry of a mask stack. Only evaluation state lives here.
type Node struct {
	Source       *Source     `json:"source,omitempty"`
	Curve        curve.Curve `json:"curve,omitempty"`
	Invert       bool        `json:"invert,omitempty"`
	Normalize    bool        `json:"normalize,omitempty"`
	Smooth       bool        `json:"smooth,omitempty"`
	SmoothRadius int         `json:"smooth_radius,omitempty"`
	Flip         bool        `json:"flip,omitempty"`
	// Base seeds the stack buffer instead of combining into it.
	Base bool `json:"base,omitempty"`
	// Strength scales the node output; nil means 1.
	Strength *float64    `json:"strength,omitempty"`
	Combine  CombineMode `json:"combine,omitempty"`
	Gates    *Gates      `json:"gates,omitempty"`
	Disabled bool        `json:"disabled,omitempty"`
}

// Buffer is a per-sample weight buffer shaped like the tile grid.
type Buffer struct {
	Width   int
	Depth   int
	Weights []float64
}

func Ones(width, depth int) Buffer {
	b := Buffer{Width: width, Depth: depth, Weights: make([]float64, width*depth)}
	for i := range b.Weights {
		b.Weights[i] = 1
	}
	return b
}

// Evaluate composes nodes left to right into one weight buffer in [0,1].
// The grid is only read.
func Evaluate(ctx Context, nodes []Node) Buffer {
	g := ctx.Grid
	out := Ones(g.Width, g.Depth)
	for i := range nodes {
		n := &nodes[i]
		if n.Disabled {
			continue
		}
		buf := n.evaluate(ctx)
		if n.Base {
			out.Weights = buf
			continue
		}
		combine(out.Weights, buf, n.Combine)
	}
	return out
}

// EvaluateNode runs a single node's pipeline.
func EvaluateNode(ctx Context, n Node) Buffer {
	g := ctx.Grid
	return Buffer{Width: g.Width, Depth: g.Depth, Weights: n.evaluate(ctx)}
}

func (n *Node) evaluate(ctx Context) []float64 {
	g := ctx.Grid
	w, d := g.Width, g.Depth
	buf := make([]float64, w*d)
	if !n.Source.raw(ctx, buf) {
		// A broken node is neutral: none of its processing or gates apply.
		return Ones(w, d).Weights
	}
	if n.Flip {
		buf = flip(buf, w, d)
	}
	if n.Invert {
		for i, v := range buf {
			buf[i] = 1 - v
		}
	}
	if n.Normalize {
		normalize(buf)
	}
	if n.Smooth && n.SmoothRadius > 0 {
		heightgrid.BoxBlur(buf, w, d, n.SmoothRadius)
	}
	remap := n.Curve.Evaluator()
	strength := 1.0
	if n.Strength != nil {
		strength = math.Max(*n.Strength, 0)
	}
	for i, v := range buf {
		buf[i] = heightgrid.Clamp01(remap(v) * strength)
	}
	if n.Gates.Len() > 0 {
		applyGates(ctx, n.Gates, buf)
	}
	return buf
}

func combine(dst, src []float64, mode CombineMode) {
	for i, v := range src {
		switch mode {
		case CombineAdd:
			dst[i] = heightgrid.Clamp01(dst[i] + v)
		case CombineSubtract:
			dst[i] = heightgrid.Clamp01(dst[i] - v)
		case CombineMin:
			dst[i] = math.Min(dst[i], v)
		case CombineMax:
			dst[i] = math.Max(dst[i], v)
		default:
			dst[i] *= v
		}
	}
}

// flip swaps the buffer axes, resampling when the buffer is not square.
func flip(buf []float64, w, d int) []float64 {
	out := make([]float64, len(buf))
	if w == d {
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				out[x+z*w] = buf[z+x*w]
			}
		}
		return out
	}
	for z := 0; z < d; z++ {
		for x := 0; x < w; x++ {
			u := float64(x) / float64(w-1)
			v := float64(z) / float64(d-1)
			out[x+z*w] = heightgrid.Bilinear(buf, w, d, v, u)
		}
	}
	return out
}

func normalize(buf []float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range buf {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	if span < 1e-12 {
		return
	}
	for i, v := range buf {
		buf[i] = (v - lo) / span
	}
}

func applyGates(ctx Context, gs *Gates, buf []float64) {
	g := ctx.Grid
	for _, id := range gs.order {
		gate := gs.slots[id]
		if gate.Disabled {
			continue
		}
		var layer []float64
		if gate.Kind == GateInsideLayer {
			l, ok := ctx.Layers[gate.Layer]
			if !ok || len(l) != len(buf) {
				// Unknown layer gates nothing out.
				continue
			}
			layer = l
		}
		for z := 0; z < g.Depth; z++ {
			for x := 0; x < g.Width; x++ {
				i := g.Index(x, z)
				var v float64
				switch gate.Kind {
				case GateHeightAbove:
					v = above(g.Samples()[i], gate.Threshold, gate.Falloff)
				case GateHeightBelow:
					v = below(g.Samples()[i], gate.Threshold, gate.Falloff)
				case GateHeightBand:
					h := g.Samples()[i]
					v = above(h, gate.Threshold, gate.Falloff) * below(h, gate.Upper, gate.Falloff)
				case GateSlopeAbove:
					v = above(g.SlopeDegrees(x, z), gate.Threshold, gate.Falloff)
				case GateSlopeBelow:
					v = below(g.SlopeDegrees(x, z), gate.Threshold, gate.Falloff)
				case GateInsideLayer:
					v = above(layer[i], gate.Threshold, gate.Falloff)
				case GateAboveSeaLevel:
					v = above(g.Samples()[i], ctx.SeaLevel+gate.Threshold, gate.Falloff)
				case GateBelowSeaLevel:
					v = below(g.Samples()[i], ctx.SeaLevel+gate.Threshold, gate.Falloff)
				default:
					v = 1
				}
				if gate.Invert {
					v = 1 - v
				}
				buf[i] *= v
			}
		}
	}
}

// above is 1 at or over threshold, ramping down to 0 across falloff below it.
func above(v, threshold, falloff float64) float64 {
	if falloff <= 0 {
		if v >= threshold {
			return 1
		}
		return 0
	}
	return heightgrid.Clamp01((v - (threshold - falloff)) / falloff)
}

// below is 1 at or under threshold, ramping down to 0 across falloff above it.
func below(v, threshold, falloff float64) float64 {
	if falloff <= 0 {
		if v <= threshold {
			return 1
		}
		return 0
	}
	return heightgrid.Clamp01(((threshold + falloff) - v) / falloff)
}
