package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"terrastamp.ai/internal/terrain/heightgrid"
)

var (
	ErrUnknownKind   = errors.New("ops: unknown feature operation")
	ErrNoGrid        = errors.New("ops: nil grid")
	ErrWeightsLength = errors.New("ops: weight buffer does not match grid")
)

type Kind string

const (
	KindRaiseHeight      Kind = "raise_height"
	KindLowerHeight      Kind = "lower_height"
	KindBlendHeight      Kind = "blend_height"
	KindSetHeight        Kind = "set_height"
	KindAddHeight        Kind = "add_height"
	KindSubtractHeight   Kind = "subtract_height"
	KindHydraulicErosion Kind = "hydraulic_erosion"
	KindContrast         Kind = "contrast"
	KindTerrace          Kind = "terrace"
	KindSharpenRidges    Kind = "sharpen_ridges"
	KindHeightTransform  Kind = "height_transform"
	KindPowerOf          Kind = "power_of"
	KindSmooth           Kind = "smooth"
	KindMixHeight        Kind = "mix_height"
)

// Feature is one feature operation with its parameters. The set of
// implementations is closed; see registry.
type Feature interface {
	Kind() Kind
	apply(ctx context.Context, a *applier) error
}

// registry is the only place a feature kind is wired up.
var registry = map[Kind]func() Feature{
	KindRaiseHeight:      func() Feature { return &RaiseHeight{} },
	KindLowerHeight:      func() Feature { return &LowerHeight{} },
	KindBlendHeight:      func() Feature { return &BlendHeight{} },
	KindSetHeight:        func() Feature { return &SetHeight{} },
	KindAddHeight:        func() Feature { return &AddHeight{} },
	KindSubtractHeight:   func() Feature { return &SubtractHeight{} },
	KindHydraulicErosion: func() Feature { return DefaultErosion() },
	KindContrast:         func() Feature { return &Contrast{} },
	KindTerrace:          func() Feature { return &Terrace{} },
	KindSharpenRidges:    func() Feature { return &SharpenRidges{} },
	KindHeightTransform:  func() Feature { return &HeightTransform{} },
	KindPowerOf:          func() Feature { return &PowerOf{} },
	KindSmooth:           func() Feature { return &Smooth{} },
	KindMixHeight:        func() Feature { return &MixHeight{MidPoint: 0.5, Strength: 1} },
}

// New returns a zero-configured feature of the given kind.
func New(kind Kind) (Feature, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return ctor(), nil
}

// Kinds lists every registered kind in stable order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProgressFunc receives per-iteration progress of long-running stages.
type ProgressFunc func(stage string, done, total int)

type Options struct {
	Progress ProgressFunc
	// SeaLevel is normalized into the tile's height range.
	SeaLevel float64
}

type Input struct {
	Grid *heightgrid.Grid
	// Weights is the mask stack output; nil means full weight everywhere.
	Weights []float64
	// Stencil overrides the feature's scalar stamp height per sample.
	Stencil []float64
}

type Result struct {
	Kind      Kind
	MinHeight float64
	MaxHeight float64
}

type applier struct {
	g       *heightgrid.Grid
	h       []float64
	weights []float64
	stencil []float64
	opts    Options
}

func (a *applier) weight(i int) float64 {
	if a.weights == nil {
		return 1
	}
	return heightgrid.Clamp01(a.weights[i])
}

func (a *applier) stamp(i int, scalar float64) float64 {
	if a.stencil != nil {
		return heightgrid.Clamp01(a.stencil[i])
	}
	return heightgrid.Clamp01(scalar)
}

func (a *applier) progress(stage string, done, total int) {
	if a.opts.Progress != nil {
		a.opts.Progress(stage, done, total)
	}
}

// Apply mutates in.Grid according to f. Results are clamped into the grid's
// declared range and min/max are recomputed on every path, including errors.
func Apply(ctx context.Context, in Input, f Feature, opts Options) (Result, error) {
	if in.Grid == nil {
		return Result{}, ErrNoGrid
	}
	if f == nil {
		return Result{}, fmt.Errorf("%w: nil", ErrUnknownKind)
	}
	n := in.Grid.Len()
	if in.Weights != nil && len(in.Weights) != n {
		return Result{}, fmt.Errorf("%w: weights %d, grid %d", ErrWeightsLength, len(in.Weights), n)
	}
	if in.Stencil != nil && len(in.Stencil) != n {
		return Result{}, fmt.Errorf("%w: stencil %d, grid %d", ErrWeightsLength, len(in.Stencil), n)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	f = ResolveAbsoluteHeight(f)
	a := &applier{
		g:       in.Grid,
		h:       in.Grid.Samples(),
		weights: in.Weights,
		stencil: in.Stencil,
		opts:    opts,
	}
	err := f.apply(ctx, a)
	in.Grid.RecomputeMinMax()
	return Result{Kind: f.Kind(), MinHeight: in.Grid.MinHeight(), MaxHeight: in.Grid.MaxHeight()}, err
}

type envelope struct {
	Kind   Kind            `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

func Marshal(f Feature) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil", ErrUnknownKind)
	}
	params, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: f.Kind(), Params: params})
}

func Unmarshal(b []byte) (Feature, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	f, err := New(env.Kind)
	if err != nil {
		return nil, err
	}
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, f); err != nil {
			return nil, fmt.Errorf("%s params: %w", env.Kind, err)
		}
	}
	return f, nil
}

// Spec embeds a feature in JSON documents as {"kind":..., "params":...}.
type Spec struct {
	Feature
}

func (s Spec) MarshalJSON() ([]byte, error) { return Marshal(s.Feature) }

func (s *Spec) UnmarshalJSON(b []byte) error {
	f, err := Unmarshal(b)
	if err != nil {
		return err
	}
	s.Feature = f
	return nil
}

// blend moves h toward v by w. w ≥ 1 yields v exactly and an unchanged v
// yields h exactly.
func blend(h, v, w float64) float64 {
	if w <= 0 {
		return h
	}
	if w >= 1 {
		return v
	}
	return h + (v-h)*w
}
