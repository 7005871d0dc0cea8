package curve

import (
	"errors"
	"fmt"
	"sort"
)

var ErrBadDomain = errors.New("curve: keys outside [0,1] or not strictly increasing")

// Key is one control point of a remap curve.
type Key struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

// Curve is a piecewise-linear remap of [0,1] onto [0,1]. It is not required
// to be monotonic. The zero value is the identity.
type Curve struct {
	Keys []Key `json:"keys,omitempty"`
}

func Identity() Curve { return Curve{} }

func Linear(from, to float64) Curve {
	return Curve{Keys: []Key{{T: 0, V: from}, {T: 1, V: to}}}
}

// FromPoints builds a curve from alternating t,v pairs.
func FromPoints(tv ...float64) Curve {
	keys := make([]Key, 0, len(tv)/2)
	for i := 0; i+1 < len(tv); i += 2 {
		keys = append(keys, Key{T: tv[i], V: tv[i+1]})
	}
	return Curve{Keys: keys}
}

func (c Curve) IsIdentity() bool { return len(c.Keys) == 0 }

func (c Curve) Validate() error {
	if len(c.Keys) == 0 {
		return nil
	}
	if len(c.Keys) < 2 {
		return fmt.Errorf("%w: need at least 2 keys, got %d", ErrBadDomain, len(c.Keys))
	}
	ok := sort.SliceIsSorted(c.Keys, func(i, j int) bool { return c.Keys[i].T < c.Keys[j].T })
	for i, k := range c.Keys {
		if k.T < 0 || k.T > 1 {
			return fmt.Errorf("%w: key %d t=%v", ErrBadDomain, i, k.T)
		}
		if i > 0 && k.T <= c.Keys[i-1].T {
			ok = false
		}
	}
	if !ok {
		return ErrBadDomain
	}
	return nil
}

// Evaluate remaps t. Invalid curves evaluate as the identity.
func (c Curve) Evaluate(t float64) float64 {
	t = clamp01(t)
	if c.Validate() != nil || len(c.Keys) == 0 {
		return t
	}
	return c.eval(t)
}

// Evaluator returns a remap function validated once, for per-sample loops.
func (c Curve) Evaluator() func(float64) float64 {
	if c.Validate() != nil || len(c.Keys) == 0 {
		return clamp01
	}
	return func(t float64) float64 { return c.eval(clamp01(t)) }
}

func (c Curve) eval(t float64) float64 {
	keys := c.Keys
	if t <= keys[0].T {
		return clamp01(keys[0].V)
	}
	last := keys[len(keys)-1]
	if t >= last.T {
		return clamp01(last.V)
	}
	i := sort.Search(len(keys), func(i int) bool { return keys[i].T >= t })
	a, b := keys[i-1], keys[i]
	f := (t - a.T) / (b.T - a.T)
	return clamp01(a.V + (b.V-a.V)*f)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
