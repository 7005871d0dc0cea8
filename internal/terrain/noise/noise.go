package noise

import (
	"math"
	"sync"

	"github.com/ojrac/opensimplex-go"
)

type Kind string

const (
	KindValue  Kind = "value"
	KindRidged Kind = "ridged"
	KindBillow Kind = "billow"
)

// Params configures fractal noise evaluated in world space, so neighbouring
// tiles sample one continuous field.
type Params struct {
	Kind        Kind    `json:"kind,omitempty" yaml:"kind"`
	Seed        int64   `json:"seed" yaml:"seed"`
	Frequency   float64 `json:"frequency" yaml:"frequency"`
	Octaves     int     `json:"octaves" yaml:"octaves"`
	Persistence float64 `json:"persistence" yaml:"persistence"`
	Lacunarity  float64 `json:"lacunarity" yaml:"lacunarity"`
	OffsetX     float64 `json:"offset_x,omitempty" yaml:"offset_x"`
	OffsetZ     float64 `json:"offset_z,omitempty" yaml:"offset_z"`
}

func (p Params) normalized() Params {
	if p.Frequency <= 0 {
		p.Frequency = 1.0 / 256
	}
	if p.Octaves <= 0 {
		p.Octaves = 1
	}
	if p.Octaves > 16 {
		p.Octaves = 16
	}
	if p.Persistence <= 0 {
		p.Persistence = 0.5
	}
	if p.Lacunarity <= 0 {
		p.Lacunarity = 2
	}
	return p
}

// Sample returns fBm noise at world position (x,z) in [0,1].
func Sample(p Params, x, z float64) float64 {
	p = p.normalized()
	x += p.OffsetX
	z += p.OffsetZ

	freq := p.Frequency
	amp := 1.0
	sum := 0.0
	maxAmp := 0.0
	for i := 0; i < p.Octaves; i++ {
		n := field(p.Seed+int64(i)*1013).Eval2(x*freq, z*freq) // [-1,1]
		switch p.Kind {
		case KindRidged:
			n = 1 - 2*math.Abs(n)
		case KindBillow:
			n = 2*math.Abs(n) - 1
		}
		sum += n * amp
		maxAmp += amp
		amp *= p.Persistence
		freq *= p.Lacunarity
	}
	if maxAmp == 0 {
		return 0.5
	}
	v := (sum/maxAmp + 1) / 2
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Generators are read-only once built; one per seed is shared by all tiles.
var fields sync.Map // int64 -> opensimplex.Noise

func field(seed int64) opensimplex.Noise {
	if n, ok := fields.Load(seed); ok {
		return n.(opensimplex.Noise)
	}
	n, _ := fields.LoadOrStore(seed, opensimplex.New(seed))
	return n.(opensimplex.Noise)
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Hash2 is a stateless 2D integer hash (splitmix64 finalizer).
func Hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}
