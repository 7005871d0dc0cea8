package noise

import "testing"

func TestSampleDeterministicAndBounded(t *testing.T) {
	for _, kind := range []Kind{KindValue, KindRidged, KindBillow} {
		p := Params{Kind: kind, Seed: 42, Frequency: 0.01, Octaves: 4, Persistence: 0.5, Lacunarity: 2}
		for i := 0; i < 200; i++ {
			x := float64(i*37) - 500
			z := float64(i*11) + 0.5
			a := Sample(p, x, z)
			b := Sample(p, x, z)
			if a != b {
				t.Fatalf("%s: not deterministic at (%v,%v)", kind, x, z)
			}
			if a < 0 || a > 1 {
				t.Fatalf("%s: out of range %v", kind, a)
			}
		}
	}
}

func TestSeedChangesField(t *testing.T) {
	a := Params{Seed: 1, Frequency: 0.05, Octaves: 3}
	b := a
	b.Seed = 2
	same := 0
	for i := 0; i < 64; i++ {
		if Sample(a, float64(i)*3.3, float64(i)*1.7) == Sample(b, float64(i)*3.3, float64(i)*1.7) {
			same++
		}
	}
	if same == 64 {
		t.Fatalf("different seeds produced identical samples")
	}
}

func TestSampleIsContinuous(t *testing.T) {
	p := Params{Seed: 9, Frequency: 0.02, Octaves: 2}
	prev := Sample(p, 0, 0)
	for i := 1; i <= 400; i++ {
		v := Sample(p, float64(i)*0.05, 0)
		if d := v - prev; d > 0.05 || d < -0.05 {
			t.Fatalf("jump of %v at step %d", d, i)
		}
		prev = v
	}
}
