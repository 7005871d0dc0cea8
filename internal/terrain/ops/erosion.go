package ops

import (
	"context"
	"math"

	"terrastamp.ai/internal/terrain/heightgrid"
)

type ThermalStage struct {
	Iterations int `json:"iterations"`
	// ReposeAngle in degrees; material moves off slopes steeper than this.
	ReposeAngle float64 `json:"repose_angle"`
}

type WaterStage struct {
	Iterations    int     `json:"iterations"`
	Precipitation float64 `json:"precipitation"`
	Evaporation   float64 `json:"evaporation"`
	FlowRate      float64 `json:"flow_rate"`
}

type SedimentParams struct {
	Capacity     float64 `json:"capacity"`
	DepositRate  float64 `json:"deposit_rate"`
	DissolveRate float64 `json:"dissolve_rate"`
}

type RiverbankStage struct {
	Iterations       int     `json:"iterations"`
	BankDepositRate  float64 `json:"bank_deposit_rate"`
	BankDissolveRate float64 `json:"bank_dissolve_rate"`
	BedDepositRate   float64 `json:"bed_deposit_rate"`
	BedDissolveRate  float64 `json:"bed_dissolve_rate"`
}

// HydraulicErosion runs thermal, water+sediment and riverbank stages in that
// order. Each outer iteration completes fully before cancellation is checked.
type HydraulicErosion struct {
	// SimulationScale multiplies the cell size seen by the simulation.
	SimulationScale float64        `json:"simulation_scale"`
	Thermal         ThermalStage   `json:"thermal"`
	Water           WaterStage     `json:"water"`
	Sediment        SedimentParams `json:"sediment"`
	Riverbank       RiverbankStage `json:"riverbank"`
}

func DefaultErosion() *HydraulicErosion {
	return &HydraulicErosion{
		SimulationScale: 1,
		Thermal:         ThermalStage{Iterations: 10, ReposeAngle: 35},
		Water:           WaterStage{Iterations: 20, Precipitation: 0.01, Evaporation: 0.05, FlowRate: 0.5},
		Sediment:        SedimentParams{Capacity: 0.05, DepositRate: 0.3, DissolveRate: 0.3},
		Riverbank: RiverbankStage{
			Iterations:       5,
			BankDepositRate:  0.1,
			BankDissolveRate: 0.05,
			BedDepositRate:   0.05,
			BedDissolveRate:  0.1,
		},
	}
}

func (*HydraulicErosion) Kind() Kind { return KindHydraulicErosion }

const wetThreshold = 1e-4

type erosionState struct {
	w, d   int
	cell   float64
	scale  float64
	sea    float64
	height []float64 // meters
	water  []float64
	sed    []float64
	flux   []float64
	delta  []float64
	dsed   []float64
	dwater []float64
	nb     []int
}

func (o *HydraulicErosion) apply(ctx context.Context, a *applier) error {
	thermal := o.Thermal.Iterations
	if o.Thermal.ReposeAngle <= 0 || o.Thermal.ReposeAngle >= 90 {
		thermal = 0
	}
	water := o.Water.Iterations
	if water < 0 {
		water = 0
	}
	river := o.Riverbank.Iterations
	if river < 0 {
		river = 0
	}
	if thermal <= 0 && water == 0 && river == 0 {
		return nil
	}

	simScale := o.SimulationScale
	if simScale <= 0 {
		simScale = 1
	}
	cellX, _ := a.g.CellSize()
	n := len(a.h)
	st := &erosionState{
		w:      a.g.Width,
		d:      a.g.Depth,
		cell:   cellX * simScale,
		scale:  a.g.HeightScale(),
		sea:    a.opts.SeaLevel,
		height: make([]float64, n),
		water:  make([]float64, n),
		sed:    make([]float64, n),
		flux:   make([]float64, n),
		delta:  make([]float64, n),
		dsed:   make([]float64, n),
		dwater: make([]float64, n),
		nb:     make([]int, 0, 4),
	}
	for i, h := range a.h {
		st.height[i] = h * st.scale
	}

	err := o.run(ctx, a, st, thermal, water, river)
	// Whatever completed is committed, weighted by the mask.
	for i := range st.height {
		st.height[i] += st.sed[i]
		// Written as a delta so untouched samples stay bit-identical.
		v := a.h[i] + (st.height[i]-a.h[i]*st.scale)/st.scale
		a.h[i] = heightgrid.Clamp01(blend(a.h[i], v, a.weight(i)))
	}
	return err
}

func (o *HydraulicErosion) run(ctx context.Context, a *applier, st *erosionState, thermal, water, river int) error {
	if thermal > 0 {
		talus := math.Tan(o.Thermal.ReposeAngle*math.Pi/180) * st.cell
		for it := 0; it < thermal; it++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			st.thermalPass(talus)
			a.progress("thermal", it+1, thermal)
		}
	}
	for it := 0; it < water; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.waterPass(o.Water, o.Sediment)
		a.progress("water", it+1, water)
	}
	for it := 0; it < river; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.riverbankPass(o.Riverbank)
		a.progress("riverbank", it+1, river)
	}
	return nil
}

func (st *erosionState) reset(buf []float64) {
	for i := range buf {
		buf[i] = 0
	}
}

// thermalPass moves material from each cell to lower neighbours whose
// height difference exceeds talus. All moves read the pre-pass heights.
func (st *erosionState) thermalPass(talus float64) {
	st.reset(st.delta)
	for i := range st.height {
		st.nb = heightgrid.Neighbours4(i, st.w, st.d, st.nb)
		for _, j := range st.nb {
			diff := st.height[i] - st.height[j]
			if diff <= talus {
				continue
			}
			move := (diff - talus) * 0.125
			st.delta[i] -= move
			st.delta[j] += move
		}
	}
	for i, dv := range st.delta {
		st.height[i] += dv
	}
}

func (st *erosionState) waterPass(p WaterStage, s SedimentParams) {
	if p.Precipitation > 0 {
		for i := range st.water {
			if st.height[i]/st.scale >= st.sea {
				st.water[i] += p.Precipitation
			}
		}
	}

	st.reset(st.dwater)
	st.reset(st.dsed)
	flow := heightgrid.Clamp01(p.FlowRate)
	for i := range st.height {
		st.flux[i] = 0
		if st.water[i] <= 0 || flow == 0 {
			continue
		}
		surf := st.height[i] + st.water[i]
		st.nb = heightgrid.Neighbours4(i, st.w, st.d, st.nb)
		total := 0.0
		var drops [4]float64
		for k, j := range st.nb {
			dh := surf - (st.height[j] + st.water[j])
			if dh > 0 {
				drops[k] = dh
				total += dh
			}
		}
		if total <= 0 {
			continue
		}
		out := math.Min(st.water[i], total*0.25) * flow
		sedFrac := st.sed[i] / st.water[i]
		for k, j := range st.nb {
			if drops[k] <= 0 {
				continue
			}
			share := out * drops[k] / total
			st.dwater[i] -= share
			st.dwater[j] += share
			st.dsed[i] -= share * sedFrac
			st.dsed[j] += share * sedFrac
		}
		st.flux[i] = out
	}
	for i := range st.water {
		st.water[i] = math.Max(0, st.water[i]+st.dwater[i])
		st.sed[i] = math.Max(0, st.sed[i]+st.dsed[i])
	}

	for i := range st.height {
		capacity := s.Capacity * st.flux[i]
		if st.sed[i] > capacity {
			dep := heightgrid.Clamp01(s.DepositRate) * (st.sed[i] - capacity)
			st.sed[i] -= dep
			st.height[i] += dep
		} else {
			dis := heightgrid.Clamp01(s.DissolveRate) * (capacity - st.sed[i])
			st.sed[i] += dis
			st.height[i] -= dis
		}
	}

	evap := heightgrid.Clamp01(p.Evaporation)
	if evap == 0 {
		return
	}
	for i := range st.water {
		st.water[i] *= 1 - evap
	}
}

// riverbankPass erodes wet bed cells and settles sediment on the dry bank
// cells that border them.
func (st *erosionState) riverbankPass(p RiverbankStage) {
	st.reset(st.delta)
	st.reset(st.dsed)
	for i := range st.height {
		if st.water[i] > wetThreshold {
			erode := heightgrid.Clamp01(p.BedDissolveRate) * st.water[i]
			dep := heightgrid.Clamp01(p.BedDepositRate) * st.sed[i]
			st.delta[i] += dep - erode
			st.dsed[i] += erode - dep
			continue
		}
		st.nb = heightgrid.Neighbours4(i, st.w, st.d, st.nb)
		for _, j := range st.nb {
			if st.water[j] <= wetThreshold {
				continue
			}
			dep := heightgrid.Clamp01(p.BankDepositRate) * st.sed[j] * 0.25
			st.delta[i] += dep
			st.dsed[j] -= dep
			if st.height[i] > st.height[j] {
				slump := heightgrid.Clamp01(p.BankDissolveRate) * (st.height[i] - st.height[j]) * 0.25
				st.delta[i] -= slump
				st.dsed[j] += slump
			}
		}
	}
	for i := range st.height {
		st.height[i] += st.delta[i]
		st.sed[i] = math.Max(0, st.sed[i]+st.dsed[i])
	}
}
