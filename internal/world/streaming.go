package world

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// UpdateStreaming recomputes each tile's stream state around focus and
// returns the names of tiles whose state changed. With streaming disabled
// every tile stays loaded.
func (w *World) UpdateStreaming(focus mgl64.Vec2) []string {
	opts := w.req.Streaming
	var changed []string
	for _, t := range w.Tiles() {
		next := StreamLoaded
		if opts.Enabled {
			d := t.Center().Sub(focus).Len()
			switch {
			case d <= opts.LoadRadius:
				next = StreamLoaded
			case d <= opts.ColliderRadius:
				next = StreamColliderOnly
			default:
				next = StreamUnloaded
			}
		}
		if t.State != next {
			t.State = next
			changed = append(changed, t.Name)
		}
	}
	return changed
}

// PlanOriginShift returns the shift that brings focus near the origin once it
// is further than the configured threshold. The shift is snapped to whole
// tiles so tile names keep matching their grid cells.
func (w *World) PlanOriginShift(focus mgl64.Vec3) (mgl64.Vec3, bool) {
	opts := w.req.Streaming
	if !opts.Enabled || opts.OriginShiftThreshold <= 0 || !w.HasTerrain() {
		return mgl64.Vec3{}, false
	}
	if math.Hypot(focus.X(), focus.Z()) <= opts.OriginShiftThreshold {
		return mgl64.Vec3{}, false
	}
	size := w.req.TileSize
	shift := mgl64.Vec3{
		-math.Round(focus.X()/size) * size,
		0,
		-math.Round(focus.Z()/size) * size,
	}
	if shift.ApproxEqual(mgl64.Vec3{}) {
		return mgl64.Vec3{}, false
	}
	return shift, true
}

// ShiftOrigin moves every tile by shift. Heights are untouched.
func (w *World) ShiftOrigin(shift mgl64.Vec3) {
	for _, t := range w.tiles {
		t.Grid.Origin = t.Grid.Origin.Add(shift)
	}
	w.originOffset = w.originOffset.Add(shift)
}

// OriginShift plans and applies a shift in one step.
func (w *World) OriginShift(focus mgl64.Vec3) (mgl64.Vec3, bool) {
	shift, ok := w.PlanOriginShift(focus)
	if ok {
		w.ShiftOrigin(shift)
	}
	return shift, ok
}

// OriginOffset is the accumulated floating origin shift.
func (w *World) OriginOffset() mgl64.Vec3 { return w.originOffset }
