package mask

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrGateNotFound = errors.New("mask: gate not found")
	ErrGatePosition = errors.New("mask: gate position out of range")
)

type GateKind string

const (
	GateHeightAbove   GateKind = "height_above"
	GateHeightBelow   GateKind = "height_below"
	GateHeightBand    GateKind = "height_band"
	GateSlopeAbove    GateKind = "slope_above"
	GateSlopeBelow    GateKind = "slope_below"
	GateInsideLayer   GateKind = "inside_layer"
	GateAboveSeaLevel GateKind = "above_sea_level"
	GateBelowSeaLevel GateKind = "below_sea_level"
)

// Gate restricts where a node contributes. Height thresholds are normalized
// tile heights, slope thresholds are degrees, layer thresholds are weights.
type Gate struct {
	Kind      GateKind `json:"kind"`
	Threshold float64  `json:"threshold,omitempty"`
	// Upper is the upper bound for height_band.
	Upper    float64 `json:"upper,omitempty"`
	Falloff  float64 `json:"falloff,omitempty"`
	Layer    string  `json:"layer,omitempty"`
	Invert   bool    `json:"invert,omitempty"`
	Disabled bool    `json:"disabled,omitempty"`
}

type GateID int

// Gates is an ordered arena of gates. IDs are stable and never reused, so a
// reference stays valid across reordering.
type Gates struct {
	slots map[GateID]Gate
	order []GateID
	next  GateID
}

func NewGates(gs ...Gate) *Gates {
	out := &Gates{}
	for _, g := range gs {
		_, _ = out.Insert(out.Len(), g)
	}
	return out
}

func (gs *Gates) Len() int {
	if gs == nil {
		return 0
	}
	return len(gs.order)
}

// Insert places g at pos (0 ≤ pos ≤ Len) and returns its id.
func (gs *Gates) Insert(pos int, g Gate) (GateID, error) {
	if pos < 0 || pos > len(gs.order) {
		return 0, fmt.Errorf("%w: insert at %d (len %d)", ErrGatePosition, pos, len(gs.order))
	}
	if gs.slots == nil {
		gs.slots = map[GateID]Gate{}
	}
	gs.next++
	id := gs.next
	gs.slots[id] = g
	gs.order = append(gs.order, 0)
	copy(gs.order[pos+1:], gs.order[pos:])
	gs.order[pos] = id
	return id, nil
}

func (gs *Gates) Remove(id GateID) error {
	pos := gs.position(id)
	if pos < 0 {
		return fmt.Errorf("%w: %d", ErrGateNotFound, id)
	}
	gs.order = append(gs.order[:pos], gs.order[pos+1:]...)
	delete(gs.slots, id)
	return nil
}

// Move relocates id to pos (0 ≤ pos < Len); other gates keep relative order.
func (gs *Gates) Move(id GateID, pos int) error {
	from := gs.position(id)
	if from < 0 {
		return fmt.Errorf("%w: %d", ErrGateNotFound, id)
	}
	if pos < 0 || pos >= len(gs.order) {
		return fmt.Errorf("%w: move to %d (len %d)", ErrGatePosition, pos, len(gs.order))
	}
	gs.order = append(gs.order[:from], gs.order[from+1:]...)
	gs.order = append(gs.order, 0)
	copy(gs.order[pos+1:], gs.order[pos:])
	gs.order[pos] = id
	return nil
}

func (gs *Gates) Get(id GateID) (Gate, bool) {
	if gs == nil {
		return Gate{}, false
	}
	g, ok := gs.slots[id]
	return g, ok
}

// Update replaces the gate stored under id.
func (gs *Gates) Update(id GateID, g Gate) error {
	if _, ok := gs.Get(id); !ok {
		return fmt.Errorf("%w: %d", ErrGateNotFound, id)
	}
	gs.slots[id] = g
	return nil
}

// Order returns a copy of the evaluation order.
func (gs *Gates) Order() []GateID {
	if gs == nil {
		return nil
	}
	out := make([]GateID, len(gs.order))
	copy(out, gs.order)
	return out
}

func (gs *Gates) Clone() *Gates {
	if gs == nil {
		return nil
	}
	c := &Gates{slots: make(map[GateID]Gate, len(gs.slots)), order: gs.Order(), next: gs.next}
	for k, v := range gs.slots {
		c.slots[k] = v
	}
	return c
}

func (gs *Gates) position(id GateID) int {
	if gs == nil {
		return -1
	}
	for i, v := range gs.order {
		if v == id {
			return i
		}
	}
	return -1
}

type gateJSON struct {
	ID GateID `json:"id"`
	Gate
}

type gatesJSON struct {
	Next  GateID     `json:"next"`
	Gates []gateJSON `json:"gates"`
}

func (gs *Gates) MarshalJSON() ([]byte, error) {
	out := gatesJSON{Gates: []gateJSON{}}
	if gs != nil {
		out.Next = gs.next
		for _, id := range gs.order {
			out.Gates = append(out.Gates, gateJSON{ID: id, Gate: gs.slots[id]})
		}
	}
	return json.Marshal(out)
}

func (gs *Gates) UnmarshalJSON(b []byte) error {
	var in gatesJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	gs.slots = make(map[GateID]Gate, len(in.Gates))
	gs.order = gs.order[:0]
	gs.next = in.Next
	for _, g := range in.Gates {
		if _, dup := gs.slots[g.ID]; dup || g.ID <= 0 {
			return fmt.Errorf("mask: bad gate id %d", g.ID)
		}
		gs.slots[g.ID] = g.Gate
		gs.order = append(gs.order, g.ID)
		if g.ID > gs.next {
			gs.next = g.ID
		}
	}
	return nil
}
