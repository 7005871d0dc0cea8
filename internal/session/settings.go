package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"terrastamp.ai/internal/terrain/mask"
	"terrastamp.ai/internal/terrain/ops"
	"terrastamp.ai/internal/world"
)

var ErrUnknownType = errors.New("session: unknown operation type")

// Type tags an operation record and selects its settings payload.
type Type string

const (
	TypeCreateWorld   Type = "create_world"
	TypeStamp         Type = "stamp"
	TypeSpawn         Type = "spawn"
	TypeFlatten       Type = "flatten"
	TypeUndo          Type = "undo"
	TypeRedo          Type = "redo"
	TypeMaskMapExport Type = "mask_map_export"
	TypePaintLayer    Type = "paint_layer"
	TypeOriginShift   Type = "origin_shift"
)

// Settings is the replayable payload of one operation. Each type executes
// itself against a session; adding a type means adding it to registry.
type Settings interface {
	Type() Type
	execute(ctx context.Context, s *Session, env execEnv) (outcome, error)
}

var registry = map[Type]func() Settings{
	TypeCreateWorld:   func() Settings { return &WorldSettings{} },
	TypeStamp:         func() Settings { return &StampSettings{} },
	TypeSpawn:         func() Settings { return &SpawnSettings{} },
	TypeFlatten:       func() Settings { return &FlattenSettings{} },
	TypeUndo:          func() Settings { return &UndoSettings{} },
	TypeRedo:          func() Settings { return &RedoSettings{} },
	TypeMaskMapExport: func() Settings { return &MaskMapExportSettings{} },
	TypePaintLayer:    func() Settings { return &PaintLayerSettings{} },
	TypeOriginShift:   func() Settings { return &OriginShiftSettings{} },
}

func NewSettings(t Type) (Settings, error) {
	mk, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return mk(), nil
}

func Types() []Type {
	out := make([]Type, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DecodeSettings parses a payload of the given type.
func DecodeSettings(t Type, payload []byte) (Settings, error) {
	st, err := NewSettings(t)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, st); err != nil {
			return nil, fmt.Errorf("%s settings: %w", t, err)
		}
	}
	return st, nil
}

// WorldSettings creates the tile grid and the world-wide reference data.
type WorldSettings struct {
	Grid             world.GridRequest `json:"grid"`
	SeaLevel         float64           `json:"sea_level"`
	WorldMapSeaLevel float64           `json:"world_map_sea_level"`
	Biomes           []world.Biome     `json:"biomes,omitempty"`
}

// StampSettings is one stamp: where, through which mask stack, with which
// feature operation.
type StampSettings struct {
	// Tiles names the affected tiles explicitly. Otherwise the tiles under
	// Placement are used, otherwise every tile.
	Tiles     []string        `json:"tiles,omitempty"`
	Placement *mask.Placement `json:"placement,omitempty"`
	Masks     []mask.Node     `json:"masks,omitempty"`
	// Stencil supplies per-sample stamp heights; a missing source falls back
	// to the feature's own stamp height.
	Stencil    *mask.Source     `json:"stencil,omitempty"`
	Feature    ops.Spec         `json:"feature"`
	SeaContext world.SeaContext `json:"sea_context,omitempty"`
}

// SpawnSettings selects spawn points for downstream placement. Heights are
// in world meters; zero bounds are open.
type SpawnSettings struct {
	Tiles     []string `json:"tiles,omitempty"`
	Seed      int64    `json:"seed"`
	Density   float64  `json:"density"`
	Layer     string   `json:"layer,omitempty"`
	MinHeight float64  `json:"min_height,omitempty"`
	MaxHeight float64  `json:"max_height,omitempty"`
	// MaxSlope in degrees; zero means any slope.
	MaxSlope   float64          `json:"max_slope,omitempty"`
	AboveSea   bool             `json:"above_sea,omitempty"`
	SeaContext world.SeaContext `json:"sea_context,omitempty"`
}

// FlattenSettings sets whole tiles to a height in meters above their base.
type FlattenSettings struct {
	Tiles  []string `json:"tiles,omitempty"`
	Height float64  `json:"height"`
}

type UndoSettings struct{}

type RedoSettings struct{}

// MaskMapExportSettings writes the evaluated mask stack of each tile as an
// image. Path is relative to the session's export directory and may contain
// {tile}, which is replaced by the tile name.
type MaskMapExportSettings struct {
	Tiles      []string         `json:"tiles,omitempty"`
	Masks      []mask.Node      `json:"masks,omitempty"`
	Path       string           `json:"path"`
	Width      int              `json:"width,omitempty"`
	Depth      int              `json:"depth,omitempty"`
	WithHeight bool             `json:"with_height,omitempty"`
	SeaContext world.SeaContext `json:"sea_context,omitempty"`
}

// PaintLayerSettings writes the evaluated mask stack of each tile into a
// named paint layer, or removes the layer when Erase is set. Layer sources
// in later mask stacks read what was painted.
type PaintLayerSettings struct {
	Tiles      []string         `json:"tiles,omitempty"`
	Layer      string           `json:"layer"`
	Masks      []mask.Node      `json:"masks,omitempty"`
	Erase      bool             `json:"erase,omitempty"`
	SeaContext world.SeaContext `json:"sea_context,omitempty"`
}

// OriginShiftSettings records a floating origin move. Stamps placed after it
// use the shifted coordinates, so it is replayed like any other edit.
type OriginShiftSettings struct {
	Shift mgl64.Vec3 `json:"shift"`
}

func (*WorldSettings) Type() Type         { return TypeCreateWorld }
func (*StampSettings) Type() Type         { return TypeStamp }
func (*SpawnSettings) Type() Type         { return TypeSpawn }
func (*FlattenSettings) Type() Type       { return TypeFlatten }
func (*UndoSettings) Type() Type          { return TypeUndo }
func (*RedoSettings) Type() Type          { return TypeRedo }
func (*MaskMapExportSettings) Type() Type { return TypeMaskMapExport }
func (*PaintLayerSettings) Type() Type    { return TypePaintLayer }
func (*OriginShiftSettings) Type() Type   { return TypeOriginShift }
