package world

import (
	"github.com/go-gl/mathgl/mgl64"

	"terrastamp.ai/internal/terrain/noise"
)

type GridRequest struct {
	XTiles     int        `json:"x_tiles"`
	ZTiles     int        `json:"z_tiles"`
	TileSize   float64    `json:"tile_size"`
	TileHeight float64    `json:"tile_height"`
	Resolution int        `json:"resolution,omitempty"`
	Origin     mgl64.Vec3 `json:"origin"`

	Streaming StreamingOptions `json:"streaming"`

	// Initial terrain. BaseNoise wins over BaseHeight when set.
	BaseHeight float64       `json:"base_height,omitempty"`
	BaseNoise  *noise.Params `json:"base_noise,omitempty"`
}

type StreamingOptions struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Tiles whose centre is within LoadRadius of the focus are loaded, within
	// ColliderRadius collider-only, otherwise unloaded.
	LoadRadius     float64 `json:"load_radius,omitempty" yaml:"load_radius"`
	ColliderRadius float64 `json:"collider_radius,omitempty" yaml:"collider_radius"`
	// OriginShiftThreshold is the focus distance from the origin that triggers
	// a floating origin shift. Zero disables shifting.
	OriginShiftThreshold float64 `json:"origin_shift_threshold,omitempty" yaml:"origin_shift_threshold"`
}

const DefaultResolution = 65

func (r *GridRequest) applyDefaults() {
	if r.Resolution < 2 {
		r.Resolution = DefaultResolution
	}
	if r.Streaming.Enabled {
		if r.Streaming.LoadRadius <= 0 {
			r.Streaming.LoadRadius = 2 * r.TileSize
		}
		if r.Streaming.ColliderRadius < r.Streaming.LoadRadius {
			r.Streaming.ColliderRadius = r.Streaming.LoadRadius + r.TileSize
		}
	}
}
