package tuning

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"terrastamp.ai/internal/session"
	"terrastamp.ai/internal/world"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	DataDir   string `yaml:"data_dir"`
	ExportDir string `yaml:"export_dir"`

	UndoDepth    int `yaml:"undo_depth"`
	StampWorkers int `yaml:"stamp_workers"`
	// SnapshotEverySeconds is how often the server saves the world snapshot.
	SnapshotEverySeconds int `yaml:"snapshot_every_seconds"`

	World WorldDefaults `yaml:"world"`
}

// WorldDefaults fill CREATE_GRID requests that leave fields out.
type WorldDefaults struct {
	XTiles           int     `yaml:"x_tiles"`
	ZTiles           int     `yaml:"z_tiles"`
	TileSize         float64 `yaml:"tile_size"`
	TileHeight       float64 `yaml:"tile_height"`
	Resolution       int     `yaml:"resolution"`
	SeaLevel         float64 `yaml:"sea_level"`
	WorldMapSeaLevel float64 `yaml:"world_map_sea_level"`

	Streaming world.StreamingOptions `yaml:"streaming"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:      "1.0",
		DataDir:              "./data",
		UndoDepth:            session.DefaultUndoDepth,
		StampWorkers:         4,
		SnapshotEverySeconds: 60,
		World: WorldDefaults{
			XTiles:     2,
			ZTiles:     2,
			TileSize:   1024,
			TileHeight: 600,
			Resolution: world.DefaultResolution,
		},
	}
}

// Load overlays the YAML file at path on Defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// WorldSettings fills zero fields of ws from the defaults.
func (t Tuning) WorldSettings(ws session.WorldSettings) session.WorldSettings {
	d := t.World
	g := &ws.Grid
	if g.XTiles == 0 && g.ZTiles == 0 {
		g.XTiles, g.ZTiles = d.XTiles, d.ZTiles
	}
	if g.TileSize == 0 {
		g.TileSize = d.TileSize
	}
	if g.TileHeight == 0 {
		g.TileHeight = d.TileHeight
	}
	if g.Resolution == 0 {
		g.Resolution = d.Resolution
	}
	if !g.Streaming.Enabled && d.Streaming.Enabled {
		g.Streaming = d.Streaming
	}
	if ws.SeaLevel == 0 {
		ws.SeaLevel = d.SeaLevel
	}
	if ws.WorldMapSeaLevel == 0 {
		ws.WorldMapSeaLevel = d.WorldMapSeaLevel
	}
	return ws
}

func (t Tuning) SessionConfig(logger *log.Logger) session.Config {
	return session.Config{
		Dir:       t.DataDir,
		ExportDir: t.ExportDir,
		UndoDepth: t.UndoDepth,
		Workers:   t.StampWorkers,
		Logger:    logger,
	}
}
