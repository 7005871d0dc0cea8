package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/sync/errgroup"

	"terrastamp.ai/internal/export"
	"terrastamp.ai/internal/terrain/mask"
	"terrastamp.ai/internal/terrain/ops"
	"terrastamp.ai/internal/world"
)

type outcome struct {
	tiles   []string
	changed bool
	// pushed is set when the operation added an undo entry.
	pushed bool
	spawns  []SpawnPoint
	files   []string
}

type execEnv struct {
	progress ops.ProgressFunc
	// replay folds the log: operations whose only effect is outside the
	// world (exports, spawn queries) do nothing and never fail.
	replay bool
}

// run executes st and records it. Nothing is recorded when execution fails.
func (s *Session) run(ctx context.Context, st Settings, env execEnv) (*Operation, outcome, error) {
	out, err := st.execute(ctx, s, env)
	if err != nil {
		s.writeJournal(journalFailure(st.Type(), err))
		return nil, outcome{}, err
	}
	op := &Operation{
		Settings:    st,
		Active:      true,
		Description: describe(st, out),
		Tiles:       out.tiles,
	}
	if err := s.log.Append(op); err != nil {
		if out.pushed {
			if aerr := s.undo.Abort(); aerr != nil {
				s.logger.Printf("undo abort after failed append: %v", aerr)
			}
		}
		return nil, outcome{}, fmt.Errorf("record %s: %w", st.Type(), err)
	}
	if err := s.syncIndex(ctx); err != nil {
		s.logger.Printf("index sync: %v", err)
	}
	s.finish(op, out, false)
	return op, out, nil
}

// CreateGrid creates the world. It fails with world.ErrTerrainExists while
// terrain exists.
func (s *Session) CreateGrid(ctx context.Context, ws WorldSettings) (*Operation, error) {
	op, _, err := s.run(ctx, &ws, execEnv{})
	return op, err
}

// Stamp evaluates the mask stack on every affected tile, snapshots the tiles
// for undo and applies the feature operation.
func (s *Session) Stamp(ctx context.Context, st StampSettings, progress ops.ProgressFunc) (*Operation, error) {
	op, _, err := s.run(ctx, &st, execEnv{progress: progress})
	return op, err
}

// Undo steps back over the most recent applied entry and records an undo
// marker.
func (s *Session) Undo(ctx context.Context) (*Operation, error) {
	op, _, err := s.run(ctx, &UndoSettings{}, execEnv{})
	return op, err
}

// Redo reapplies the next entry and records a redo marker.
func (s *Session) Redo(ctx context.Context) (*Operation, error) {
	op, _, err := s.run(ctx, &RedoSettings{}, execEnv{})
	return op, err
}

// FlattenAll flattens the named tiles, or every tile when names is empty,
// to height meters.
func (s *Session) FlattenAll(ctx context.Context, names []string, height float64) (*Operation, error) {
	op, _, err := s.run(ctx, &FlattenSettings{Tiles: names, Height: height}, execEnv{})
	return op, err
}

func (s *Session) Spawn(ctx context.Context, sp SpawnSettings) ([]SpawnPoint, *Operation, error) {
	op, out, err := s.run(ctx, &sp, execEnv{})
	return out.spawns, op, err
}

// ExportMaskMap writes the evaluated masks and returns the written files.
func (s *Session) ExportMaskMap(ctx context.Context, ms MaskMapExportSettings) ([]string, *Operation, error) {
	op, out, err := s.run(ctx, &ms, execEnv{})
	return out.files, op, err
}

// PaintLayer paints, or erases, a named layer on the targeted tiles. It is
// undoable like a stamp.
func (s *Session) PaintLayer(ctx context.Context, pl PaintLayerSettings) (*Operation, error) {
	op, _, err := s.run(ctx, &pl, execEnv{})
	return op, err
}

// FocusResult reports what a focus move changed: tiles whose stream state
// moved, and the recorded origin shift if one was needed.
type FocusResult struct {
	Streamed []string   `json:"streamed,omitempty"`
	Shift    *Operation `json:"shift,omitempty"`
}

// Focus moves the streaming focus to a world position. Stream states are
// view state and are not recorded; an origin shift is.
func (s *Session) Focus(ctx context.Context, focus mgl64.Vec3) (FocusResult, error) {
	var res FocusResult
	if !s.world.HasTerrain() {
		return res, ErrNoTerrain
	}
	if shift, ok := s.world.PlanOriginShift(focus); ok {
		op, _, err := s.run(ctx, &OriginShiftSettings{Shift: shift}, execEnv{})
		if err != nil {
			return res, err
		}
		res.Shift = op
		focus = focus.Add(shift)
	}
	res.Streamed = s.world.UpdateStreaming(mgl64.Vec2{focus.X(), focus.Z()})
	return res, nil
}

func tileNames(tiles []*world.Tile) []string {
	out := make([]string, len(tiles))
	for i, t := range tiles {
		out[i] = t.Name
	}
	return out
}

// targets resolves explicit names, else every tile.
func (s *Session) targets(names []string) ([]*world.Tile, error) {
	if !s.world.HasTerrain() {
		return nil, ErrNoTerrain
	}
	if len(names) == 0 {
		return s.world.Tiles(), nil
	}
	return s.world.Lookup(names)
}

func (ws *WorldSettings) execute(_ context.Context, s *Session, _ execEnv) (outcome, error) {
	tiles, err := s.world.CreateGrid(ws.Grid)
	if err != nil {
		return outcome{}, err
	}
	s.world.SetSeaLevel(world.SeaRegular, ws.SeaLevel)
	s.world.SetSeaLevel(world.SeaWorldMap, ws.WorldMapSeaLevel)
	for _, b := range ws.Biomes {
		s.world.AddBiome(b)
	}
	s.undo.Clear()
	return outcome{tiles: tileNames(tiles), changed: true}, nil
}

type stampJob struct {
	tile *world.Tile
	in   ops.Input
	opts ops.Options
}

func (st *StampSettings) execute(ctx context.Context, s *Session, env execEnv) (outcome, error) {
	if st.Feature.Feature == nil {
		return outcome{}, ErrNoFeature
	}
	if !s.world.HasTerrain() {
		return outcome{}, ErrNoTerrain
	}
	// The stored value decides Add versus Subtract, both now and on replay.
	st.Feature.Feature = ops.ResolveAbsoluteHeight(st.Feature.Feature)
	feature := st.Feature.Feature

	var tiles []*world.Tile
	switch {
	case len(st.Tiles) > 0:
		var err error
		if tiles, err = s.world.Lookup(st.Tiles); err != nil {
			return outcome{}, err
		}
	case st.Placement != nil:
		tiles = s.world.TilesIn(st.Placement.Bounds())
	default:
		tiles = s.world.Tiles()
	}
	if len(tiles) == 0 {
		return outcome{}, ErrNoTilesAffected
	}

	// Masks read every tile before any tile is written.
	jobs := make([]stampJob, 0, len(tiles))
	for _, t := range tiles {
		mctx := s.world.MaskContext(t, st.SeaContext)
		in := ops.Input{Grid: t.Grid, Weights: mask.Evaluate(mctx, st.Masks).Weights}
		if st.Stencil != nil {
			if stencil, ok := mask.Raw(mctx, st.Stencil); ok {
				in.Stencil = stencil
			}
		}
		jobs = append(jobs, stampJob{tile: t, in: in, opts: ops.Options{SeaLevel: mctx.SeaLevel}})
	}

	names := tileNames(tiles)
	if err := s.undo.Push(string(feature.Kind()), names); err != nil {
		return outcome{}, err
	}
	if err := s.applyJobs(ctx, feature, jobs, env.progress); err != nil {
		if aerr := s.undo.Abort(); aerr != nil {
			s.logger.Printf("undo abort after failed stamp: %v", aerr)
		}
		return outcome{}, err
	}
	return outcome{tiles: names, changed: true, pushed: true}, nil
}

// applyJobs applies f to each tile, up to cfg.Workers at a time. Each job
// writes only its own grid.
func (s *Session) applyJobs(ctx context.Context, f ops.Feature, jobs []stampJob, progress ops.ProgressFunc) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, j := range jobs {
		j := j
		opts := j.opts
		if progress != nil {
			name := j.tile.Name
			opts.Progress = func(stage string, done, total int) {
				mu.Lock()
				defer mu.Unlock()
				progress(name+"/"+stage, done, total)
			}
		}
		g.Go(func() error {
			if _, err := ops.Apply(gctx, j.in, f, opts); err != nil {
				return fmt.Errorf("%s: %w", j.tile.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (sp *SpawnSettings) execute(_ context.Context, s *Session, env execEnv) (outcome, error) {
	if env.replay {
		return outcome{tiles: sp.Tiles}, nil
	}
	tiles, err := s.targets(sp.Tiles)
	if err != nil {
		return outcome{}, err
	}
	out := outcome{tiles: tileNames(tiles)}
	for _, t := range tiles {
		out.spawns = append(out.spawns, spawnPoints(s.world, t, sp)...)
	}
	return out, nil
}

func (fs *FlattenSettings) execute(_ context.Context, s *Session, _ execEnv) (outcome, error) {
	tiles, err := s.targets(fs.Tiles)
	if err != nil {
		return outcome{}, err
	}
	names := tileNames(tiles)
	if err := s.undo.Push("flatten", names); err != nil {
		return outcome{}, err
	}
	if _, err := s.world.FlattenAll(names, fs.Height); err != nil {
		if aerr := s.undo.Abort(); aerr != nil {
			s.logger.Printf("undo abort after failed flatten: %v", aerr)
		}
		return outcome{}, err
	}
	return outcome{tiles: names, changed: true, pushed: true}, nil
}

func (*UndoSettings) execute(_ context.Context, s *Session, _ execEnv) (outcome, error) {
	e, err := s.undo.StepBack()
	if err != nil {
		return outcome{}, err
	}
	return outcome{tiles: e.Tiles, changed: true}, nil
}

func (*RedoSettings) execute(_ context.Context, s *Session, _ execEnv) (outcome, error) {
	e, err := s.undo.StepForward()
	if err != nil {
		return outcome{}, err
	}
	return outcome{tiles: e.Tiles, changed: true}, nil
}

func (ms *MaskMapExportSettings) execute(_ context.Context, s *Session, env execEnv) (outcome, error) {
	if env.replay {
		return outcome{tiles: ms.Tiles}, nil
	}
	if s.cfg.ExportDir == "" {
		return outcome{}, ErrNoExportDir
	}
	tiles, err := s.targets(ms.Tiles)
	if err != nil {
		return outcome{}, err
	}
	out := outcome{tiles: tileNames(tiles)}
	for _, t := range tiles {
		path, err := ms.exportPath(s.cfg.ExportDir, t.Name, len(tiles) > 1)
		if err != nil {
			return outcome{}, err
		}
		buf := mask.Evaluate(s.world.MaskContext(t, ms.SeaContext), ms.Masks)
		channels := []export.Channel{{Width: buf.Width, Depth: buf.Depth, Data: buf.Weights}}
		if ms.WithHeight {
			channels = append(channels, export.HeightChannel(t.Grid))
		}
		w, d := ms.Width, ms.Depth
		if w <= 0 {
			w = t.Grid.Width
		}
		if d <= 0 {
			d = t.Grid.Depth
		}
		if err := export.WriteFile(path, w, d, channels...); err != nil {
			return outcome{}, fmt.Errorf("export %s: %w", t.Name, err)
		}
		out.files = append(out.files, path)
	}
	return out, nil
}

func (pl *PaintLayerSettings) execute(_ context.Context, s *Session, _ execEnv) (outcome, error) {
	if pl.Layer == "" {
		return outcome{}, ErrNoLayer
	}
	tiles, err := s.targets(pl.Tiles)
	if err != nil {
		return outcome{}, err
	}
	// Evaluate before painting so a stack that reads this layer sees the
	// state from before the operation on every tile.
	var paint [][]float64
	if !pl.Erase {
		paint = make([][]float64, len(tiles))
		for i, t := range tiles {
			paint[i] = mask.Evaluate(s.world.MaskContext(t, pl.SeaContext), pl.Masks).Weights
		}
	}
	names := tileNames(tiles)
	if err := s.undo.Push("paint_layer", names); err != nil {
		return outcome{}, err
	}
	for i, name := range names {
		if pl.Erase {
			err = s.world.EraseLayer(name, pl.Layer)
		} else {
			err = s.world.PaintLayer(name, pl.Layer, paint[i])
		}
		if err != nil {
			if aerr := s.undo.Abort(); aerr != nil {
				s.logger.Printf("undo abort after failed paint: %v", aerr)
			}
			return outcome{}, err
		}
	}
	return outcome{tiles: names, changed: true, pushed: true}, nil
}

func (sh *OriginShiftSettings) execute(_ context.Context, s *Session, _ execEnv) (outcome, error) {
	if !s.world.HasTerrain() {
		return outcome{}, ErrNoTerrain
	}
	s.world.ShiftOrigin(sh.Shift)
	return outcome{tiles: s.world.TileNames(), changed: true}, nil
}

func (ms *MaskMapExportSettings) exportPath(dir, tile string, many bool) (string, error) {
	rel := ms.Path
	if rel == "" {
		rel = "mask_{tile}.png"
	}
	if strings.Contains(rel, "{tile}") {
		rel = strings.ReplaceAll(rel, "{tile}", tile)
	} else if many {
		ext := filepath.Ext(rel)
		rel = strings.TrimSuffix(rel, ext) + "_" + tile + ext
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrBadExportPath, ms.Path)
	}
	path := filepath.Join(dir, rel)
	if r, err := filepath.Rel(dir, path); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrBadExportPath, ms.Path)
	}
	return path, nil
}
