package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	plog "terrastamp.ai/internal/persistence/log"
	"terrastamp.ai/internal/terrain/mask"
	"terrastamp.ai/internal/terrain/noise"
	"terrastamp.ai/internal/terrain/ops"
	"terrastamp.ai/internal/terrain/undo"
	"terrastamp.ai/internal/world"
)

func smallWorld() WorldSettings {
	return WorldSettings{
		Grid: world.GridRequest{
			XTiles: 2, ZTiles: 1, TileSize: 64, TileHeight: 100, Resolution: 17,
			BaseNoise: &noise.Params{Seed: 7, Frequency: 0.03, Octaves: 3},
		},
		SeaLevel: 20,
	}
}

func raiseStamp() StampSettings {
	return StampSettings{
		Masks: []mask.Node{{
			Source: &mask.Source{Kind: mask.SourceNoise, Noise: &noise.Params{Seed: 3, Frequency: 0.05}},
			Base:   true,
		}},
		Feature: ops.Spec{Feature: &ops.RaiseHeight{StampHeight: 0.9}},
	}
}

func newMemory(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func digests(w *world.World) map[string]string {
	out := map[string]string{}
	for _, tile := range w.Tiles() {
		out[tile.Name] = tile.Grid.Digest()
	}
	return out
}

func sameDigests(t *testing.T, got, want map[string]string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("tile count %d want %d", len(got), len(want))
	}
	for name, d := range want {
		if got[name] != d {
			t.Fatalf("tile %s digest differs", name)
		}
	}
}

func TestReduceCreateWorldExtents(t *testing.T) {
	recs := []*Operation{{
		Type:   TypeCreateWorld,
		Active: true,
		Settings: &WorldSettings{Grid: world.GridRequest{
			XTiles: 2, ZTiles: 1, TileSize: 1024, TileHeight: 600, Resolution: 5,
		}},
	}}
	w, err := Reduce(context.Background(), recs, Config{})
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if len(w.Tiles()) != 2 {
		t.Fatalf("tiles = %d", len(w.Tiles()))
	}
	if e := w.Extents(); e.X() != 2048 || e.Y() != 1024 {
		t.Fatalf("extents = %v", e)
	}
}

func TestStampRecordsAndNotifies(t *testing.T) {
	ctx := context.Background()
	s := newMemory(t, Config{Workers: 2})
	if _, err := s.Stamp(ctx, raiseStamp(), nil); !errors.Is(err, ErrNoTerrain) {
		t.Fatalf("expected ErrNoTerrain, got %v", err)
	}
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}

	var events []Event
	unsubscribe := s.Subscribe(func(ev Event) { events = append(events, ev) })
	op, err := s.Stamp(ctx, raiseStamp(), nil)
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	unsubscribe()

	if s.Log().Len() != 2 || op.Type != TypeStamp || !op.Active || len(op.Tiles) != 2 {
		t.Fatalf("recorded %+v, log len %d", op, s.Log().Len())
	}
	if len(events) != 1 || len(events[0].Tiles) != 2 {
		t.Fatalf("events = %+v", events)
	}
	for _, ts := range events[0].Tiles {
		tile, _ := s.World().Tile(ts.Name)
		if ts.MinHeight != tile.Grid.WorldMin() || ts.MaxHeight != tile.Grid.WorldMax() {
			t.Fatalf("%s stats %+v", ts.Name, ts)
		}
	}
	if s.History().Len() != 1 {
		t.Fatalf("undo entries = %d", s.History().Len())
	}
}

func TestStampTargetsPlacementTiles(t *testing.T) {
	ctx := context.Background()
	s := newMemory(t, Config{})
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	st := raiseStamp()
	st.Placement = &mask.Placement{CenterX: 100, CenterZ: 30, SizeX: 10, SizeZ: 10}
	op, err := s.Stamp(ctx, st, nil)
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if len(op.Tiles) != 1 || op.Tiles[0] != "Terrain_1_0" {
		t.Fatalf("tiles = %v", op.Tiles)
	}

	st.Placement = &mask.Placement{CenterX: 1000, CenterZ: 1000, SizeX: 10, SizeZ: 10}
	if _, err := s.Stamp(ctx, st, nil); !errors.Is(err, ErrNoTilesAffected) {
		t.Fatalf("expected ErrNoTilesAffected, got %v", err)
	}
	st.Placement = nil
	st.Tiles = []string{"Terrain_9_9"}
	if _, err := s.Stamp(ctx, st, nil); !errors.Is(err, world.ErrUnknownTile) {
		t.Fatalf("expected ErrUnknownTile, got %v", err)
	}
	if s.Log().Len() != 2 || s.History().Len() != 1 {
		t.Fatalf("failed stamps left log=%d undo=%d", s.Log().Len(), s.History().Len())
	}
}

func TestUndoRedoMarkersReplay(t *testing.T) {
	ctx := context.Background()
	s := newMemory(t, Config{})
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	created := digests(s.World())
	if _, err := s.Stamp(ctx, raiseStamp(), nil); err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	stamped := digests(s.World())

	if _, err := s.Redo(ctx); !errors.Is(err, undo.ErrNothingToRedo) {
		t.Fatalf("expected ErrNothingToRedo, got %v", err)
	}
	op, err := s.Undo(ctx)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if op.Type != TypeUndo || len(op.Tiles) != 2 {
		t.Fatalf("undo marker %+v", op)
	}
	sameDigests(t, digests(s.World()), created)
	if _, err := s.Undo(ctx); !errors.Is(err, undo.ErrNothingToUndo) {
		t.Fatalf("expected ErrNothingToUndo, got %v", err)
	}
	if s.Log().Len() != 3 {
		t.Fatalf("rejected undo was recorded: len %d", s.Log().Len())
	}

	w, err := Reduce(ctx, s.Log().Operations(), Config{})
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	sameDigests(t, digests(w), created)

	if _, err := s.Redo(ctx); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	sameDigests(t, digests(s.World()), stamped)
	w, err = Reduce(ctx, s.Log().Operations(), Config{})
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	sameDigests(t, digests(w), stamped)
}

func TestReplayIsDeterministicAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	s := newMemory(t, Config{Workers: 1})
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	erode := ops.DefaultErosion()
	erode.Thermal.Iterations = 3
	erode.Water.Iterations = 4
	erode.Riverbank.Iterations = 2
	steps := []StampSettings{
		raiseStamp(),
		{Feature: ops.Spec{Feature: erode}},
		{Feature: ops.Spec{Feature: &ops.Terrace{Count: 5, Bevel: 0.2}}, Tiles: []string{"Terrain_0_0"}},
		{Feature: ops.Spec{Feature: &ops.AddHeight{Meters: -7}}},
	}
	for i, st := range steps {
		if _, err := s.Stamp(ctx, st, nil); err != nil {
			t.Fatalf("stamp %d: %v", i, err)
		}
	}
	if _, err := s.FlattenAll(ctx, []string{"Terrain_1_0"}, 30); err != nil {
		t.Fatalf("FlattenAll: %v", err)
	}
	live := digests(s.World())

	for _, workers := range []int{1, 4} {
		w, err := Reduce(ctx, s.Log().Operations(), Config{Workers: workers})
		if err != nil {
			t.Fatalf("Reduce workers=%d: %v", workers, err)
		}
		sameDigests(t, digests(w), live)
	}
}

func TestAbsoluteHeightSignIsResolvedWhenRecorded(t *testing.T) {
	ctx := context.Background()
	s := newMemory(t, Config{})
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	op, err := s.Stamp(ctx, StampSettings{Feature: ops.Spec{Feature: &ops.AddHeight{Meters: -5}}}, nil)
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	st := op.Settings.(*StampSettings)
	sub, ok := st.Feature.Feature.(*ops.SubtractHeight)
	if !ok || sub.Meters != -5 {
		t.Fatalf("recorded feature %#v", st.Feature.Feature)
	}
}

func TestPlayAllSkipsInactiveAndStopsOnFailure(t *testing.T) {
	ctx := context.Background()
	s := newMemory(t, Config{})
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	created := digests(s.World())
	if _, err := s.Stamp(ctx, raiseStamp(), nil); err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if _, err := s.FlattenAll(ctx, nil, 10); err != nil {
		t.Fatalf("FlattenAll: %v", err)
	}

	rep, err := s.PlayAll(ctx, nil)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Index != 0 || !errors.Is(err, world.ErrTerrainExists) {
		t.Fatalf("expected terrain-exists failure at 0, got %v", err)
	}
	if rep.Failed != 0 || len(rep.Executed) != 0 {
		t.Fatalf("report %+v", rep)
	}

	if err := s.SetActive(ctx, 2, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := s.SetActive(ctx, 5, false); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	s.DestroyWorld()
	var seen []int
	rep, err = s.PlayAll(ctx, func(i, total int, _ *Operation) { seen = append(seen, i) })
	if err != nil {
		t.Fatalf("PlayAll: %v", err)
	}
	if len(rep.Executed) != 2 || len(rep.Skipped) != 1 || rep.Skipped[0] != 2 || rep.Failed != -1 {
		t.Fatalf("report %+v", rep)
	}
	if len(seen) != 2 || seen[1] != 1 {
		t.Fatalf("progress saw %v", seen)
	}
	if s.Log().Len() != 3 {
		t.Fatalf("replay re-recorded operations: %d", s.Log().Len())
	}
	if digests(s.World())["Terrain_0_0"] == created["Terrain_0_0"] {
		t.Fatalf("stamp was not replayed")
	}
}

func TestCancelledStampLeavesNothingBehind(t *testing.T) {
	s := newMemory(t, Config{Workers: 2})
	if _, err := s.CreateGrid(context.Background(), smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	before := digests(s.World())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Stamp(ctx, StampSettings{Feature: ops.Spec{Feature: ops.DefaultErosion()}}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	sameDigests(t, digests(s.World()), before)
	if s.Log().Len() != 1 || s.History().Len() != 0 {
		t.Fatalf("cancelled stamp left log=%d undo=%d", s.Log().Len(), s.History().Len())
	}
}

func TestSpawnIsDeterministicAndEdgeUnique(t *testing.T) {
	ctx := context.Background()
	s := newMemory(t, Config{})
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	sp := SpawnSettings{Seed: 42, Density: 1}
	pts, op, err := s.Spawn(ctx, sp)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// Two 17x17 tiles share one column.
	if len(pts) != 17*17*2-17 {
		t.Fatalf("full density produced %d points", len(pts))
	}
	seen := map[mgl64.Vec2]bool{}
	for _, p := range pts {
		k := mgl64.Vec2{p.Position.X(), p.Position.Z()}
		if seen[k] {
			t.Fatalf("duplicate spawn at %v", k)
		}
		seen[k] = true
	}
	if op.Type != TypeSpawn {
		t.Fatalf("op type %s", op.Type)
	}

	sp.Density = 0.3
	sp.AboveSea = true
	a, _, err := s.Spawn(ctx, sp)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	b, _, err := s.Spawn(ctx, sp)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(a) != len(b) || len(a) == 0 || len(a) >= len(pts) {
		t.Fatalf("spawn counts %d %d of %d", len(a), len(b), len(pts))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("spawn %d differs", i)
		}
		if a[i].Position.Y() <= 20 {
			t.Fatalf("spawn below sea level: %v", a[i].Position)
		}
	}
}

func TestExportMaskMap(t *testing.T) {
	ctx := context.Background()
	s := newMemory(t, Config{})
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	if _, _, err := s.ExportMaskMap(ctx, MaskMapExportSettings{Path: "m.png"}); !errors.Is(err, ErrNoExportDir) {
		t.Fatalf("expected ErrNoExportDir, got %v", err)
	}

	dir := t.TempDir()
	s = newMemory(t, Config{ExportDir: dir})
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	if _, _, err := s.ExportMaskMap(ctx, MaskMapExportSettings{Path: "../escape.png"}); !errors.Is(err, ErrBadExportPath) {
		t.Fatalf("expected ErrBadExportPath, got %v", err)
	}
	files, _, err := s.ExportMaskMap(ctx, MaskMapExportSettings{Path: "masks/slope.tif", Width: 32, Depth: 32, WithHeight: true,
		Masks: []mask.Node{{Source: &mask.Source{Kind: mask.SourceSlope}}}})
	if err != nil {
		t.Fatalf("ExportMaskMap: %v", err)
	}
	want := []string{
		filepath.Join(dir, "masks", "slope_Terrain_0_0.tif"),
		filepath.Join(dir, "masks", "slope_Terrain_1_0.tif"),
	}
	if len(files) != 2 || files[0] != want[0] || files[1] != want[1] {
		t.Fatalf("files = %v", files)
	}
	for _, f := range files {
		if st, err := os.Stat(f); err != nil || st.Size() == 0 {
			t.Fatalf("export %s: %v", f, err)
		}
	}
}

func TestPersistentSessionReopens(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	created := digests(s.World())
	if _, err := s.Stamp(ctx, raiseStamp(), nil); err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if _, err := s.FlattenAll(ctx, []string{"Terrain_0_0"}, 5); err != nil {
		t.Fatalf("FlattenAll: %v", err)
	}
	live := digests(s.World())
	if err := s.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(ctx, Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s.Log().Len() != 3 {
		t.Fatalf("log len %d", s.Log().Len())
	}
	sameDigests(t, digests(s.World()), live)
	if st, ok := s.Log().ops[1].Settings.(*StampSettings); !ok || st.Feature.Kind() != ops.KindRaiseHeight {
		t.Fatalf("stamp settings not restored: %#v", s.Log().ops[1].Settings)
	}

	// Changing the log invalidates the snapshot, so the next open replays.
	if err := s.DeleteOperation(ctx, 2); err != nil {
		t.Fatalf("DeleteOperation: %v", err)
	}
	if err := s.SetActive(ctx, 1, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	ids, err := s.assets.List()
	if err != nil || len(ids) != 2 {
		t.Fatalf("assets after delete = %v, %v", ids, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(ctx, Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	sameDigests(t, digests(s.World()), created)
	if s.Log().ops[1].Active {
		t.Fatalf("inactive flag not persisted")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := plog.ReadJournal(plog.JournalDir(dir))
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	var applied, deleted int
	for _, e := range entries {
		switch e.Action {
		case "apply":
			applied++
		case "delete":
			deleted++
		}
	}
	if applied != 3 || deleted != 1 {
		t.Fatalf("journal applied=%d deleted=%d", applied, deleted)
	}
}

func TestClearLogRemovesAssets(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	if _, err := s.FlattenAll(ctx, nil, 3); err != nil {
		t.Fatalf("FlattenAll: %v", err)
	}
	if err := s.ClearLog(ctx); err != nil {
		t.Fatalf("ClearLog: %v", err)
	}
	ids, err := s.assets.List()
	if err != nil || len(ids) != 0 || s.Log().Len() != 0 {
		t.Fatalf("after clear: assets %v err %v log %d", ids, err, s.Log().Len())
	}
	rows, err := s.index.LoadLog(ctx)
	if err != nil || len(rows) != 0 {
		t.Fatalf("index rows %d, %v", len(rows), err)
	}
}

func TestReadLogReducesToSavedWorld(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(ctx, Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	if _, err := s.Stamp(ctx, raiseStamp(), nil); err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	want := digests(s.World())
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs, err := ReadLog(ctx, dir)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if len(recs) != 2 || recs[1].Type != TypeStamp || recs[1].Settings == nil {
		t.Fatalf("ReadLog = %+v", recs)
	}
	w, err := Reduce(ctx, recs, Config{})
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	sameDigests(t, digests(w), want)
}

func TestReplaySkipsExportSideEffects(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newMemory(t, Config{ExportDir: dir, Workers: 1})
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	files, _, err := s.ExportMaskMap(ctx, MaskMapExportSettings{Path: "m_{tile}.png"})
	if err != nil || len(files) != 2 {
		t.Fatalf("ExportMaskMap: %v %v", files, err)
	}
	if _, _, err := s.Spawn(ctx, SpawnSettings{Seed: 1, Density: 0.5}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := s.Stamp(ctx, raiseStamp(), nil); err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	want := digests(s.World())

	w, err := Reduce(ctx, s.Log().Operations(), Config{Workers: 1})
	if err != nil {
		t.Fatalf("Reduce without export dir: %v", err)
	}
	sameDigests(t, digests(w), want)

	for _, f := range files {
		if err := os.Remove(f); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}
	if err := s.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	sameDigests(t, digests(s.World()), want)
	for _, f := range files {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Fatalf("rebuild rewrote %s", f)
		}
	}

	// A single explicit execute still writes.
	op, _ := s.Log().At(1)
	if err := s.ExecuteOperation(ctx, op); err != nil {
		t.Fatalf("ExecuteOperation: %v", err)
	}
	if _, err := os.Stat(files[0]); err != nil {
		t.Fatalf("explicit execute did not export: %v", err)
	}
}

func TestPaintLayerIsUndoableAndReplays(t *testing.T) {
	ctx := context.Background()
	s := newMemory(t, Config{Workers: 1})
	if _, err := s.CreateGrid(ctx, smallWorld()); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}
	if _, err := s.PaintLayer(ctx, PaintLayerSettings{}); !errors.Is(err, ErrNoLayer) {
		t.Fatalf("expected ErrNoLayer, got %v", err)
	}
	constant := func(v float64) []mask.Node {
		return []mask.Node{{Source: &mask.Source{Kind: mask.SourceConstant, Value: v}, Base: true}}
	}
	op, err := s.PaintLayer(ctx, PaintLayerSettings{Layer: "rock", Masks: constant(0.25)})
	if err != nil {
		t.Fatalf("PaintLayer: %v", err)
	}
	if op.Type != TypePaintLayer || op.Description != "Paint layer rock on 2 tiles" {
		t.Fatalf("op %+v", op)
	}
	if _, err := s.PaintLayer(ctx, PaintLayerSettings{Tiles: []string{"Terrain_1_0"}, Layer: "rock", Masks: constant(0)}); err != nil {
		t.Fatalf("PaintLayer: %v", err)
	}
	rock := s.World().Layers("Terrain_0_0")["rock"]
	if len(rock) == 0 || rock[0] != 0.25 {
		t.Fatalf("painted layer %v", rock)
	}
	if got := s.World().Layers("Terrain_1_0")["rock"]; len(got) == 0 || got[0] != 0 {
		t.Fatalf("repainted layer %v", got)
	}

	// A later stamp masked by the layer raises only where it was painted.
	created := digests(s.World())
	st := StampSettings{
		Masks:   []mask.Node{{Source: &mask.Source{Kind: mask.SourceLayer, Layer: "rock"}, Base: true}},
		Feature: ops.Spec{Feature: &ops.AddHeight{Meters: 10}},
	}
	if _, err := s.Stamp(ctx, st, nil); err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	after := digests(s.World())
	if after["Terrain_0_0"] == created["Terrain_0_0"] {
		t.Fatal("painted tile did not change")
	}
	if after["Terrain_1_0"] != created["Terrain_1_0"] {
		t.Fatal("tile painted 0 changed")
	}

	w, err := Reduce(ctx, s.Log().Operations(), Config{Workers: 1})
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	sameDigests(t, digests(w), after)
	if got := w.Layers("Terrain_0_0")["rock"]; len(got) != len(rock) || got[0] != 0.25 {
		t.Fatalf("replayed layer %v", got)
	}

	// Undo the stamp, then both paints.
	for i := 0; i < 3; i++ {
		if _, err := s.Undo(ctx); err != nil {
			t.Fatalf("Undo %d: %v", i, err)
		}
	}
	if _, ok := s.World().Layers("Terrain_0_0")["rock"]; ok {
		t.Fatal("undo left the painted layer")
	}
	if _, err := s.Redo(ctx); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if got := s.World().Layers("Terrain_0_0")["rock"]; len(got) == 0 || got[0] != 0.25 {
		t.Fatalf("redo layer %v", got)
	}

	if _, err := s.PaintLayer(ctx, PaintLayerSettings{Layer: "rock", Erase: true}); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if _, ok := s.World().Layers("Terrain_0_0")["rock"]; ok {
		t.Fatal("erase left the layer")
	}
}

func TestFocusRecordsOriginShift(t *testing.T) {
	ctx := context.Background()
	s := newMemory(t, Config{Workers: 1})
	ws := smallWorld()
	ws.Grid.Streaming = world.StreamingOptions{Enabled: true, OriginShiftThreshold: 150}
	if _, err := s.CreateGrid(ctx, ws); err != nil {
		t.Fatalf("CreateGrid: %v", err)
	}

	res, err := s.Focus(ctx, mgl64.Vec3{40, 0, 30})
	if err != nil {
		t.Fatalf("Focus near: %v", err)
	}
	if res.Shift != nil || s.Log().Len() != 1 {
		t.Fatalf("near focus recorded a shift: %+v", res)
	}

	res, err = s.Focus(ctx, mgl64.Vec3{200, 0, 0})
	if err != nil {
		t.Fatalf("Focus far: %v", err)
	}
	if res.Shift == nil || res.Shift.Type != TypeOriginShift {
		t.Fatalf("far focus did not record a shift: %+v", res)
	}
	shift := res.Shift.Settings.(*OriginShiftSettings).Shift
	if shift.X() != -192 || shift.Z() != 0 {
		t.Fatalf("shift %v", shift)
	}
	if len(res.Streamed) != 1 || res.Streamed[0] != "Terrain_0_0" {
		t.Fatalf("streamed %v", res.Streamed)
	}
	tiles, _ := s.World().Lookup([]string{"Terrain_0_0"})
	if x := tiles[0].Grid.Origin.X(); x != -192 {
		t.Fatalf("origin x %v", x)
	}

	w, err := Reduce(ctx, s.Log().Operations(), Config{Workers: 1})
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if w.OriginOffset() != shift {
		t.Fatalf("replayed offset %v want %v", w.OriginOffset(), shift)
	}
}
