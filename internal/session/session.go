package session

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"terrastamp.ai/internal/persistence/assets"
	"terrastamp.ai/internal/persistence/indexdb"
	plog "terrastamp.ai/internal/persistence/log"
	"terrastamp.ai/internal/persistence/snapshot"
	"terrastamp.ai/internal/terrain/undo"
	"terrastamp.ai/internal/world"
)

var (
	ErrNoTerrain       = errors.New("session: no terrain")
	ErrNoFeature       = errors.New("session: stamp has no feature operation")
	ErrNoTilesAffected = errors.New("session: no tiles affected")
	ErrNoExportDir     = errors.New("session: no export directory configured")
	ErrBadExportPath   = errors.New("session: export path escapes the export directory")
	ErrPersistent      = errors.New("session: operation needs a persistent session")
	ErrNoLayer         = errors.New("session: paint needs a layer name")
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

type Config struct {
	// Dir holds assets, the sqlite index, the journal and the world
	// snapshot. Empty means an in-memory session.
	Dir string
	// ExportDir receives mask map exports. Defaults to Dir/exports.
	ExportDir string
	UndoDepth int
	// Workers bounds how many tiles a stamp processes in parallel.
	Workers int
	Logger  *log.Logger
}

const (
	DefaultUndoDepth = 64
	snapshotName     = "world.snap.zst"
)

func (c *Config) applyDefaults() {
	if c.UndoDepth == 0 {
		c.UndoDepth = DefaultUndoDepth
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.ExportDir == "" && c.Dir != "" {
		c.ExportDir = filepath.Join(c.Dir, "exports")
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
}

// TileStats is what downstream consumers receive for every changed tile.
// Heights are world meters.
type TileStats struct {
	Name      string  `json:"name"`
	MinHeight float64 `json:"min_height"`
	MaxHeight float64 `json:"max_height"`
	Digest    string  `json:"digest"`
}

// Event is published after an operation runs, recorded or replayed.
type Event struct {
	OperationID string       `json:"operation_id,omitempty"`
	Type        Type         `json:"type"`
	Replay      bool         `json:"replay,omitempty"`
	Tiles       []TileStats  `json:"tiles,omitempty"`
	Spawns      []SpawnPoint `json:"spawns,omitempty"`
	Files       []string     `json:"files,omitempty"`
}

// Session is the explicit owner of one terrain world and its operation log.
// It is not safe for concurrent use; callers serialize access.
type Session struct {
	cfg    Config
	logger *log.Logger

	world *world.World
	undo  *undo.Stack
	log   *Log

	assets  *assets.Store
	index   *indexdb.SQLiteIndex
	journal *plog.Journal

	listeners map[int]func(Event)
	nextSub   int
}

// New returns an empty in-memory session.
func New(cfg Config) (*Session, error) {
	if cfg.Dir != "" {
		return nil, fmt.Errorf("session: New is in-memory only, use Open for %s", cfg.Dir)
	}
	return newSession(cfg)
}

func newSession(cfg Config) (*Session, error) {
	cfg.applyDefaults()
	w := world.New()
	st, err := undo.New(w, cfg.UndoDepth)
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:       cfg,
		logger:    cfg.Logger,
		world:     w,
		undo:      st,
		log:       NewLog(nil),
		listeners: map[int]func(Event){},
	}, nil
}

// Open loads the session persisted under cfg.Dir, creating it if needed.
// The world comes from the snapshot when it matches the log, otherwise the
// log is replayed. If replay fails the session is still returned, with an
// empty world and the *StepError, so the log can be repaired.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Dir == "" {
		return nil, ErrPersistent
	}
	s, err := newSession(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.openStores(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.loadLog(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if s.restoreSnapshot() {
		s.logger.Printf("session restored from snapshot ops=%d", s.log.Len())
		return s, nil
	}
	if err := s.Rebuild(ctx); err != nil {
		s.logger.Printf("session rebuild failed: %v", err)
		return s, err
	}
	s.undo.Clear()
	s.logger.Printf("session rebuilt ops=%d tiles=%d", s.log.Len(), len(s.world.Tiles()))
	return s, nil
}

func (s *Session) openStores() error {
	store, err := assets.Open(filepath.Join(s.cfg.Dir, "assets"))
	if err != nil {
		return err
	}
	if err := registerSchemas(store); err != nil {
		return err
	}
	s.assets = store
	s.log.assets = store

	idx, err := indexdb.OpenSQLite(filepath.Join(s.cfg.Dir, "index.sqlite"))
	if err != nil {
		return err
	}
	s.index = idx
	s.journal = plog.NewJournal(s.cfg.Dir)
	return nil
}

func registerSchemas(store *assets.Store) error {
	for _, t := range Types() {
		b, err := schemaFS.ReadFile("schemas/" + string(t) + ".schema.json")
		if err != nil {
			return fmt.Errorf("schema %s: %w", t, err)
		}
		if err := store.RegisterSchema(string(t), string(b)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) loadLog(ctx context.Context) error {
	ops, err := readOperations(ctx, s.index, s.assets)
	if err != nil {
		return err
	}
	for _, op := range ops {
		s.log.load(op)
	}
	return nil
}

func readOperations(ctx context.Context, idx *indexdb.SQLiteIndex, store *assets.Store) ([]*Operation, error) {
	rows, err := idx.LoadLog(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Operation, 0, len(rows))
	for _, r := range rows {
		a, err := store.Load(r.SettingsID)
		if err != nil {
			return nil, fmt.Errorf("operation %d (%s): %w", r.Seq, r.ID, err)
		}
		st, err := DecodeSettings(Type(r.Type), a.Payload)
		if err != nil {
			return nil, fmt.Errorf("operation %d (%s): %w", r.Seq, r.ID, err)
		}
		out = append(out, &Operation{
			ID:          r.ID,
			Type:        Type(r.Type),
			CreatedAt:   r.CreatedAt,
			Description: r.Description,
			Active:      r.Active,
			Tiles:       r.Tiles,
			SettingsID:  r.SettingsID,
			Settings:    st,
		})
	}
	return out, nil
}

// ReadLog loads the operation log persisted under dir without opening a
// session: nothing is journaled and the world is not built.
func ReadLog(ctx context.Context, dir string) ([]*Operation, error) {
	store, err := assets.Open(filepath.Join(dir, "assets"))
	if err != nil {
		return nil, err
	}
	if err := registerSchemas(store); err != nil {
		return nil, err
	}
	idx, err := indexdb.OpenSQLite(filepath.Join(dir, "index.sqlite"))
	if err != nil {
		return nil, err
	}
	defer idx.Close()
	return readOperations(ctx, idx, store)
}

func (s *Session) snapshotPath() string { return SnapshotPath(s.cfg.Dir) }

func (s *Session) restoreSnapshot() bool {
	path := s.snapshotPath()
	h, err := snapshot.ReadHeader(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Printf("snapshot header: %v", err)
		}
		return false
	}
	if h.Operations != s.log.Len() || h.LogDigest != s.logDigest() {
		return false
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		s.logger.Printf("snapshot: %v", err)
		return false
	}
	w, err := snap.Restore()
	if err != nil {
		s.logger.Printf("snapshot restore: %v", err)
		return false
	}
	s.swapWorld(w, nil)
	return true
}

// swapWorld installs w. A nil stack starts an empty history over w.
func (s *Session) swapWorld(w *world.World, st *undo.Stack) {
	if st == nil {
		var err error
		if st, err = undo.New(w, s.cfg.UndoDepth); err != nil {
			// zstd codecs without options do not fail; keep the old stack usable.
			s.logger.Printf("undo stack: %v", err)
			return
		}
	}
	s.undo.Close()
	s.world = w
	s.undo = st
}

// logDigest identifies the replay-relevant state of the log.
func (s *Session) logDigest() string { return LogDigest(s.log.ops) }

// LogDigest identifies a log by what replay depends on. A world snapshot is
// only reused for the log digest it was saved with.
func LogDigest(ops []*Operation) string {
	h := sha256.New()
	for _, op := range ops {
		fmt.Fprintf(h, "%s|%s|%t|%s\n", op.ID, op.Type, op.Active, op.SettingsID)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotPath is where Save writes the world snapshot for dir.
func SnapshotPath(dir string) string { return filepath.Join(dir, snapshotName) }

// Save persists the operation index and a snapshot of the current world.
func (s *Session) Save(ctx context.Context) error {
	if s.cfg.Dir == "" {
		return ErrPersistent
	}
	if err := s.syncIndex(ctx); err != nil {
		return err
	}
	h := snapshot.Header{SavedAt: time.Now().UTC(), Operations: s.log.Len(), LogDigest: s.logDigest()}
	if err := snapshot.WriteSnapshot(s.snapshotPath(), snapshot.Capture(s.world, h)); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	s.index.SetMeta("log_digest", h.LogDigest)
	return nil
}

func (s *Session) Close() error {
	var errs []error
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	errs = append(errs, s.journal.Close())
	s.undo.Close()
	return errors.Join(errs...)
}

func (s *Session) World() *world.World  { return s.world }
func (s *Session) History() *undo.Stack { return s.undo }
func (s *Session) Log() *Log            { return s.log }
func (s *Session) Config() Config       { return s.cfg }

// IndexStats reports the tile-stats writer backlog. It is zero for an
// in-memory session.
func (s *Session) IndexStats() indexdb.QueueStats { return s.index.Stats() }

// Subscribe registers fn for every published event and returns a function
// that removes it.
func (s *Session) Subscribe(fn func(Event)) func() {
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	return func() { delete(s.listeners, id) }
}

func (s *Session) publish(ev Event) {
	for _, id := range sortedIDs(s.listeners) {
		s.listeners[id](ev)
	}
}

func sortedIDs(m map[int]func(Event)) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *Session) tileStats(names []string) []TileStats {
	out := make([]TileStats, 0, len(names))
	for _, name := range names {
		t, ok := s.world.Tile(name)
		if !ok {
			continue
		}
		out = append(out, TileStats{
			Name:      name,
			MinHeight: t.Grid.WorldMin(),
			MaxHeight: t.Grid.WorldMax(),
			Digest:    t.Grid.Digest(),
		})
	}
	return out
}

// finish publishes, journals and indexes the result of one executed
// operation.
func (s *Session) finish(op *Operation, out outcome, replay bool) Event {
	ev := Event{OperationID: op.ID, Type: op.Type, Replay: replay, Spawns: out.spawns, Files: out.files}
	if out.changed {
		ev.Tiles = s.tileStats(out.tiles)
	}
	action := "apply"
	if replay {
		action = "replay"
	}
	entry := plog.JournalEntry{
		Action:      action,
		OperationID: op.ID,
		Type:        string(op.Type),
		Description: op.Description,
		Tiles:       out.tiles,
	}
	if len(ev.Tiles) > 0 {
		entry.Digests = map[string]string{}
		for _, ts := range ev.Tiles {
			entry.Digests[ts.Name] = ts.Digest
			s.index.RecordTileStats(indexdb.TileStatsRow{
				OperationID: op.ID,
				Tile:        ts.Name,
				MinHeight:   ts.MinHeight,
				MaxHeight:   ts.MaxHeight,
				Digest:      ts.Digest,
			})
		}
	}
	s.writeJournal(entry)
	s.publish(ev)
	return ev
}

func (s *Session) writeJournal(e plog.JournalEntry) {
	if err := s.journal.Write(e); err != nil {
		s.logger.Printf("journal: %v", err)
	}
}

// syncIndex rewrites the indexed operation log.
func (s *Session) syncIndex(ctx context.Context) error {
	if s.index == nil {
		return nil
	}
	rows := make([]indexdb.OperationRow, 0, s.log.Len())
	for i, op := range s.log.ops {
		rows = append(rows, indexdb.OperationRow{
			Seq:         i,
			ID:          op.ID,
			Type:        string(op.Type),
			CreatedAt:   op.CreatedAt,
			Description: op.Description,
			Active:      op.Active,
			Tiles:       op.Tiles,
			SettingsID:  op.SettingsID,
		})
	}
	return s.index.SaveLog(ctx, rows)
}

func describe(st Settings, out outcome) string {
	n := len(out.tiles)
	switch v := st.(type) {
	case *WorldSettings:
		return fmt.Sprintf("Create world %dx%d", v.Grid.XTiles, v.Grid.ZTiles)
	case *StampSettings:
		return fmt.Sprintf("Stamp %s on %s", v.Feature.Kind(), plural(n, "tile"))
	case *SpawnSettings:
		return fmt.Sprintf("Spawn %s on %s", plural(len(out.spawns), "point"), plural(n, "tile"))
	case *FlattenSettings:
		return fmt.Sprintf("Flatten %s to %gm", plural(n, "tile"), v.Height)
	case *MaskMapExportSettings:
		return fmt.Sprintf("Export mask map %s", strings.Join(out.files, ", "))
	case *PaintLayerSettings:
		if v.Erase {
			return fmt.Sprintf("Erase layer %s on %s", v.Layer, plural(n, "tile"))
		}
		return fmt.Sprintf("Paint layer %s on %s", v.Layer, plural(n, "tile"))
	case *OriginShiftSettings:
		return fmt.Sprintf("Shift origin by %g, %g", v.Shift.X(), v.Shift.Z())
	case *UndoSettings:
		return fmt.Sprintf("Undo on %s", plural(n, "tile"))
	case *RedoSettings:
		return fmt.Sprintf("Redo on %s", plural(n, "tile"))
	}
	return string(st.Type())
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
