package undo

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"terrastamp.ai/internal/terrain/heightgrid"
)

var (
	ErrNothingToUndo = errors.New("undo: nothing to undo")
	ErrNothingToRedo = errors.New("undo: nothing to redo")
	ErrUnknownTile   = errors.New("undo: unknown tile")
)

// Grids resolves tile names to their live height grids.
type Grids interface {
	Grid(name string) (*heightgrid.Grid, bool)
}

// LayerStore is implemented by Grids whose tiles also carry painted layers.
// Layers are then captured and restored together with the heights.
type LayerStore interface {
	Layers(tile string) map[string][]float64
	SetLayers(tile string, layers map[string][]float64)
}

// Entry describes one undoable step.
type Entry struct {
	Label string
	Tiles []string
}

type entry struct {
	Entry
	before *snapshot
	// after is captured the first time the entry is stepped back over.
	after *snapshot
}

type snapshot struct {
	grids  map[string][]byte
	layers map[string]map[string][]float64
}

// Stack is a linear undo history. The cursor counts applied entries: entries
// below it can be stepped back over, entries at or above it can be redone.
type Stack struct {
	grids      Grids
	maxEntries int

	entries []*entry
	cursor  int

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New returns an empty stack. maxEntries <= 0 means unbounded.
func New(grids Grids, maxEntries int) (*Stack, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Stack{grids: grids, maxEntries: maxEntries, enc: enc, dec: dec}, nil
}

func (s *Stack) Close() {
	s.enc.Close()
	s.dec.Close()
}

func (s *Stack) Len() int             { return len(s.entries) }
func (s *Stack) Cursor() int          { return s.cursor }
func (s *Stack) CanStepBack() bool    { return s.cursor > 0 }
func (s *Stack) CanStepForward() bool { return s.cursor < len(s.entries) }

func (s *Stack) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Entry
	}
	return out
}

func (s *Stack) Clear() {
	s.entries = nil
	s.cursor = 0
}

// Push snapshots tiles before a destructive operation. Any redo future is
// dropped. Nothing changes if a tile is unknown.
func (s *Stack) Push(label string, tiles []string) error {
	before, err := s.capture(tiles)
	if err != nil {
		return err
	}
	s.entries = append(s.entries[:s.cursor], &entry{
		Entry:  Entry{Label: label, Tiles: append([]string(nil), tiles...)},
		before: before,
	})
	s.cursor = len(s.entries)
	if s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		drop := len(s.entries) - s.maxEntries
		s.entries = append([]*entry(nil), s.entries[drop:]...)
		s.cursor -= drop
	}
	return nil
}

// Abort restores and discards the most recent Push. It is used when the
// operation that pushed the entry failed, so no redo step is left behind.
func (s *Stack) Abort() error {
	if s.cursor == 0 || s.cursor != len(s.entries) {
		return ErrNothingToUndo
	}
	e := s.entries[s.cursor-1]
	if err := s.check(e.Tiles); err != nil {
		return err
	}
	if err := s.restore(e.before); err != nil {
		return err
	}
	s.entries = s.entries[:s.cursor-1]
	s.cursor--
	return nil
}

// StepBack restores the most recently applied entry's pre-operation grids.
func (s *Stack) StepBack() (Entry, error) {
	if s.cursor == 0 {
		return Entry{}, ErrNothingToUndo
	}
	e := s.entries[s.cursor-1]
	if err := s.check(e.Tiles); err != nil {
		return Entry{}, err
	}
	if e.after == nil {
		after, err := s.capture(e.Tiles)
		if err != nil {
			return Entry{}, err
		}
		e.after = after
	}
	if err := s.restore(e.before); err != nil {
		return Entry{}, err
	}
	s.cursor--
	return e.Entry, nil
}

// StepForward reapplies the next entry's post-operation grids.
func (s *Stack) StepForward() (Entry, error) {
	if s.cursor >= len(s.entries) {
		return Entry{}, ErrNothingToRedo
	}
	e := s.entries[s.cursor]
	if err := s.check(e.Tiles); err != nil {
		return Entry{}, err
	}
	if err := s.restore(e.after); err != nil {
		return Entry{}, err
	}
	s.cursor++
	return e.Entry, nil
}

func (s *Stack) check(tiles []string) error {
	for _, name := range tiles {
		if _, ok := s.grids.Grid(name); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTile, name)
		}
	}
	return nil
}

func (s *Stack) capture(tiles []string) (*snapshot, error) {
	if err := s.check(tiles); err != nil {
		return nil, err
	}
	snap := &snapshot{grids: make(map[string][]byte, len(tiles))}
	for _, name := range tiles {
		g, _ := s.grids.Grid(name)
		snap.grids[name] = s.enc.EncodeAll(g.Encode(), nil)
	}
	if ls, ok := s.grids.(LayerStore); ok {
		snap.layers = make(map[string]map[string][]float64, len(tiles))
		for _, name := range tiles {
			snap.layers[name] = copyLayers(ls.Layers(name))
		}
	}
	return snap, nil
}

func copyLayers(in map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(in))
	for k, v := range in {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// restore decodes every snapshot before touching any grid.
func (s *Stack) restore(snap *snapshot) error {
	raw := make(map[string][]byte, len(snap.grids))
	for name, b := range snap.grids {
		dec, err := s.dec.DecodeAll(b, nil)
		if err != nil {
			return fmt.Errorf("undo snapshot %s: %w", name, err)
		}
		raw[name] = dec
	}
	for name, b := range raw {
		g, _ := s.grids.Grid(name)
		if err := g.RestoreSamples(b); err != nil {
			return fmt.Errorf("undo restore %s: %w", name, err)
		}
	}
	if ls, ok := s.grids.(LayerStore); ok && snap.layers != nil {
		for name, layers := range snap.layers {
			ls.SetLayers(name, copyLayers(layers))
		}
	}
	return nil
}
