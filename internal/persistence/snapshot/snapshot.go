package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"terrastamp.ai/internal/terrain/heightgrid"
	"terrastamp.ai/internal/world"
)

const Version = 1

// Header is written as a JSON line ahead of the gob body so tools can peek at
// a snapshot without decoding the grids.
type Header struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	// Operations and LogDigest identify the operation log the world was
	// reduced from. A snapshot is only valid for that exact log.
	Operations int    `json:"operations"`
	LogDigest  string `json:"log_digest"`
}

// SnapshotV1 is a cached reduction of a session's operation log.
type SnapshotV1 struct {
	Header Header

	Request   world.GridRequest
	SeaLevels map[world.SeaContext]float64
	Biomes    []world.Biome
	Tiles     []TileV1
}

type TileV1 struct {
	Name   string
	X, Z   int
	State  world.StreamState
	Grid   []byte
	Layers map[string][]float64
}

// Capture copies the world's state into a snapshot.
func Capture(w *world.World, h Header) SnapshotV1 {
	snap := SnapshotV1{
		Header:    h,
		Request:   w.Request(),
		SeaLevels: map[world.SeaContext]float64{},
		Biomes:    w.Biomes(),
	}
	snap.Header.Version = Version
	for _, sc := range []world.SeaContext{world.SeaRegular, world.SeaWorldMap} {
		snap.SeaLevels[sc] = w.SeaLevel(sc)
	}
	for _, t := range w.Tiles() {
		snap.Tiles = append(snap.Tiles, TileV1{
			Name:   t.Name,
			X:      t.X,
			Z:      t.Z,
			State:  t.State,
			Grid:   t.Grid.Encode(),
			Layers: t.Layers,
		})
	}
	return snap
}

// Restore rebuilds a world from the snapshot.
func (snap SnapshotV1) Restore() (*world.World, error) {
	w := world.New()
	for sc, v := range snap.SeaLevels {
		w.SetSeaLevel(sc, v)
	}
	for _, b := range snap.Biomes {
		w.AddBiome(b)
	}
	if len(snap.Tiles) == 0 {
		return w, nil
	}
	tiles := make([]*world.Tile, 0, len(snap.Tiles))
	for _, tv := range snap.Tiles {
		g, err := heightgrid.Decode(tv.Grid)
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", tv.Name, err)
		}
		tiles = append(tiles, &world.Tile{
			Name:   tv.Name,
			X:      tv.X,
			Z:      tv.Z,
			Grid:   g,
			State:  tv.State,
			Layers: tv.Layers,
		})
	}
	if err := w.Restore(snap.Request, tiles); err != nil {
		return nil, err
	}
	return w, nil
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}
