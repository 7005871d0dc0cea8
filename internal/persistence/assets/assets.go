package assets

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrNotFound = errors.New("assets: not found")
	ErrBadID    = errors.New("assets: id is not a uuid")
	ErrInvalid  = errors.New("assets: payload failed schema validation")
)

const (
	formatVersion = 1
	fileSuffix    = ".asset.zst"
)

// Header is the first JSON line of every asset file.
type Header struct {
	Version int       `json:"version"`
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	SavedAt time.Time `json:"saved_at"`
}

// Asset is one self-contained settings payload.
type Asset struct {
	ID      string
	Type    string
	SavedAt time.Time
	Payload json.RawMessage
}

// Store keeps assets as <id>.asset.zst files in one directory.
type Store struct {
	dir string
	now func() time.Time

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("assets: empty dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, now: time.Now, schemas: map[string]*jsonschema.Schema{}}, nil
}

func NewID() string { return uuid.NewString() }

func (s *Store) Dir() string { return s.dir }

// RegisterSchema compiles a JSON schema used to validate payloads of typ.
// Types without a schema are stored unchecked.
func (s *Store) RegisterSchema(typ, schema string) error {
	sch, err := jsonschema.CompileString(typ+".schema.json", schema)
	if err != nil {
		return fmt.Errorf("assets: compile schema %s: %w", typ, err)
	}
	s.mu.Lock()
	s.schemas[typ] = sch
	s.mu.Unlock()
	return nil
}

func (s *Store) validate(typ string, payload []byte) error {
	s.mu.RLock()
	sch := s.schemas[typ]
	s.mu.RUnlock()
	if sch == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, typ, err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, typ, err)
	}
	return nil
}

func (s *Store) path(id string) string { return filepath.Join(s.dir, id+fileSuffix) }

func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrBadID, id)
	}
	return nil
}

// Save validates and writes a. An empty ID is assigned a fresh one; the
// stored asset is returned.
func (s *Store) Save(a Asset) (Asset, error) {
	if a.ID == "" {
		a.ID = NewID()
	}
	if err := checkID(a.ID); err != nil {
		return a, err
	}
	if err := s.validate(a.Type, a.Payload); err != nil {
		return a, err
	}
	a.SavedAt = s.now().UTC()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return a, err
	}
	bw := bufio.NewWriter(enc)
	hb, _ := json.Marshal(Header{Version: formatVersion, ID: a.ID, Type: a.Type, SavedAt: a.SavedAt})
	var compact bytes.Buffer
	if err := json.Compact(&compact, a.Payload); err != nil {
		return a, fmt.Errorf("assets: payload: %w", err)
	}
	for _, line := range [][]byte{hb, compact.Bytes()} {
		if _, err := bw.Write(line); err != nil {
			return a, err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return a, err
		}
	}
	if err := bw.Flush(); err != nil {
		return a, err
	}
	if err := enc.Close(); err != nil {
		return a, err
	}

	// Write then rename so a crash never leaves a torn asset behind.
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return a, err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return a, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return a, err
	}
	if err := os.Rename(tmp.Name(), s.path(a.ID)); err != nil {
		_ = os.Remove(tmp.Name())
		return a, err
	}
	return a, nil
}

// Load reads and validates one asset.
func (s *Store) Load(id string) (Asset, error) {
	if err := checkID(id); err != nil {
		return Asset{}, err
	}
	f, err := os.Open(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return Asset{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Asset{}, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return Asset{}, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return Asset{}, fmt.Errorf("assets: %s header: %w", id, err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return Asset{}, fmt.Errorf("assets: %s header: %w", id, err)
	}
	if h.Version != formatVersion {
		return Asset{}, fmt.Errorf("assets: %s: unsupported version %d", id, h.Version)
	}
	if h.ID != id {
		return Asset{}, fmt.Errorf("assets: %s: header id %s", id, h.ID)
	}
	payload, err := io.ReadAll(br)
	if err != nil {
		return Asset{}, err
	}
	payload = bytes.TrimSpace(payload)
	if err := s.validate(h.Type, payload); err != nil {
		return Asset{}, err
	}
	return Asset{ID: h.ID, Type: h.Type, SavedAt: h.SavedAt, Payload: payload}, nil
}

func (s *Store) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// List returns the stored asset ids, sorted.
func (s *Store) List() ([]string, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, fileSuffix)
		if checkID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
