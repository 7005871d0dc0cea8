package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteIndex stores the operation log synchronously and tile statistics
// asynchronously. The settings assets remain the source of truth for
// operation payloads; rows here only reference them.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTileStats atomic.Uint64
}

type reqKind int

const (
	reqTileStats reqKind = iota + 1
	reqMeta
)

type req struct {
	kind reqKind

	stats TileStatsRow
	key   string
	value string
}

// OperationRow is one operation log entry as indexed.
type OperationRow struct {
	Seq         int
	ID          string
	Type        string
	CreatedAt   time.Time
	Description string
	Active      bool
	Tiles       []string
	SettingsID  string
}

// TileStatsRow is published after a tile changes, for downstream consumers.
type TileStatsRow struct {
	OperationID string
	Tile        string
	MinHeight   float64
	MaxHeight   float64
	Digest      string
	RecordedAt  time.Time
}

type QueueStats struct {
	QueueDepth         int
	QueueCapacity      int
	DropTileStatsTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS operations (
			seq INTEGER PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			description TEXT NOT NULL,
			active INTEGER NOT NULL,
			tiles_json TEXT NOT NULL,
			settings_id TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tile_stats (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			operation_id TEXT NOT NULL,
			tile TEXT NOT NULL,
			min_height REAL NOT NULL,
			max_height REAL NOT NULL,
			digest TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tile_stats_tile ON tile_stats(tile, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1')`)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// SaveLog replaces the indexed operation log in one transaction.
func (s *SQLiteIndex) SaveLog(ctx context.Context, rows []OperationRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM operations`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO operations(seq,id,type,created_at,description,active,tiles_json,settings_id) VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range rows {
		tiles, err := json.Marshal(r.Tiles)
		if err != nil {
			return err
		}
		active := 0
		if r.Active {
			active = 1
		}
		if _, err := stmt.ExecContext(ctx,
			i,
			r.ID,
			r.Type,
			r.CreatedAt.UTC().Format(time.RFC3339Nano),
			r.Description,
			active,
			string(tiles),
			r.SettingsID,
		); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// LoadLog returns the indexed operations in log order.
func (s *SQLiteIndex) LoadLog(ctx context.Context) ([]OperationRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq,id,type,created_at,description,active,tiles_json,settings_id FROM operations ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OperationRow
	for rows.Next() {
		var (
			r         OperationRow
			createdAt string
			active    int
			tiles     string
		)
		if err := rows.Scan(&r.Seq, &r.ID, &r.Type, &createdAt, &r.Description, &active, &tiles, &r.SettingsID); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("operation %s created_at: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(tiles), &r.Tiles); err != nil {
			return nil, fmt.Errorf("operation %s tiles: %w", r.ID, err)
		}
		r.Active = active != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordTileStats queues a stats row. Rows are dropped if the writer falls
// behind.
func (s *SQLiteIndex) RecordTileStats(row TileStatsRow) {
	if s == nil || s.closed.Load() {
		return
	}
	if row.RecordedAt.IsZero() {
		row.RecordedAt = time.Now()
	}
	select {
	case s.ch <- req{kind: reqTileStats, stats: row}:
	default:
		s.dropTileStats.Add(1)
	}
}

// SetMeta is queued like tile stats.
func (s *SQLiteIndex) SetMeta(key, value string) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqMeta, key: key, value: value}:
	default:
	}
}

func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// LatestTileStats returns the most recent stats row per tile.
func (s *SQLiteIndex) LatestTileStats(ctx context.Context) (map[string]TileStatsRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.operation_id, t.tile, t.min_height, t.max_height, t.digest, t.recorded_at
		FROM tile_stats t
		JOIN (SELECT tile, MAX(seq) AS seq FROM tile_stats GROUP BY tile) m
		  ON t.tile = m.tile AND t.seq = m.seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]TileStatsRow{}
	for rows.Next() {
		var (
			r  TileStatsRow
			at string
		)
		if err := rows.Scan(&r.OperationID, &r.Tile, &r.MinHeight, &r.MaxHeight, &r.Digest, &at); err != nil {
			return nil, err
		}
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, at)
		out[r.Tile] = r
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Stats() QueueStats {
	if s == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:         len(s.ch),
		QueueCapacity:      cap(s.ch),
		DropTileStatsTotal: s.dropTileStats.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertStats, _ := s.db.Prepare(`INSERT INTO tile_stats(operation_id,tile,min_height,max_height,digest,recorded_at) VALUES(?,?,?,?,?,?)`)
	upsertMeta, _ := s.db.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	defer func() {
		if insertStats != nil {
			_ = insertStats.Close()
		}
		if upsertMeta != nil {
			_ = upsertMeta.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTileStats:
			st := r.stats
			if insertStats == nil {
				continue
			}
			if _, err := tx.Stmt(insertStats).Exec(
				st.OperationID,
				st.Tile,
				st.MinHeight,
				st.MaxHeight,
				st.Digest,
				st.RecordedAt.UTC().Format(time.RFC3339Nano),
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqMeta:
			if upsertMeta == nil {
				continue
			}
			if _, err := tx.Stmt(upsertMeta).Exec(r.key, r.value); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		// The pool has one connection; release it as soon as the queue drains so
		// SaveLog and LoadLog are not starved.
		if len(s.ch) == 0 || opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
