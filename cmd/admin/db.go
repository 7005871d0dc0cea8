package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"terrastamp.ai/internal/persistence/indexdb"
)

// dbCmd queries the session index directly, without going through the
// session. The server may be running; the index is in WAL mode.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "session data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	tile := fs.String("tile", "", "tile name filter (history)")
	key := fs.String("key", "", "single meta key (meta)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "ops"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "ops":
		err = queryOps(db)
	case "tiles":
		err = writeLatestTiles(os.Stdout, path)
	case "history":
		if strings.TrimSpace(*tile) == "" {
			fmt.Fprintln(os.Stderr, "missing -tile")
			os.Exit(2)
		}
		err = queryTileHistory(db, *tile, *limit)
	case "meta":
		if *key != "" {
			err = writeMeta(os.Stdout, path, *key)
		} else {
			err = queryMeta(db)
		}
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(ops, tiles, history, meta)")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

func queryOps(db *sql.DB) error {
	rows, err := db.Query(`SELECT seq,id,type,created_at,description,active,tiles_json,settings_id FROM operations ORDER BY seq`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			Seq         int             `json:"seq"`
			ID          string          `json:"id"`
			Type        string          `json:"type"`
			CreatedAt   string          `json:"created_at"`
			Description string          `json:"description"`
			Active      bool            `json:"active"`
			Tiles       json.RawMessage `json:"tiles"`
			SettingsID  string          `json:"settings_id"`
		}
		var tiles string
		if err := rows.Scan(&r.Seq, &r.ID, &r.Type, &r.CreatedAt, &r.Description, &r.Active, &tiles, &r.SettingsID); err != nil {
			return err
		}
		r.Tiles = json.RawMessage(tiles)
		printJSON(r)
	}
	return rows.Err()
}

type tileStatsRow struct {
	OperationID string  `json:"operation_id"`
	Tile        string  `json:"tile"`
	MinHeight   float64 `json:"min_height"`
	MaxHeight   float64 `json:"max_height"`
	Digest      string  `json:"digest"`
	RecordedAt  string  `json:"recorded_at"`
}

func scanTileStats(rows *sql.Rows) error {
	defer rows.Close()
	for rows.Next() {
		var r tileStatsRow
		if err := rows.Scan(&r.OperationID, &r.Tile, &r.MinHeight, &r.MaxHeight, &r.Digest, &r.RecordedAt); err != nil {
			return err
		}
		printJSON(r)
	}
	return rows.Err()
}

// writeLatestTiles prints the newest stats row of every tile, by name.
func writeLatestTiles(w io.Writer, path string) error {
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()
	latest, err := idx.LatestTileStats(context.Background())
	if err != nil {
		return err
	}
	names := make([]string, 0, len(latest))
	for name := range latest {
		names = append(names, name)
	}
	sort.Strings(names)
	enc := json.NewEncoder(w)
	for _, name := range names {
		r := latest[name]
		if err := enc.Encode(tileStatsRow{
			OperationID: r.OperationID,
			Tile:        r.Tile,
			MinHeight:   r.MinHeight,
			MaxHeight:   r.MaxHeight,
			Digest:      r.Digest,
			RecordedAt:  r.RecordedAt.UTC().Format(time.RFC3339Nano),
		}); err != nil {
			return err
		}
	}
	return nil
}

func queryTileHistory(db *sql.DB, tile string, limit int) error {
	rows, err := db.Query(`SELECT operation_id,tile,min_height,max_height,digest,recorded_at FROM tile_stats WHERE tile=? ORDER BY seq DESC LIMIT ?`, tile, limit)
	if err != nil {
		return err
	}
	return scanTileStats(rows)
}

func writeMeta(w io.Writer, path, key string) error {
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()
	v, ok, err := idx.Meta(context.Background(), key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no meta key %q", key)
	}
	_, err = fmt.Fprintln(w, v)
	return err
}

func queryMeta(db *sql.DB) error {
	rows, err := db.Query(`SELECT key,value FROM meta ORDER BY key`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return err
		}
		printJSON(r)
	}
	return rows.Err()
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
