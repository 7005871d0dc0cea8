package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"terrastamp.ai/internal/export"
	plog "terrastamp.ai/internal/persistence/log"
	"terrastamp.ai/internal/session"
	"terrastamp.ai/internal/world"
)

func main() {
	var (
		dataDir   = flag.String("data", "", "session data directory")
		upTo      = flag.Int("upto", 0, "replay only the first n operations (optional)")
		workers   = flag.Int("workers", 1, "tiles stamped in parallel")
		verify    = flag.Bool("verify", true, "compare tile digests with the last journaled ones")
		exportDir = flag.String("export", "", "write every tile heightmap into this directory (optional)")
		format    = flag.String("format", "png", "heightmap format: png, tiff or r32")
		size      = flag.Int("size", 0, "resample heightmaps to size x size (optional)")
	)
	flag.Parse()

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "missing -data")
		os.Exit(2)
	}
	ctx := context.Background()

	ops, err := session.ReadLog(ctx, *dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read log:", err)
		os.Exit(1)
	}
	if *upTo > 0 && *upTo < len(ops) {
		ops = ops[:*upTo]
	}
	active := 0
	for _, op := range ops {
		if op.Active {
			active++
		}
	}
	fmt.Printf("log %s: operations=%d active=%d\n", *dataDir, len(ops), active)

	w, err := session.Reduce(ctx, ops, session.Config{Workers: *workers})
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	got := tileDigests(w)
	for _, t := range w.Tiles() {
		fmt.Printf("%s min=%.3f max=%.3f digest=%s\n", t.Name, t.Grid.WorldMin(), t.Grid.WorldMax(), got[t.Name])
	}

	if *exportDir != "" {
		files, err := exportHeights(w, *exportDir, *format, *size)
		if err != nil {
			fmt.Fprintln(os.Stderr, "export:", err)
			os.Exit(1)
		}
		fmt.Printf("exported %d heightmaps to %s\n", len(files), *exportDir)
	}

	if !*verify || *upTo > 0 {
		return
	}
	entries, err := plog.ReadJournal(plog.JournalDir(*dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no journal, nothing to verify")
			return
		}
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}
	diffs := compareDigests(got, lastDigests(entries))
	if len(diffs) > 0 {
		for _, d := range diffs {
			fmt.Fprintln(os.Stderr, d)
		}
		os.Exit(1)
	}
	fmt.Printf("replay ok: %d tiles match the journal\n", len(got))
}

func tileDigests(w *world.World) map[string]string {
	out := map[string]string{}
	for _, t := range w.Tiles() {
		out[t.Name] = t.Grid.Digest()
	}
	return out
}

// lastDigests folds the journal into the most recent digest per tile. A
// rebuild or a clear invalidates what came before.
func lastDigests(entries []plog.JournalEntry) map[string]string {
	out := map[string]string{}
	for _, e := range entries {
		switch e.Action {
		case "clear":
			out = map[string]string{}
		case "rebuild":
			out = map[string]string{}
			for _, name := range e.Tiles {
				out[name] = ""
			}
		}
		for name, d := range e.Digests {
			out[name] = d
		}
	}
	return out
}

// compareDigests lists every tile whose digest differs. Tiles journaled
// without a digest are not compared.
func compareDigests(got, want map[string]string) []string {
	var diffs []string
	for name, d := range want {
		g, ok := got[name]
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("%s: journaled but missing after replay", name))
		case d != "" && g != d:
			diffs = append(diffs, fmt.Sprintf("%s: digest mismatch got=%s want=%s", name, g, d))
		}
	}
	for name := range got {
		if _, ok := want[name]; !ok && len(want) > 0 {
			diffs = append(diffs, fmt.Sprintf("%s: not in the journal", name))
		}
	}
	sort.Strings(diffs)
	return diffs
}

func exportHeights(w *world.World, dir, format string, size int) ([]string, error) {
	var files []string
	for _, t := range w.Tiles() {
		path := filepath.Join(dir, t.Name+"."+format)
		if _, err := export.FormatFor(path); err != nil {
			return nil, err
		}
		c := export.HeightChannel(t.Grid)
		if size > 0 {
			c = export.Resample(c, size, size)
		}
		if err := export.WriteFile(path, c.Width, c.Depth, c); err != nil {
			return nil, err
		}
		files = append(files, path)
	}
	return files, nil
}
