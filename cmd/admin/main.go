package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	plog "terrastamp.ai/internal/persistence/log"
	"terrastamp.ai/internal/persistence/snapshot"
	"terrastamp.ai/internal/session"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "ops":
			opsCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "snapinfo":
			snapInfoCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	opsCmd(os.Args[1:])
}

func opsCmd(args []string) {
	fs := flag.NewFlagSet("ops", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "session data directory")
	asJSON := fs.Bool("json", false, "print operations with their settings as JSON lines")
	_ = fs.Parse(args)

	ops, err := session.ReadLog(context.Background(), *dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read log:", err)
		os.Exit(1)
	}
	if *asJSON {
		if err := writeOpsJSON(os.Stdout, ops); err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			os.Exit(1)
		}
		return
	}
	writeOpsTable(os.Stdout, ops)
}

func writeOpsTable(w io.Writer, ops []*session.Operation) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tACTIVE\tTYPE\tCREATED\tTILES\tDESCRIPTION")
	for i, op := range ops {
		fmt.Fprintf(tw, "%d\t%t\t%s\t%s\t%d\t%s\n", i, op.Active, op.Type, op.CreatedAt.UTC().Format(time.RFC3339), len(op.Tiles), op.Description)
	}
	_ = tw.Flush()
}

func writeOpsJSON(w io.Writer, ops []*session.Operation) error {
	enc := json.NewEncoder(w)
	for _, op := range ops {
		rec := struct {
			*session.Operation
			Settings session.Settings `json:"settings"`
		}{op, op.Settings}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "session data directory")
	action := fs.String("action", "", "only entries with this action (optional)")
	since := fs.Duration("since", 0, "only entries newer than this (optional)")
	_ = fs.Parse(args)

	entries, err := plog.ReadJournal(plog.JournalDir(*dataDir))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}
	var cutoff time.Time
	if *since > 0 {
		cutoff = time.Now().Add(-*since)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range filterJournal(entries, strings.TrimSpace(*action), cutoff) {
		_ = enc.Encode(e)
	}
}

func filterJournal(entries []plog.JournalEntry, action string, cutoff time.Time) []plog.JournalEntry {
	var out []plog.JournalEntry
	for _, e := range entries {
		if action != "" && e.Action != action {
			continue
		}
		if !cutoff.IsZero() && e.Time.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// snapInfoCmd reports whether the saved world snapshot still matches the
// log, i.e. whether the next start skips the replay.
func snapInfoCmd(args []string) {
	fs := flag.NewFlagSet("snapinfo", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "session data directory")
	_ = fs.Parse(args)

	path := session.SnapshotPath(*dataDir)
	h, err := snapshot.ReadHeader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("no snapshot")
			return
		}
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	ops, err := session.ReadLog(context.Background(), *dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read log:", err)
		os.Exit(1)
	}
	current := h.Operations == len(ops) && h.LogDigest == session.LogDigest(ops)
	fmt.Printf("snapshot v%d saved=%s operations=%d log=%d current=%t\n",
		h.Version, h.SavedAt.UTC().Format(time.RFC3339), h.Operations, len(ops), current)
}
