package main

import (
	"fmt"
	"io"

	"terrastamp.ai/internal/session"
)

type sessionMetrics struct {
	Operations       int
	ActiveOperations int
	Tiles            int
	UndoApplied      int
	UndoEntries      int
	IndexQueueDepth  int
	IndexQueueCap    int
	IndexDropsTotal  uint64
}

type adminState struct {
	HasTerrain bool                 `json:"has_terrain"`
	Tiles      []session.TileStats  `json:"tiles"`
	Operations []*session.Operation `json:"operations"`
	UndoDepth  int                  `json:"undo_depth"`
	UndoCursor int                  `json:"undo_cursor"`
}

func collectMetrics(s *session.Session) sessionMetrics {
	m := sessionMetrics{
		Operations:  s.Log().Len(),
		Tiles:       len(s.World().Tiles()),
		UndoApplied: s.History().Cursor(),
		UndoEntries: s.History().Len(),
	}
	for _, op := range s.Log().Operations() {
		if op.Active {
			m.ActiveOperations++
		}
	}
	st := s.IndexStats()
	m.IndexQueueDepth = st.QueueDepth
	m.IndexQueueCap = st.QueueCapacity
	m.IndexDropsTotal = st.DropTileStatsTotal
	return m
}

func collectState(s *session.Session) adminState {
	st := adminState{
		HasTerrain: s.World().HasTerrain(),
		Operations: s.Log().Operations(),
		UndoDepth:  s.History().Len(),
		UndoCursor: s.History().Cursor(),
	}
	for _, t := range s.World().Tiles() {
		st.Tiles = append(st.Tiles, session.TileStats{
			Name:      t.Name,
			MinHeight: t.Grid.WorldMin(),
			MaxHeight: t.Grid.WorldMax(),
			Digest:    t.Grid.Digest(),
		})
	}
	return st
}

// writeMetrics renders m in the Prometheus text exposition format.
func writeMetrics(w io.Writer, m sessionMetrics) {
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %v\n", name, v)
	}
	gauge("terrastamp_operations", "Operations in the session log.", m.Operations)
	gauge("terrastamp_operations_active", "Active operations in the session log.", m.ActiveOperations)
	gauge("terrastamp_tiles", "Tiles in the world.", m.Tiles)
	gauge("terrastamp_undo_applied", "Applied entries on the undo stack.", m.UndoApplied)
	gauge("terrastamp_undo_entries", "Entries on the undo stack, including redoable ones.", m.UndoEntries)
	gauge("terrastamp_index_queue_depth", "Tile stats rows waiting for the index writer.", m.IndexQueueDepth)
	gauge("terrastamp_index_queue_capacity", "Index writer queue capacity.", m.IndexQueueCap)

	fmt.Fprintf(w, "# HELP terrastamp_index_dropped_total Tile stats rows dropped because the queue was full.\n")
	fmt.Fprintf(w, "# TYPE terrastamp_index_dropped_total counter\n")
	fmt.Fprintf(w, "terrastamp_index_dropped_total %d\n", m.IndexDropsTotal)
}
