package protocol

import (
	"encoding/json"

	"terrastamp.ai/internal/session"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
	// Progress asks for PROGRESS messages while stamps run.
	Progress bool `json:"progress,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ClientID        string   `json:"client_id"`
	HasTerrain      bool     `json:"has_terrain"`
	Tiles           []string `json:"tiles,omitempty"`
	Operations      int      `json:"operations"`
	SettingsTypes   []string `json:"settings_types"`
}

// RequestMsg carries every client request. Which fields matter depends on
// Type: Settings for CREATE_GRID, STAMP, SPAWN, EXPORT_MASK_MAP and
// PAINT_LAYER; Index for the log-entry requests; Tiles and Height for
// FLATTEN_ALL; Focus for FOCUS.
type RequestMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	RequestID       string          `json:"request_id,omitempty"`
	Settings        json.RawMessage `json:"settings,omitempty"`
	Index           *int            `json:"index,omitempty"`
	Active          *bool           `json:"active,omitempty"`
	Description     *string         `json:"description,omitempty"`
	Tiles           []string        `json:"tiles,omitempty"`
	Height          float64         `json:"height,omitempty"`
	Focus           *[3]float64     `json:"focus,omitempty"`
}

// RESULT (server -> client), one per request.
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RequestID       string `json:"request_id,omitempty"`
	For             string `json:"for"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`

	Operation  *session.Operation   `json:"operation,omitempty"`
	Operations []*session.Operation `json:"operations,omitempty"`
	Report     *session.PlayReport  `json:"report,omitempty"`
	Spawns     []session.SpawnPoint `json:"spawns,omitempty"`
	Files      []string             `json:"files,omitempty"`
	Tiles      []session.TileStats  `json:"tiles,omitempty"`
	Focus      *session.FocusResult `json:"focus,omitempty"`
}

// PROGRESS (server -> requesting client) while a stamp runs.
type ProgressMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RequestID       string `json:"request_id,omitempty"`
	Stage           string `json:"stage"`
	Done            int    `json:"done"`
	Total           int    `json:"total"`
}

// TILES_CHANGED (server -> all clients) after any operation alters heights.
type TilesChangedMsg struct {
	Type            string              `json:"type"`
	ProtocolVersion string              `json:"protocol_version"`
	OperationID     string              `json:"operation_id,omitempty"`
	Operation       string              `json:"operation"`
	Replay          bool                `json:"replay,omitempty"`
	Tiles           []session.TileStats `json:"tiles"`
}

func NewResult(req RequestMsg) ResultMsg {
	return ResultMsg{
		Type:            TypeResult,
		ProtocolVersion: Version,
		RequestID:       req.RequestID,
		For:             req.Type,
		OK:              true,
	}
}

// Fail turns r into an error reply for err.
func (r *ResultMsg) Fail(err error) {
	r.OK = false
	r.Code = CodeFor(err)
	r.Message = err.Error()
}

func NewTilesChanged(ev session.Event) TilesChangedMsg {
	return TilesChangedMsg{
		Type:            TypeTilesChanged,
		ProtocolVersion: Version,
		OperationID:     ev.OperationID,
		Operation:       string(ev.Type),
		Replay:          ev.Replay,
		Tiles:           ev.Tiles,
	}
}
