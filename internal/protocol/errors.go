package protocol

import (
	"context"
	"errors"

	"terrastamp.ai/internal/export"
	"terrastamp.ai/internal/persistence/assets"
	"terrastamp.ai/internal/session"
	"terrastamp.ai/internal/terrain/heightgrid"
	"terrastamp.ai/internal/terrain/ops"
	"terrastamp.ai/internal/terrain/undo"
	"terrastamp.ai/internal/world"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Request content.
	ErrBadRequest  = "E_BAD_REQUEST"
	ErrInvalid     = "E_INVALID_SETTINGS"
	ErrUnknownType = "E_UNKNOWN_TYPE"

	// World state.
	ErrTerrainExists = "E_TERRAIN_EXISTS"
	ErrNoTerrain     = "E_NO_TERRAIN"
	ErrUnknownTile   = "E_UNKNOWN_TILE"
	ErrNoTiles       = "E_NO_TILES_AFFECTED"

	// History and log.
	ErrNothingToUndo = "E_NOTHING_TO_UNDO"
	ErrNothingToRedo = "E_NOTHING_TO_REDO"
	ErrIndex         = "E_INDEX_OUT_OF_RANGE"
	ErrReplay        = "E_REPLAY"

	ErrExport     = "E_EXPORT"
	ErrPersistent = "E_NOT_PERSISTENT"
	ErrCanceled   = "E_CANCELED"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrInvalid:         {},
	ErrUnknownType:     {},
	ErrTerrainExists:   {},
	ErrNoTerrain:       {},
	ErrUnknownTile:     {},
	ErrNoTiles:         {},
	ErrNothingToUndo:   {},
	ErrNothingToRedo:   {},
	ErrIndex:           {},
	ErrReplay:          {},
	ErrExport:          {},
	ErrPersistent:      {},
	ErrCanceled:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

var codeTable = []struct {
	err  error
	code string
}{
	{context.Canceled, ErrCanceled},
	{context.DeadlineExceeded, ErrCanceled},
	{world.ErrTerrainExists, ErrTerrainExists},
	{session.ErrNoTerrain, ErrNoTerrain},
	{world.ErrUnknownTile, ErrUnknownTile},
	{undo.ErrUnknownTile, ErrUnknownTile},
	{session.ErrNoTilesAffected, ErrNoTiles},
	{undo.ErrNothingToUndo, ErrNothingToUndo},
	{undo.ErrNothingToRedo, ErrNothingToRedo},
	{session.ErrIndexOutOfRange, ErrIndex},
	{session.ErrUnknownType, ErrUnknownType},
	{ops.ErrUnknownKind, ErrUnknownType},
	{assets.ErrInvalid, ErrInvalid},
	{session.ErrNoFeature, ErrInvalid},
	{world.ErrEmptyGrid, ErrBadRequest},
	{world.ErrBadRequest, ErrBadRequest},
	{world.ErrLayerShape, ErrBadRequest},
	{session.ErrNoLayer, ErrBadRequest},
	{heightgrid.ErrBadShape, ErrBadRequest},
	{ops.ErrWeightsLength, ErrBadRequest},
	{session.ErrBadExportPath, ErrExport},
	{session.ErrNoExportDir, ErrExport},
	{export.ErrFormat, ErrExport},
	{export.ErrChannels, ErrExport},
	{export.ErrShape, ErrExport},
	{session.ErrPersistent, ErrPersistent},
}

// CodeFor maps an error returned by the session to its wire code. A replay
// failure reports the code of the step that failed only when that step has
// one; otherwise E_REPLAY.
func CodeFor(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	var step *session.StepError
	if errors.As(err, &step) {
		return ErrReplay
	}
	return ErrInternal
}
