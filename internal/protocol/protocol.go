package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello        = "HELLO"
	TypeWelcome      = "WELCOME"
	TypeResult       = "RESULT"
	TypeProgress     = "PROGRESS"
	TypeTilesChanged = "TILES_CHANGED"

	TypeCreateGrid     = "CREATE_GRID"
	TypeStamp          = "STAMP"
	TypeUndo           = "UNDO"
	TypeRedo           = "REDO"
	TypeExecute        = "EXECUTE"
	TypePlayAll        = "PLAY_ALL"
	TypeFlattenAll     = "FLATTEN_ALL"
	TypeSpawn          = "SPAWN"
	TypeExportMaskMap  = "EXPORT_MASK_MAP"
	TypeSetActive      = "SET_ACTIVE"
	TypeSetDescription = "SET_DESCRIPTION"
	TypeDeleteOp       = "DELETE_OP"
	TypeClearLog       = "CLEAR_LOG"
	TypeListOps        = "LIST_OPS"
	TypeRebuild        = "REBUILD"
	TypeSave           = "SAVE"
	TypePaintLayer     = "PAINT_LAYER"
	TypeFocus          = "FOCUS"
)

var requestTypes = map[string]struct{}{
	TypeCreateGrid:     {},
	TypeStamp:          {},
	TypeUndo:           {},
	TypeRedo:           {},
	TypeExecute:        {},
	TypePlayAll:        {},
	TypeFlattenAll:     {},
	TypeSpawn:          {},
	TypeExportMaskMap:  {},
	TypeSetActive:      {},
	TypeSetDescription: {},
	TypeDeleteOp:       {},
	TypeClearLog:       {},
	TypeListOps:        {},
	TypeRebuild:        {},
	TypeSave:           {},
	TypePaintLayer:     {},
	TypeFocus:          {},
}

// IsRequestType reports whether t is a client request the server handles.
func IsRequestType(t string) bool {
	_, ok := requestTypes[t]
	return ok
}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
