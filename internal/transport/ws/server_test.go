package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"terrastamp.ai/internal/protocol"
	"terrastamp.ai/internal/session"
	"terrastamp.ai/internal/terrain/mask"
	"terrastamp.ai/internal/terrain/ops"
	"terrastamp.ai/internal/world"
)

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	sess, err := session.New(session.Config{})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	srv := NewServer(sess, nil, opts)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
		_ = sess.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string, hello protocol.HelloMsg) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	hello.Type = protocol.TypeHello
	if hello.ProtocolVersion == "" {
		hello.ProtocolVersion = protocol.Version
	}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var welcome protocol.WelcomeMsg
	readInto(t, conn, &welcome)
	if welcome.Type != protocol.TypeWelcome || welcome.ClientID == "" {
		t.Fatalf("welcome = %+v", welcome)
	}
	return conn, welcome
}

func readInto(t *testing.T, conn *websocket.Conn, v any) protocol.BaseMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v != nil {
		if err := json.Unmarshal(msg, v); err != nil {
			t.Fatalf("unmarshal %s: %v", msg, err)
		}
	}
	return base
}

// request sends req and returns its RESULT along with anything that arrived
// before it.
func request(t *testing.T, conn *websocket.Conn, req protocol.RequestMsg) (protocol.ResultMsg, []protocol.BaseMessage) {
	t.Helper()
	if req.ProtocolVersion == "" {
		req.ProtocolVersion = protocol.Version
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	var before []protocol.BaseMessage
	for {
		var raw json.RawMessage
		base := readInto(t, conn, &raw)
		if base.Type != protocol.TypeResult {
			before = append(before, base)
			continue
		}
		var res protocol.ResultMsg
		if err := json.Unmarshal(raw, &res); err != nil {
			t.Fatalf("result: %v", err)
		}
		return res, before
	}
}

func settings(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal settings: %v", err)
	}
	return b
}

func TestHandshakeRejectsWrongVersion(t *testing.T) {
	_, url := startServer(t, Options{})
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1"})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestCreateGridBroadcastsTilesChanged(t *testing.T) {
	_, url := startServer(t, Options{
		FillWorld: func(ws session.WorldSettings) session.WorldSettings {
			if ws.Grid.Resolution == 0 {
				ws.Grid.Resolution = 5
			}
			return ws
		},
	})
	editor, welcome := dial(t, url, protocol.HelloMsg{ClientName: "editor"})
	if welcome.HasTerrain || welcome.Operations != 0 || len(welcome.SettingsTypes) == 0 {
		t.Fatalf("welcome = %+v", welcome)
	}
	spawner, _ := dial(t, url, protocol.HelloMsg{ClientName: "spawner"})

	ws := session.WorldSettings{Grid: world.GridRequest{XTiles: 2, ZTiles: 1, TileSize: 32, TileHeight: 10}}
	res, before := request(t, editor, protocol.RequestMsg{Type: protocol.TypeCreateGrid, RequestID: "r1", Settings: settings(t, ws)})
	if !res.OK || res.RequestID != "r1" || res.For != protocol.TypeCreateGrid {
		t.Fatalf("result = %+v", res)
	}
	if res.Operation == nil || res.Operation.Type != session.TypeCreateWorld || len(res.Tiles) != 2 {
		t.Fatalf("result payload = %+v", res)
	}
	if len(before) != 1 || before[0].Type != protocol.TypeTilesChanged {
		t.Fatalf("editor saw %+v before the result", before)
	}

	var changed protocol.TilesChangedMsg
	if base := readInto(t, spawner, &changed); base.Type != protocol.TypeTilesChanged {
		t.Fatalf("spawner got %s", base.Type)
	}
	if changed.Operation != string(session.TypeCreateWorld) || len(changed.Tiles) != 2 {
		t.Fatalf("tiles changed = %+v", changed)
	}
	if changed.Tiles[0].Name != "Terrain_0_0" || changed.Tiles[0].Digest == "" {
		t.Fatalf("tile stats = %+v", changed.Tiles[0])
	}
}

func TestRequestsReportErrorCodes(t *testing.T) {
	_, url := startServer(t, Options{})
	conn, _ := dial(t, url, protocol.HelloMsg{})

	res, _ := request(t, conn, protocol.RequestMsg{Type: protocol.TypeUndo})
	if res.OK || res.Code != protocol.ErrNothingToUndo {
		t.Fatalf("undo on empty history = %+v", res)
	}
	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeFlattenAll, Height: 3})
	if res.OK || res.Code != protocol.ErrNoTerrain {
		t.Fatalf("flatten without terrain = %+v", res)
	}
	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeStamp})
	if res.OK || res.Code != protocol.ErrBadRequest {
		t.Fatalf("stamp without settings = %+v", res)
	}
	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeDeleteOp})
	if res.OK || res.Code != protocol.ErrBadRequest {
		t.Fatalf("delete without index = %+v", res)
	}
	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeUndo, ProtocolVersion: "0.1"})
	if res.OK || res.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("bad version = %+v", res)
	}
	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeSave})
	if res.OK || res.Code != protocol.ErrPersistent {
		t.Fatalf("save in memory = %+v", res)
	}
}

func TestStampUndoAndLogEditing(t *testing.T) {
	_, url := startServer(t, Options{})
	conn, _ := dial(t, url, protocol.HelloMsg{Progress: true})

	ws := session.WorldSettings{Grid: world.GridRequest{XTiles: 1, ZTiles: 1, TileSize: 32, TileHeight: 10, Resolution: 9}}
	if res, _ := request(t, conn, protocol.RequestMsg{Type: protocol.TypeCreateGrid, Settings: settings(t, ws)}); !res.OK {
		t.Fatalf("create: %+v", res)
	}

	st := session.StampSettings{
		Masks:   []mask.Node{{Source: &mask.Source{Kind: mask.SourceConstant, Value: 1}, Base: true}},
		Feature: ops.Spec{Feature: ops.DefaultErosion()},
	}
	res, before := request(t, conn, protocol.RequestMsg{Type: protocol.TypeStamp, RequestID: "s1", Settings: settings(t, st)})
	if !res.OK || res.Operation == nil || res.Operation.Type != session.TypeStamp {
		t.Fatalf("stamp: %+v", res)
	}
	progress := 0
	for _, b := range before {
		if b.Type == protocol.TypeProgress {
			progress++
		}
	}
	if progress == 0 {
		t.Fatalf("no progress messages before %+v", before)
	}

	if res, _ := request(t, conn, protocol.RequestMsg{Type: protocol.TypeUndo}); !res.OK {
		t.Fatalf("undo: %+v", res)
	}
	if res, _ := request(t, conn, protocol.RequestMsg{Type: protocol.TypeRedo}); !res.OK {
		t.Fatalf("redo: %+v", res)
	}

	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeListOps})
	if !res.OK || len(res.Operations) != 4 {
		t.Fatalf("list: %+v", res)
	}

	one, off := 1, false
	if res, _ := request(t, conn, protocol.RequestMsg{Type: protocol.TypeSetActive, Index: &one, Active: &off}); !res.OK {
		t.Fatalf("set active: %+v", res)
	}
	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeListOps})
	if res.Operations[1].Active {
		t.Fatalf("operation 1 still active")
	}

	nine := 9
	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeDeleteOp, Index: &nine})
	if res.OK || res.Code != protocol.ErrIndex {
		t.Fatalf("delete out of range: %+v", res)
	}

	// Without the stamp the recorded undo has nothing to step back over.
	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeRebuild})
	if res.OK || res.Code != protocol.ErrNothingToUndo {
		t.Fatalf("rebuild without stamp: %+v", res)
	}

	on := true
	if res, _ := request(t, conn, protocol.RequestMsg{Type: protocol.TypeSetActive, Index: &one, Active: &on}); !res.OK {
		t.Fatalf("set active: %+v", res)
	}
	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeRebuild})
	if !res.OK || len(res.Tiles) != 1 {
		t.Fatalf("rebuild: %+v", res)
	}
}

func TestPaintLayerAndFocusRequests(t *testing.T) {
	srv, url := startServer(t, Options{})
	conn, _ := dial(t, url, protocol.HelloMsg{})

	ws := session.WorldSettings{Grid: world.GridRequest{
		XTiles: 2, ZTiles: 1, TileSize: 32, TileHeight: 10, Resolution: 9,
		Streaming: world.StreamingOptions{Enabled: true, OriginShiftThreshold: 50},
	}}
	if res, _ := request(t, conn, protocol.RequestMsg{Type: protocol.TypeCreateGrid, Settings: settings(t, ws)}); !res.OK {
		t.Fatalf("create: %+v", res)
	}

	res, _ := request(t, conn, protocol.RequestMsg{Type: protocol.TypePaintLayer, Settings: settings(t, session.PaintLayerSettings{})})
	if res.OK || res.Code != protocol.ErrBadRequest {
		t.Fatalf("paint without layer: %+v", res)
	}
	pl := session.PaintLayerSettings{
		Layer: "snow",
		Masks: []mask.Node{{Source: &mask.Source{Kind: mask.SourceConstant, Value: 0.5}, Base: true}},
	}
	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypePaintLayer, Settings: settings(t, pl)})
	if !res.OK || res.Operation == nil || res.Operation.Type != session.TypePaintLayer {
		t.Fatalf("paint: %+v", res)
	}

	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeFocus})
	if res.OK || res.Code != protocol.ErrBadRequest {
		t.Fatalf("focus without position: %+v", res)
	}
	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeFocus, Focus: &[3]float64{100, 0, 0}})
	if !res.OK || res.Focus == nil || res.Focus.Shift == nil {
		t.Fatalf("focus: %+v", res)
	}
	if res.Operation == nil || res.Operation.Type != session.TypeOriginShift || len(res.Tiles) != 2 {
		t.Fatalf("origin shift: %+v", res)
	}
	if got := srv.sess.World().OriginOffset().X(); got != -96 {
		t.Fatalf("offset %v", got)
	}

	res, _ = request(t, conn, protocol.RequestMsg{Type: protocol.TypeUndo})
	if !res.OK || res.Operation.Description != "Undo on 2 tiles" {
		t.Fatalf("undo paint: %+v", res)
	}
	if _, ok := srv.sess.World().Layers("Terrain_0_0")["snow"]; ok {
		t.Fatal("undo left the layer")
	}
}

func TestDisconnectCancelsRunningStamp(t *testing.T) {
	srv, url := startServer(t, Options{})
	conn, _ := dial(t, url, protocol.HelloMsg{})

	ws := session.WorldSettings{Grid: world.GridRequest{XTiles: 1, ZTiles: 1, TileSize: 32, TileHeight: 10, Resolution: 9}}
	if res, _ := request(t, conn, protocol.RequestMsg{Type: protocol.TypeCreateGrid, Settings: settings(t, ws)}); !res.OK {
		t.Fatalf("create: %+v", res)
	}
	// Far more iterations than could finish within the test.
	st := session.StampSettings{
		Masks: []mask.Node{{Source: &mask.Source{Kind: mask.SourceConstant, Value: 1}, Base: true}},
		Feature: ops.Spec{Feature: &ops.HydraulicErosion{
			SimulationScale: 1,
			Water:           ops.WaterStage{Iterations: 50_000_000, Precipitation: 0.01, FlowRate: 0.5},
		}},
	}
	req := protocol.RequestMsg{Type: protocol.TypeStamp, ProtocolVersion: protocol.Version, Settings: settings(t, st)}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	_ = conn.Close()

	released := make(chan int, 1)
	go func() {
		_ = srv.Do(func(s *session.Session) error {
			released <- s.Log().Len()
			return nil
		})
	}()
	select {
	case n := <-released:
		if n != 1 {
			t.Fatalf("cancelled stamp was recorded: %d operations", n)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("stamp kept running after the client went away")
	}
}
