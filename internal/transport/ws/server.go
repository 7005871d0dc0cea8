package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	"terrastamp.ai/internal/protocol"
	"terrastamp.ai/internal/session"
)

var errBadRequest = errors.New("bad request")

// Options tune a Server. The zero value is usable.
type Options struct {
	// FillWorld completes CREATE_GRID settings before they run, e.g. from
	// tuning defaults.
	FillWorld func(session.WorldSettings) session.WorldSettings
	// QueueSize bounds each client's outgoing queue. TILES_CHANGED and
	// PROGRESS messages are dropped for a client whose queue is full.
	QueueSize int
}

// Server exposes one session over websocket. Every request is handled under
// a single mutex so the session only ever sees one caller.
type Server struct {
	mu   sync.Mutex
	sess *session.Session
	log  *log.Logger
	opts Options

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	clientsMu sync.Mutex
	clients   map[string]*client

	unsubscribe func()
}

type client struct {
	id       string
	out      chan []byte
	progress bool
}

func NewServer(sess *session.Session, logger *log.Logger, opts Options) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	s := &Server{
		sess: sess,
		log:  logger,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: map[string]*client{},
	}
	s.unsubscribe = sess.Subscribe(s.broadcast)
	return s
}

// Close stops broadcasting session events. Open connections are left to
// the http server.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribe()
}

// Do runs fn with exclusive access to the session, e.g. for periodic saves.
func (s *Server) Do(fn func(*session.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.sess)
}

func (s *Server) broadcast(ev session.Event) {
	if len(ev.Tiles) == 0 {
		return
	}
	b, err := json.Marshal(protocol.NewTilesChanged(ev))
	if err != nil {
		s.log.Printf("tiles changed: %v", err)
		return
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for _, c := range s.clients {
		select {
		case c.out <- b:
		default:
		}
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := s.handshake(conn)
		if c == nil {
			return
		}
		defer s.leave(c.id)

		// Requests run under ctx so a dropped connection cancels its stamp.
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader goroutine. It keeps reading while a request runs, so a
		// dropped connection cancels that request.
		reqs := make(chan []byte, 16)
		go func() {
			defer close(reqs)
			defer cancel()
			for {
				_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				select {
				case reqs <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()

	loop:
		for {
			var msg []byte
			select {
			case m, ok := <-reqs:
				if !ok {
					break loop
				}
				msg = m
			case <-ctx.Done():
				break loop
			}
			res := s.dispatch(ctx, c, msg)
			b, err := json.Marshal(res)
			if err != nil {
				s.log.Printf("client %s: marshal result: %v", c.id, err)
				continue
			}
			select {
			case c.out <- b:
			case <-ctx.Done():
			}
		}
		<-done
	}
}

func (s *Server) handshake(conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}

	c := &client{
		id:       fmt.Sprintf("C%d", s.nextID.Add(1)),
		out:      make(chan []byte, s.opts.QueueSize),
		progress: hello.Progress,
	}

	s.mu.Lock()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ClientID:        c.id,
		HasTerrain:      s.sess.World().HasTerrain(),
		Operations:      s.sess.Log().Len(),
	}
	for _, t := range s.sess.World().Tiles() {
		welcome.Tiles = append(welcome.Tiles, t.Name)
	}
	for _, t := range session.Types() {
		welcome.SettingsTypes = append(welcome.SettingsTypes, string(t))
	}
	// Registered before WELCOME goes out so no event after it is missed.
	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	s.mu.Unlock()

	if err := writeJSON(conn, welcome); err != nil {
		s.leave(c.id)
		return nil
	}
	if hello.ClientName != "" {
		s.log.Printf("client %s joined as %q", c.id, hello.ClientName)
	}
	return c
}

func (s *Server) leave(id string) {
	s.clientsMu.Lock()
	delete(s.clients, id)
	s.clientsMu.Unlock()
}

func (s *Server) dispatch(ctx context.Context, c *client, msg []byte) protocol.ResultMsg {
	var req protocol.RequestMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		return protoError(req, "malformed request")
	}
	if !protocol.IsRequestType(req.Type) {
		return protoError(req, fmt.Sprintf("unknown request type %q", req.Type))
	}
	if req.ProtocolVersion != protocol.Version {
		return protoError(req, "bad protocol_version")
	}
	var progress func(stage string, done, total int)
	if c.progress {
		progress = func(stage string, done, total int) {
			b, err := json.Marshal(protocol.ProgressMsg{
				Type:            protocol.TypeProgress,
				ProtocolVersion: protocol.Version,
				RequestID:       req.RequestID,
				Stage:           stage,
				Done:            done,
				Total:           total,
			})
			if err != nil {
				return
			}
			select {
			case c.out <- b:
			default:
			}
		}
	}
	return s.Handle(ctx, req, progress)
}

func protoError(req protocol.RequestMsg, msg string) protocol.ResultMsg {
	res := protocol.NewResult(req)
	res.OK = false
	res.Code = protocol.ErrProtoBadRequest
	res.Message = msg
	return res
}

// Handle runs one request against the session and builds its reply. Tiles
// changed by the request are reported in the reply as well as broadcast.
func (s *Server) Handle(ctx context.Context, req protocol.RequestMsg, progress func(stage string, done, total int)) protocol.ResultMsg {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := protocol.NewResult(req)
	stop := s.sess.Subscribe(func(ev session.Event) {
		res.Tiles = append(res.Tiles, ev.Tiles...)
	})
	defer stop()

	if err := s.handle(ctx, req, progress, &res); err != nil {
		if errors.Is(err, errBadRequest) {
			res.OK = false
			res.Code = protocol.ErrBadRequest
			res.Message = err.Error()
		} else {
			res.Fail(err)
		}
		s.log.Printf("%s %s: %v", req.Type, req.RequestID, err)
	}
	return res
}

func (s *Server) handle(ctx context.Context, req protocol.RequestMsg, progress func(string, int, int), res *protocol.ResultMsg) error {
	sess := s.sess
	var err error
	switch req.Type {
	case protocol.TypeCreateGrid:
		var ws session.WorldSettings
		if err := decodeSettings(req, &ws); err != nil {
			return err
		}
		if s.opts.FillWorld != nil {
			ws = s.opts.FillWorld(ws)
		}
		res.Operation, err = sess.CreateGrid(ctx, ws)
	case protocol.TypeStamp:
		var st session.StampSettings
		if err := decodeSettings(req, &st); err != nil {
			return err
		}
		res.Operation, err = sess.Stamp(ctx, st, progress)
	case protocol.TypeUndo:
		res.Operation, err = sess.Undo(ctx)
	case protocol.TypeRedo:
		res.Operation, err = sess.Redo(ctx)
	case protocol.TypeFlattenAll:
		res.Operation, err = sess.FlattenAll(ctx, req.Tiles, req.Height)
	case protocol.TypeSpawn:
		var sp session.SpawnSettings
		if err := decodeSettings(req, &sp); err != nil {
			return err
		}
		res.Spawns, res.Operation, err = sess.Spawn(ctx, sp)
	case protocol.TypeExportMaskMap:
		var ms session.MaskMapExportSettings
		if err := decodeSettings(req, &ms); err != nil {
			return err
		}
		res.Files, res.Operation, err = sess.ExportMaskMap(ctx, ms)
	case protocol.TypePaintLayer:
		var pl session.PaintLayerSettings
		if err := decodeSettings(req, &pl); err != nil {
			return err
		}
		res.Operation, err = sess.PaintLayer(ctx, pl)
	case protocol.TypeFocus:
		if req.Focus == nil {
			return fmt.Errorf("%w: focus is required", errBadRequest)
		}
		fr, ferr := sess.Focus(ctx, mgl64.Vec3(*req.Focus))
		if ferr != nil {
			return ferr
		}
		res.Focus = &fr
		res.Operation = fr.Shift
	case protocol.TypeExecute:
		i, ierr := index(req)
		if ierr != nil {
			return ierr
		}
		op, aerr := sess.Log().At(i)
		if aerr != nil {
			return aerr
		}
		res.Operation = op
		err = sess.ExecuteOperation(ctx, op)
	case protocol.TypePlayAll:
		report, perr := sess.PlayAll(ctx, nil)
		res.Report = &report
		err = perr
	case protocol.TypeSetActive:
		i, ierr := index(req)
		if ierr != nil {
			return ierr
		}
		if req.Active == nil {
			return fmt.Errorf("%w: active is required", errBadRequest)
		}
		err = sess.SetActive(ctx, i, *req.Active)
	case protocol.TypeSetDescription:
		i, ierr := index(req)
		if ierr != nil {
			return ierr
		}
		if req.Description == nil {
			return fmt.Errorf("%w: description is required", errBadRequest)
		}
		err = sess.SetDescription(ctx, i, *req.Description)
	case protocol.TypeDeleteOp:
		i, ierr := index(req)
		if ierr != nil {
			return ierr
		}
		err = sess.DeleteOperation(ctx, i)
	case protocol.TypeClearLog:
		err = sess.ClearLog(ctx)
	case protocol.TypeListOps:
		res.Operations = sess.Log().Operations()
	case protocol.TypeRebuild:
		err = sess.Rebuild(ctx)
	case protocol.TypeSave:
		err = sess.Save(ctx)
	default:
		return fmt.Errorf("%w: unhandled type %s", errBadRequest, req.Type)
	}
	return err
}

func decodeSettings(req protocol.RequestMsg, v any) error {
	if len(req.Settings) == 0 {
		return fmt.Errorf("%w: %s needs settings", errBadRequest, req.Type)
	}
	if err := json.Unmarshal(req.Settings, v); err != nil {
		return fmt.Errorf("%w: settings: %v", errBadRequest, err)
	}
	return nil
}

func index(req protocol.RequestMsg) (int, error) {
	if req.Index == nil {
		return 0, fmt.Errorf("%w: %s needs index", errBadRequest, req.Type)
	}
	return *req.Index, nil
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
