package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"

	"terrastamp.ai/internal/protocol"
	"terrastamp.ai/internal/session"
)

// The bot is a spawner: whenever tiles change it asks the server for spawn
// points on them.
func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "spawner", "client name")
		seed     = flag.Int64("seed", 1, "spawn seed")
		density  = flag.Float64("density", 0.05, "spawn acceptance probability per sample")
		layer    = flag.String("layer", "", "paint layer weighting acceptance (optional)")
		aboveSea = flag.Bool("above_sea", true, "reject points at or below sea level")
		maxSlope = flag.Float64("max_slope", 0, "reject points steeper than this, degrees (optional)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.Close()
	}()

	sp := session.SpawnSettings{
		Seed:     *seed,
		Density:  *density,
		Layer:    *layer,
		AboveSea: *aboveSea,
		MaxSlope: *maxSlope,
	}
	var seq int
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME client_id=%s tiles=%d operations=%d", w.ClientID, len(w.Tiles), w.Operations)

		case protocol.TypeTilesChanged:
			var ch protocol.TilesChangedMsg
			if err := json.Unmarshal(msg, &ch); err != nil {
				continue
			}
			seq++
			req, err := spawnRequest(ch, sp, fmt.Sprintf("spawn_%d", seq))
			if err != nil {
				logger.Printf("spawn request: %v", err)
				continue
			}
			if err := conn.WriteJSON(req); err != nil {
				return
			}

		case protocol.TypeResult:
			var res protocol.ResultMsg
			if err := json.Unmarshal(msg, &res); err != nil {
				continue
			}
			logResult(logger, res)
		}
	}
}

// spawnRequest builds a SPAWN request for the tiles named in ch.
func spawnRequest(ch protocol.TilesChangedMsg, sp session.SpawnSettings, id string) (protocol.RequestMsg, error) {
	sp.Tiles = make([]string, 0, len(ch.Tiles))
	for _, t := range ch.Tiles {
		sp.Tiles = append(sp.Tiles, t.Name)
	}
	b, err := json.Marshal(sp)
	if err != nil {
		return protocol.RequestMsg{}, err
	}
	return protocol.RequestMsg{
		Type:            protocol.TypeSpawn,
		ProtocolVersion: protocol.Version,
		RequestID:       id,
		Settings:        b,
	}, nil
}

func logResult(logger *log.Logger, res protocol.ResultMsg) {
	if !res.OK {
		logger.Printf("%s %s failed: %s %s", res.For, res.RequestID, res.Code, res.Message)
		return
	}
	per := map[string]int{}
	for _, p := range res.Spawns {
		per[p.Tile]++
	}
	logger.Printf("%s %s: %d spawn points %v", res.For, res.RequestID, len(res.Spawns), per)
}
