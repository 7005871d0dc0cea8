package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"terrastamp.ai/internal/session"
	"terrastamp.ai/internal/transport/ws"
	"terrastamp.ai/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "", "session data directory (default: tuning data_dir)")
		saveEvery  = flag.Duration("save_every", 0, "world snapshot interval (default: tuning snapshot_every_seconds)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning: %s not found, using defaults", tp)
		tune = tuning.Defaults()
	}
	if *dataDir != "" {
		tune.DataDir = *dataDir
	}
	interval := *saveEvery
	if interval == 0 {
		interval = time.Duration(tune.SnapshotEverySeconds) * time.Second
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := session.Open(ctx, tune.SessionConfig(logger))
	if err != nil {
		var step *session.StepError
		if !errors.As(err, &step) || sess == nil {
			logger.Fatalf("open session: %v", err)
		}
		// The log is kept; the world starts empty until the failing
		// operation is fixed and the log rebuilt.
		logger.Printf("replay stopped: %v", err)
	}
	logger.Printf("session %s: %d operations, %d tiles", tune.DataDir, sess.Log().Len(), len(sess.World().Tiles()))

	wsSrv := ws.NewServer(sess, logger, ws.Options{FillWorld: tune.WorldSettings})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = wsSrv.Do(func(s *session.Session) error {
			writeMetrics(rw, collectMetrics(s))
			return nil
		})
	})

	if envBool("TS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			var resp adminState
			_ = wsSrv.Do(func(s *session.Session) error {
				resp = collectState(s)
				return nil
			})
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			err := wsSrv.Do(func(s *session.Session) error { return s.Save(r.Context()) })
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true})
		})
	} else {
		logger.Printf("admin endpoints disabled (TS_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("TS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()
	if interval > 0 {
		go saveLoop(ctx, wsSrv, interval, logger)
	}

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	wsSrv.Close()
	if err := wsSrv.Do(func(s *session.Session) error { return s.Save(context.Background()) }); err != nil {
		logger.Printf("final snapshot: %v", err)
	}
	if err := sess.Close(); err != nil {
		logger.Printf("close session: %v", err)
	}
}

// saveLoop snapshots the world while the log keeps growing.
func saveLoop(ctx context.Context, srv *ws.Server, every time.Duration, logger *log.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	saved := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := srv.Do(func(s *session.Session) error {
			if s.Log().Len() == saved {
				return nil
			}
			if err := s.Save(ctx); err != nil {
				return err
			}
			saved = s.Log().Len()
			return nil
		})
		if err != nil {
			logger.Printf("snapshot: %v", err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
