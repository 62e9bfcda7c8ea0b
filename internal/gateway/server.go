package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tgsync/internal/bus"
	"tgsync/internal/status"
	"tgsync/internal/sync"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	eventQueue = 256
)

// Server is the daemon's websocket surface. /events streams bus events to
// any number of consumers, /commands executes client operations against the
// engine, /transport accepts the single bridge connection.
type Server struct {
	logger  *zap.Logger
	bus     *bus.Bus
	machine *status.Machine
	bridge  *Bridge
	engine  *sync.Engine

	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a gateway bound to addr.
func NewServer(addr string, bridge *Bridge, engine *sync.Engine, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:  logger,
		bus:     b,
		machine: machine,
		bridge:  bridge,
		engine:  engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/commands", s.handleCommands)
	mux.HandleFunc("/transport", s.handleTransport)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Handler exposes the route mux, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gateway starting", zap.String("addr", s.httpSrv.Addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the gateway down gracefully.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gateway stopping")
	_ = s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state":     s.machine.Current(),
		"transport": s.bridge.Connected(),
	})
}

// handleEvents streams bus events matching the ns query prefix.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("events upgrade failed", zap.Error(err))
		return
	}

	ns := r.URL.Query().Get("ns")
	ch, unsub := s.bus.Subscribe(ns, eventQueue)

	// Reader only consumes control frames and detects the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer unsub()
		defer conn.Close()
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case evt := <-ch:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}

// handleTransport adopts the bridge connection.
func (s *Server) handleTransport(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("transport upgrade failed", zap.Error(err))
		return
	}
	s.logger.Info("transport attached", zap.String("remote", r.RemoteAddr))
	s.bridge.Attach(conn)
}
