// Package server exposes the gate link over HTTP: a status snapshot, gate
// commands, a live WebSocket event stream and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/gatelink/internal/events"
	"github.com/shaunagostinho/gatelink/internal/link"
	"github.com/shaunagostinho/gatelink/internal/log"
)

// Controller is the part of the link the server drives.
type Controller interface {
	Status() link.Status
	OpenGate() bool
	CloseGate() bool
	RequestStatus() bool
	Subscribe(link.Handler) func()
}

// ConfigSource serves the effective configuration.
type ConfigSource interface {
	ToJSON() ([]byte, error)
}

// Server broadcasts link events to WebSocket clients and serves the API.
type Server struct {
	addr     string
	ctrl     Controller
	cfg      ConfigSource
	webFS    fs.FS
	gatherer prometheus.Gatherer
	logger   log.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader    websocket.Upgrader
	unsubscribe func()
	closeOnce   sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Event  *events.Envelope `json:"event,omitempty"`
	Status *link.Status     `json:"status,omitempty"`
	Stamp  int64            `json:"stamp"` // Unix ms
}

// New creates a server and subscribes it to ctrl. webFS and gatherer may be
// nil.
func New(addr string, ctrl Controller, cfg ConfigSource, webFS fs.FS, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		addr:     addr,
		ctrl:     ctrl,
		cfg:      cfg,
		webFS:    webFS,
		gatherer: gatherer,
		logger:   log.WithName("server"),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.unsubscribe = ctrl.Subscribe(s.onEvent)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	api.HandleFunc("/gate/{action:open|close|refresh}", s.handleGate).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.handleWS)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.webFS != nil {
		r.PathPrefix("/").Handler(http.FileServer(http.FS(s.webFS)))
	}
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.Close()
	}()

	s.logger.Info("listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close unsubscribes from the link and disconnects all clients.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.clientsMu.RLock()
		for c := range s.clients {
			c.conn.Close()
		}
		s.clientsMu.RUnlock()
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	var ok bool
	switch action {
	case "open":
		ok = s.ctrl.OpenGate()
	case "close":
		ok = s.ctrl.CloseGate()
	case "refresh":
		ok = s.ctrl.RequestStatus()
	}
	if !ok {
		s.logger.Warn("gate command rejected", "action", action)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gate link unavailable"})
		return
	}
	s.logger.Info("gate command sent", "action", action, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(err, "websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Snapshot first, then live events.
	st := s.ctrl.Status()
	if data, err := json.Marshal(Frame{Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Info("client connected", "clients", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.logger.Info("client disconnected", "clients", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) onEvent(ev link.Event) {
	env, err := events.NewEnvelope(ev)
	if err != nil {
		s.logger.Error(err, "dropping event")
		return
	}
	st := s.ctrl.Status()
	s.broadcast(Frame{Event: &env, Status: &st, Stamp: time.Now().UnixMilli()})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
