// Package web exposes the process surface of the LineHeat server: a status
// endpoint at / and the websocket upgrade at /ws. Everything after the
// upgrade is the hub's business.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lineheat/lineheat/internal/protocol"
)

// Realtime is the interface the web server needs from the hub.
type Realtime interface {
	HandleConn(ws *websocket.Conn)
	RetentionDays() int
	Stats() (rooms, conns int)
	Uptime() time.Duration
}

// Server is the HTTP front of the coordination server.
type Server struct {
	logger   *slog.Logger
	hub      Realtime
	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a web server listening on the given port.
func New(logger *slog.Logger, hub Realtime, port int) *Server {
	s := &Server{
		logger: logger,
		hub:    hub,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// Editor plugins connect from arbitrary local origins; the
			// shared token is the actual gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.mux.HandleFunc("GET /{$}", s.handleStatus)
	s.mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.mux,
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins serving HTTP requests. It blocks until the server is shut
// down.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type statusResponse struct {
	Status          string `json:"status"`
	ProtocolVersion string `json:"protocolVersion"`
	RetentionDays   int    `json:"retentionDays"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	Rooms           int    `json:"rooms"`
	Connections     int    `json:"connections"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rooms, conns := s.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{
		Status:          "ok",
		ProtocolVersion: protocol.ServerProtocolVersion,
		RetentionDays:   s.hub.RetentionDays(),
		UptimeSeconds:   int64(s.hub.Uptime().Seconds()),
		Rooms:           rooms,
		Connections:     conns,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", "error", err)
		return
	}
	s.hub.HandleConn(ws)
}
