// Package overlay serves the presentation feed: browser overlays connect over
// WebSocket and receive a JSON message for every flip lifecycle event, which
// drives the coin animation and sound on stream. The same listener exposes
// /health and /metrics.
package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/flipper/internal/metrics"
	"github.com/whisper/flipper/internal/protocol"
)

// ServerConfig holds tunable parameters for the overlay server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	Channel        string        // chat channel announced in hello
	MaxConnections int           // hard cap on overlay clients
	WriteTimeout   time.Duration // timeout for each outbound frame
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 64,
		WriteTimeout:   5 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Status is the bot state reported by /health.
type Status struct {
	Chat       string `json:"chat"`
	ActiveFlip bool   `json:"active_flip"`
}

// Server accepts overlay WebSocket clients and broadcasts flip events to them.
// Each client gets its own read goroutine; overlays only ever send pings.
type Server struct {
	config     ServerConfig
	conns      *ConnectionManager
	status     func() Status
	httpServer *http.Server
	done       chan struct{}
	doneOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. status may be nil.
func NewServer(config ServerConfig, status func() Status) *Server {
	s := &Server{
		config:    config,
		conns:     NewConnectionManager(),
		status:    status,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes served by the overlay listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/overlay", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start begins the heartbeat monitor and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("[overlay] listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("overlay: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request with gobwas/ws, registers the
// connection, greets it and starts its read goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[overlay] upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, time.Now())
	s.conns.Add(c)
	metrics.OverlayClients.Set(float64(s.conns.Count()))

	hello, err := protocol.NewServerMessage(protocol.TypeHello, protocol.HelloMsg{Channel: s.config.Channel})
	if err != nil {
		log.Printf("[overlay] failed to build hello for %s: %v", c.ID, err)
	} else if err := c.WriteMessage(hello, s.config.WriteTimeout); err != nil {
		log.Printf("[overlay] failed to send hello to %s: %v", c.ID, err)
	}

	log.Printf("[overlay] new connection id=%s remote=%s (total=%d)", c.ID, r.RemoteAddr, s.conns.Count())

	go s.readLoop(c)
}

// readLoop reads frames until the client goes away. Pings are answered and a
// close frame ends the loop; text frames go to dispatch.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	control := wsutil.ControlFrameHandler(c.Conn, ws.StateServerSide)
	onControl := func(h ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return control(h, r)
	}

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch(time.Now())

		if header.OpCode.IsControl() {
			if err := onControl(header, reader); err != nil {
				return
			}
			continue
		}

		data, err := io.ReadAll(reader)
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}
		s.dispatch(c, data)
	}
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
		Chat        string `json:"chat,omitempty"`
		ActiveFlip  bool   `json:"active_flip"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.status != nil {
		st := s.status()
		resp.Chat = st.Chat
		resp.ActiveFlip = st.ActiveFlip
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Broadcast sends msg to every overlay. A failed write evicts that client.
func (s *Server) Broadcast(msg []byte) {
	for _, c := range s.conns.All() {
		if err := c.WriteMessage(msg, s.config.WriteTimeout); err != nil {
			log.Printf("[overlay] broadcast to %s failed: %v", c.ID, err)
			s.RemoveConnection(c)
		}
	}
}

// RemoveConnection unregisters and closes c. Safe to call more than once.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.OverlayClients.Set(float64(s.conns.Count()))
	log.Printf("[overlay] connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and the heartbeat and closes every client.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("[overlay] shutting down...")

	s.doneOnce.Do(func() { close(s.done) })

	err := s.httpServer.Shutdown(ctx)

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	log.Println("[overlay] stopped")
	return err
}
