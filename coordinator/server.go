// Package coordinator implements the rendezvous broker: a stateless HTTP +
// WebSocket service holding transient registries keyed by opaque handles.
// It is untrusted for content; clients verify everything end to end.
package coordinator

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zajel-project/zajel/discovery"
	"github.com/zajel-project/zajel/internal/logger"
	"github.com/zajel-project/zajel/internal/metrics"
)

// Server is one coordinator shard: HTTP endpoints plus the WS hub.
type Server struct {
	hub      *Hub
	servers  *ServerRegistry
	registry *prometheus.Registry
	upgrader websocket.Upgrader
	log      logger.Logger

	httpServer *http.Server
}

// NewServer builds a coordinator signing its bootstrap list with the given
// operator key.
func NewServer(signKey ed25519.PrivateKey) *Server {
	met, reg := metrics.NewCoordinator()
	servers := NewServerRegistry(signKey)
	return &Server{
		hub:      NewHub(servers, met),
		servers:  servers,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; authentication
			// is cryptographic, not origin-based.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.GetDefaultLogger().WithFields(logger.String("component", "coordinator")),
	}
}

// Handler returns the full HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/servers", s.handleServers)
	mux.HandleFunc("/servers/heartbeat", s.handleServerHeartbeat)
	mux.HandleFunc("/servers/", s.handleServerDelete)
	mux.Handle("/metrics", metrics.Handler(s.registry))
	mux.HandleFunc("/", s.handleWS)
	return mux
}

// ListenAndServe runs the coordinator until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.log.Info("coordinator listening", logger.String("addr", addr))

	select {
	case <-ctx.Done():
		s.Shutdown()
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("coordinator server failed: %w", err)
		}
		return nil
	}
}

// Shutdown drains connections and stops the HTTP server.
func (s *Server) Shutdown() {
	s.hub.Close()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ts": time.Now().Unix()})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.servers.SignedList(time.Now())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to sign server list"})
			return
		}
		writeJSON(w, http.StatusOK, list)

	case http.MethodPost:
		var entry discovery.ServerEntry
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&entry); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed registration"})
			return
		}
		if err := s.servers.Register(entry, time.Now()); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleServerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ServerID string `json:"serverId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed heartbeat"})
		return
	}
	if err := s.servers.Heartbeat(body.ServerID, time.Now()); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleServerDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	serverID := strings.TrimPrefix(r.URL.Path, "/servers/")
	if serverID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.servers.Delete(serverID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logger.Error(err))
		return
	}
	c := newClient(s.hub, conn)
	s.hub.attach(c)
	go c.run()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
