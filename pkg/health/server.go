// Package health exposes the hub's HTTP surfaces: liveness, a status
// snapshot, the recent trail and a websocket live feed of admitted fixes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fixrelay/fixrelay/pkg/command"
	"github.com/fixrelay/fixrelay/pkg/fix"
	"github.com/fixrelay/fixrelay/pkg/ingest"
	"github.com/fixrelay/fixrelay/pkg/logx"
)

// Server provides status endpoints for the hub daemon
type Server struct {
	pipeline  *ingest.Pipeline
	logger    *logx.Logger
	server    *http.Server
	startTime time.Time
	version   string

	upgrader websocket.Upgrader
	publish  func(data []byte) error

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// Status is the /api/status response
type Status struct {
	Health      ingest.Health `json:"health"`
	Timestamp   time.Time     `json:"timestamp"`
	Uptime      string        `json:"uptime"`
	Version     string        `json:"version"`
	Stats       ingest.Stats  `json:"stats"`
	LiveClients int           `json:"live_clients"`
	Memory      MemoryInfo    `json:"memory"`
}

// MemoryInfo represents process memory usage
type MemoryInfo struct {
	Alloc     uint64 `json:"alloc_bytes"`
	Sys       uint64 `json:"sys_bytes"`
	HeapInuse uint64 `json:"heap_inuse_bytes"`
	NumGC     uint32 `json:"num_gc"`
}

// NewServer creates a hub status server
func NewServer(pipeline *ingest.Pipeline, version string, logger *logx.Logger) *Server {
	return &Server{
		pipeline:  pipeline,
		logger:    logger,
		startTime: time.Now(),
		version:   version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is consumed by local dashboards; no origin policy
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Start starts the status server
func (s *Server) Start(port int) error {
	s.logger.Info("starting status server", "port", port)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/api/status", s.statusHandler)
	mux.HandleFunc("/api/history", s.historyHandler)
	mux.HandleFunc("/api/command", s.commandHandler)
	mux.HandleFunc("/ws", s.wsHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", "error", err.Error())
		}
	}()

	return nil
}

// Stop stops the status server and closes live feed clients
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")

	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Broadcast pushes an admitted fix to every connected live feed client.
// Wire it to the pipeline's admitted callback.
func (s *Server) Broadcast(f fix.Fix) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// healthzHandler reports liveness; unreachable sync degrades it to 503
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.pipeline.Health() == ingest.HealthUnreachable {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unreachable"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// statusHandler returns the full status snapshot
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.pipeline.Stats()

	s.mu.Lock()
	liveClients := len(s.clients)
	s.mu.Unlock()

	status := Status{
		Health:      stats.Health,
		Timestamp:   time.Now(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Version:     s.version,
		Stats:       stats,
		LiveClients: liveClients,
		Memory:      memoryInfo(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// historyHandler returns the recent trail, newest last, optionally limited
// with ?limit=N
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	trail := s.pipeline.Trail()

	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		if limit < len(trail) {
			trail = trail[len(trail)-limit:]
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(trail)
}

// SetCommandPublisher enables POST /api/command with the given transport
// publish function. Must be set before Start.
func (s *Server) SetCommandPublisher(publish func(data []byte) error) {
	s.publish = publish
}

// commandHandler accepts a control command and publishes it to the device.
// An omitted ID gets one assigned so redeliveries stay detectable.
func (s *Server) commandHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"POST required"}`))
		return
	}
	if s.publish == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"command channel not configured"}`))
		return
	}

	var cmd command.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}
	if cmd.ID == "" {
		cmd.ID = fmt.Sprintf("cmd-%d", time.Now().UnixNano())
	}

	data, err := command.Encode(cmd)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}
	if err := s.publish(data); err != nil {
		s.logger.Warn("command publish failed", "id", cmd.ID, "error", err.Error())
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
		return
	}

	// Keep the hub's acceptance policy in step with the mode it just set
	if cmd.Kind == command.KindSetMode {
		s.pipeline.SetMode(cmd.Mode)
	}

	s.logger.Info("command published", "id", cmd.ID, "kind", string(cmd.Kind))
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"id":%q}`, cmd.ID)
}

// wsHandler upgrades to the live fix feed
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Debug("live feed client connected", "clients", count)

	// Reader loop only detects close; clients never send payloads
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func memoryInfo() MemoryInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemoryInfo{
		Alloc:     m.Alloc,
		Sys:       m.Sys,
		HeapInuse: m.HeapInuse,
		NumGC:     m.NumGC,
	}
}
