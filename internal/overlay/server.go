package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/normanking/signify/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatsFunc reports session statistics for /api/v1/state
type StatsFunc func() any

// LogHistory supplies recent log entries for /api/v1/logs
type LogHistory interface {
	GetHistory(limit int) []logging.LogEntry
}

// ServerConfig configures the overlay HTTP server
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string // empty allows any origin
	Metrics        bool     // expose /metrics
}

// Server serves the overlay websocket, health, state and metrics endpoints
type Server struct {
	config   ServerConfig
	hub      *Hub
	stats    StatsFunc
	logs     LogHistory
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates a server around hub. stats may be nil.
func NewServer(config ServerConfig, hub *Hub, stats StatsFunc, logger zerolog.Logger) *Server {
	s := &Server{
		config: config,
		hub:    hub,
		stats:  stats,
		logger: logger.With().Str("component", "overlay_server").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetLogHistory enables /api/v1/logs. Call before Run.
func (s *Server) SetLogHistory(logs LogHistory) {
	s.logs = logs
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/state", s.handleState)
	mux.HandleFunc("GET /api/v1/logs", s.handleLogs)
	if s.config.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Overlay server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// hijacked websocket connections are not tracked by Shutdown
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("Overlay server stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	s.hub.Register(conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.Clients(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state := map[string]any{
		"frame": s.hub.LastFrame(),
	}
	if s.stats != nil {
		state["stats"] = s.stats()
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "log history not available"})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.logs.GetHistory(limit),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
