// Package wsserver is the Public Surface: HTTP routing, WebSocket
// admission limits, and the idle-connection sweep the Session Layer
// itself does not run. Grounded on the teacher's cmd/cb-monitor (gorilla
// mux router plus a /ws upgrade handler behind a plain http.Server with
// graceful Shutdown) and internal/api/websocket.go's WebSocketLimiter.
package wsserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sprintscribe/transcribe-sprint/internal/config"
	"github.com/sprintscribe/transcribe-sprint/internal/metrics"
	"github.com/sprintscribe/transcribe-sprint/internal/session"
	"github.com/sprintscribe/transcribe-sprint/internal/taskmanager"
)

const outboundBufferSize = 64

// Server owns the HTTP listener, the WebSocket upgrade endpoint, and the
// admission/idle-timeout policies layered in front of the Session Layer.
type Server struct {
	cfg     config.Config
	hub     *session.Hub
	mgr     *taskmanager.Manager
	logger  *zap.Logger
	limiter *connLimiter

	upgrader websocket.Upgrader
	http     *http.Server

	stopSweep chan struct{}
}

// New constructs a Server. Call Run to start serving and ListenAndServe
// blocking behavior; call Shutdown for graceful teardown.
func New(cfg config.Config, hub *session.Hub, mgr *taskmanager.Manager, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     hub,
		mgr:     mgr,
		logger:  logger,
		limiter: newConnLimiter(globalLimit(cfg), cfg.WebSocketMaxPerIP),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		stopSweep: make(chan struct{}),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebSocket)

	s.http = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open indefinitely
	}
	return s
}

// Run starts the idle-connection sweep and blocks on ListenAndServe until
// the listener is closed by Shutdown.
func (s *Server) Run() error {
	go s.sweepLoop()
	if s.logger != nil {
		s.logger.Info("wsserver: listening", zap.String("addr", s.http.Addr))
	}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains the HTTP listener and stops the idle sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopSweep)
	return s.http.Shutdown(ctx)
}

func (s *Server) sweepLoop() {
	interval := s.cfg.HeartbeatInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.ConnectionTimeout())
			n := s.hub.SweepIdle(cutoff)
			for i := 0; i < n; i++ {
				metrics.SessionsIdleClosed.Inc()
			}
		case <-s.stopSweep:
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.mgr.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":             stats.Pending,
		"processing":          stats.Processing,
		"completed":           stats.Completed,
		"failed":              stats.Failed,
		"cancelled":           stats.Cancelled,
		"queue_size":          stats.QueueSize,
		"max_queue_size":      stats.MaxQueueSize,
		"max_concurrent":      stats.MaxConcurrent,
		"estimated_wait_mins": stats.EstimatedWaitMins,
		"sessions_connected":  s.hub.SessionCount(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if reason := s.limiter.acquire(ip); reason != "" {
		metrics.SessionsRejected.WithLabelValues(reason).Inc()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.limiter.release(ip)
		if s.logger != nil {
			s.logger.Warn("wsserver: upgrade failed", zap.Error(err), zap.String("ip", ip))
		}
		return
	}

	sess := s.hub.Accept(conn, outboundBufferSize)
	defer s.limiter.release(ip)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			sess.Close()
			return
		}
		sess.HandleFrame(raw)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// globalLimit is the stricter of the two server-wide connection ceilings
// spec.md §6 recognizes: max_connections (the overall server cap) and
// websocket_max_global (the Public Surface's own admission tier).
func globalLimit(cfg config.Config) int {
	if cfg.MaxConnections > 0 && cfg.MaxConnections < cfg.WebSocketMaxGlobal {
		return cfg.MaxConnections
	}
	return cfg.WebSocketMaxGlobal
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
