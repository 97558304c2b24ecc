package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/crisprelay/internal/config"
	httpapi "github.com/nextlevelbuilder/crisprelay/internal/http"
	"github.com/nextlevelbuilder/crisprelay/pkg/protocol"
)

const shutdownTimeout = 5 * time.Second

// PendingCounter reports how many conversations are waiting on their pause.
type PendingCounter interface {
	PendingSessions() int
}

// StatusProvider reports channel status for the health endpoint.
type StatusProvider interface {
	GetStatus() map[string]interface{}
}

// Server is the relay's HTTP server.
type Server struct {
	cfg     config.GatewayConfig
	version string
	pending PendingCounter
	status  StatusProvider // optional
	flushes *FlushStats    // optional
	crisp   *httpapi.CrispHandler

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server.
func NewServer(cfg config.GatewayConfig, version string, pending PendingCounter, crisp *httpapi.CrispHandler) *Server {
	return &Server{
		cfg:     cfg,
		version: version,
		pending: pending,
		crisp:   crisp,
	}
}

// SetStatusProvider adds channel status to /health.
func (s *Server) SetStatusProvider(p StatusProvider) { s.status = p }

// SetFlushStats adds debounce flush counters to /health.
func (s *Server) SetFlushStats(f *FlushStats) { s.flushes = f }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+protocol.RouteRoot+"{$}", s.handleRoot)
	mux.HandleFunc("GET "+protocol.RouteHealth, s.handleHealth)

	if s.crisp != nil {
		s.crisp.RegisterRoutes(mux)
	}

	// Everything else.
	mux.HandleFunc("/", s.handleNotFound)

	s.mux = mux
	return mux
}

// Start listens on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Crisp Relay Server",
		"version": s.version,
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":           "healthy",
		"timestamp":        httpapi.Timestamp(),
		"protocol":         protocol.ProtocolVersion,
		"pending_sessions": 0,
	}
	if s.pending != nil {
		body["pending_sessions"] = s.pending.PendingSessions()
	}
	if s.status != nil {
		body["channels"] = s.status.GetStatus()
	}
	if s.flushes != nil {
		body["flushes"] = s.flushes.Snapshot()
	}
	httpapi.WriteJSON(w, http.StatusOK, body)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusNotFound, map[string]string{
		"error": "Route not found",
		"path":  r.URL.RequestURI(),
	})
}
