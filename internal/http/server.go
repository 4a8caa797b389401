package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DBChecker abstracts the crosswalk health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// ListenerStatus reports whether the protocol listeners are accepting.
type ListenerStatus interface {
	Running() bool
}

// DestinationStatus reports destination availability from the prober.
type DestinationStatus interface {
	AnyAvailable() bool
}

type Server struct {
	srv       *http.Server
	dbChecker DBChecker
	listeners []ListenerStatus
	dests     DestinationStatus
	logger    *zap.Logger
}

func NewServer(addr string, db DBChecker, listeners []ListenerStatus, dests DestinationStatus, logger *zap.Logger) *Server {
	s := &Server{
		dbChecker: db,
		listeners: listeners,
		dests:     dests,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Check the crosswalk store.
	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["crosswalk"] = "error"
			allOK = false
		} else {
			checks["crosswalk"] = "ok"
		}
	} else {
		checks["crosswalk"] = "error"
		allOK = false
	}

	// Check the protocol listeners.
	listenersOK := true
	for _, l := range s.listeners {
		if !l.Running() {
			listenersOK = false
			break
		}
	}
	if listenersOK {
		checks["listeners"] = "ok"
	} else {
		checks["listeners"] = "not_running"
		allOK = false
	}

	// At least one destination must be reachable for deliveries to move.
	if s.dests == nil || s.dests.AnyAvailable() {
		checks["destinations"] = "ok"
	} else {
		checks["destinations"] = "none_available"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
